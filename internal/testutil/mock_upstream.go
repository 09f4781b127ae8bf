package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Reply is a canned HTTP response.
type Reply struct {
	Status int
	Body   string
}

// RecordedRequest is a request captured by MockUpstream.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// JSON decodes the recorded body into a generic map.
func (r RecordedRequest) JSON() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(r.Body, &m)
	return m
}

// MockUpstream is an httptest server that stands in for every third-party
// provider: Gemini under /gemini, OpenAI under /openai, the geo lookup under
// /geo and the visitor-log sink under /sink.
//
// Replies for a route are consumed in order; the last one repeats.
type MockUpstream struct {
	Server *httptest.Server

	mu       sync.Mutex
	gemini   map[string][]Reply // model -> replies
	openai   []Reply
	geo      []Reply
	sink     []Reply
	requests []RecordedRequest
}

// NewMockUpstream starts a MockUpstream. Close it with Server.Close.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{gemini: make(map[string][]Reply)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

func (m *MockUpstream) GeminiURL() string { return m.Server.URL + "/gemini" }
func (m *MockUpstream) OpenAIURL() string { return m.Server.URL + "/openai" }
func (m *MockUpstream) GeoURL() string    { return m.Server.URL + "/geo" }
func (m *MockUpstream) SinkURL() string   { return m.Server.URL + "/sink" }

// Close shuts down the server.
func (m *MockUpstream) Close() { m.Server.Close() }

// SetGemini queues replies for a Gemini model.
func (m *MockUpstream) SetGemini(model string, replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gemini[model] = replies
}

// SetOpenAI queues chat completion replies.
func (m *MockUpstream) SetOpenAI(replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openai = replies
}

// SetGeo queues geo lookup replies.
func (m *MockUpstream) SetGeo(replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.geo = replies
}

// SetSink queues visitor-log sink replies.
func (m *MockUpstream) SetSink(replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = replies
}

// Requests returns captured requests whose path starts with prefix.
func (m *MockUpstream) Requests(prefix string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedRequest
	for _, r := range m.requests {
		if strings.HasPrefix(r.Path, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// GeminiImageReply builds a generateContent body whose first candidate
// carries an inline image.
func GeminiImageReply(data string) Reply {
	return Reply{Status: http.StatusOK, Body: `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` + data + `"}}]}}]}`}
}

// GeminiTextReply builds a generateContent body with a single text part.
func GeminiTextReply(text string) Reply {
	b, _ := json.Marshal(text)
	return Reply{Status: http.StatusOK, Body: `{"candidates":[{"content":{"parts":[{"text":` + string(b) + `}]}}]}`}
}

// OpenAIReply builds a chat completion body.
func OpenAIReply(content string) Reply {
	b, _ := json.Marshal(content)
	return Reply{Status: http.StatusOK, Body: `{"id":"chatcmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":` + string(b) + `}}]}`}
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})

	var reply Reply
	switch {
	case strings.HasPrefix(r.URL.Path, "/gemini/models/"):
		model := strings.TrimPrefix(r.URL.Path, "/gemini/models/")
		model = strings.TrimSuffix(model, ":generateContent")
		reply = next(m.gemini, model)
	case r.URL.Path == "/openai/chat/completions":
		reply = pop(&m.openai)
	case strings.HasPrefix(r.URL.Path, "/geo/"):
		reply = pop(&m.geo)
	case r.URL.Path == "/sink":
		reply = pop(&m.sink)
	default:
		reply = Reply{Status: http.StatusNotFound, Body: `{"error":"no such route"}`}
	}
	m.mu.Unlock()

	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	w.WriteHeader(reply.Status)
	_, _ = w.Write([]byte(reply.Body))
}

func next(queues map[string][]Reply, key string) Reply {
	q := queues[key]
	r := pop(&q)
	queues[key] = q
	return r
}

// pop returns the head of q, leaving the final element in place.
func pop(q *[]Reply) Reply {
	if len(*q) == 0 {
		return Reply{Status: http.StatusNotFound, Body: `{"error":"no reply configured"}`}
	}
	r := (*q)[0]
	if len(*q) > 1 {
		*q = (*q)[1:]
	}
	return r
}
