package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient() *Client {
	return newClientWithHTTP(ClientConfig{Timeout: 5 * time.Second},
		&http.Client{Timeout: 5 * time.Second}, zerolog.Nop())
}

func ptr[T any](v T) *T { return &v }

func TestGeminiGenerateContentRequestShape(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if r.URL.Query().Get("key") != "" {
			t.Error("API key must not be sent as a query parameter")
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`))
	}))
	defer srv.Close()

	g := NewGemini(newTestClient(), srv.URL+"/", "test-key")
	resp, err := g.GenerateContent(context.Background(), "gemini-test", GenerateRequest{
		SystemInstruction: &Content{Parts: []Part{{Text: "persona"}}},
		Contents: []Content{{Role: "user", Parts: []Part{
			{Text: "prompt"},
			{InlineData: &InlineData{MimeType: "image/png", Data: "AAAA"}},
		}}},
		GenerationConfig: &GenerationConfig{Temperature: ptr(0.8), ResponseMimeType: "application/json"},
		SafetySettings:   SafetySettingsAt("BLOCK_ONLY_HIGH"),
	})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}

	if gotPath != "/models/gemini-test:generateContent" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("x-goog-api-key: got %q", gotKey)
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Error("systemInstruction missing from payload")
	}
	gen, _ := gotBody["generationConfig"].(map[string]any)
	if gen["temperature"] != 0.8 || gen["responseMimeType"] != "application/json" {
		t.Errorf("generationConfig: got %v", gen)
	}
	if _, ok := gen["topK"]; ok {
		t.Error("unset topK should be omitted")
	}
	safety, _ := gotBody["safetySettings"].([]any)
	if len(safety) != len(HarmCategories) {
		t.Errorf("safetySettings: got %d entries", len(safety))
	}

	if resp.FirstText() != "hello" {
		t.Errorf("FirstText: got %q", resp.FirstText())
	}
	if len(resp.Raw) == 0 {
		t.Error("Raw body should be kept")
	}
}

func TestGenerateResponseFirstImage(t *testing.T) {
	var resp GenerateResponse
	raw := `{"candidates":[{"content":{"parts":[{"text":"caption"},{"inlineData":{"mimeType":"image/png","data":"iVBOR"}}]}}]}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	if got := resp.FirstImage(); got != "iVBOR" {
		t.Errorf("FirstImage: got %q", got)
	}
	if got := resp.FirstText(); got != "caption" {
		t.Errorf("FirstText: got %q", got)
	}

	var empty *GenerateResponse
	if empty.FirstImage() != "" || empty.FirstText() != "" {
		t.Error("nil response should yield empty strings")
	}
	if (&GenerateResponse{}).FirstImage() != "" {
		t.Error("no candidates should yield empty image")
	}
}

func TestSafetySettingsAtEmpty(t *testing.T) {
	if got := SafetySettingsAt(""); got != nil {
		t.Errorf("expected nil settings, got %v", got)
	}
}

func TestErrStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"bad image"}}`))
	}))
	defer srv.Close()

	g := NewGemini(newTestClient(), srv.URL, "k")
	_, err := g.GenerateContent(context.Background(), "m", GenerateRequest{})
	var st *ErrStatus
	if !errors.As(err, &st) {
		t.Fatalf("expected ErrStatus, got %T: %v", err, err)
	}
	if st.StatusCode != http.StatusBadRequest || st.Provider != "gemini" {
		t.Errorf("unexpected ErrStatus: %+v", st)
	}
	if body := ErrorBody(err); body == nil {
		t.Error("ErrorBody should expose the JSON body")
	}
}

func TestErrRateLimitRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := NewOpenAI(newTestClient(), srv.URL, "k")
	_, err := o.ChatCompletion(context.Background(), ChatRequest{Model: "m"})
	var rl *ErrRateLimit
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimit, got %T: %v", err, err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter: got %s", rl.RetryAfter)
	}
	if ErrorBody(err) != nil {
		t.Error("empty body should not be exposed")
	}
}

func TestOpenAIChatCompletion(t *testing.T) {
	var gotAuth string
	var gotReq ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"  喵～  "}}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(newTestClient(), srv.URL+"/v1", "sk-test")
	resp, err := o.ChatCompletion(context.Background(), ChatRequest{
		Model:       "gpt-3.5-turbo",
		Messages:    []ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   100,
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization: got %q", gotAuth)
	}
	if gotReq.MaxTokens != 100 || gotReq.Model != "gpt-3.5-turbo" {
		t.Errorf("request: got %+v", gotReq)
	}
	if resp.FirstContent() != "喵～" {
		t.Errorf("FirstContent: got %q", resp.FirstContent())
	}
}

func TestDecodeErrorKeepsRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := newTestClient()
	var out map[string]any
	raw, err := c.PostJSON(context.Background(), "test", srv.URL, nil, map[string]string{}, &out)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if string(raw) != "not json" {
		t.Errorf("raw: got %q", raw)
	}
}

func TestGetText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Taiwan\n"))
	}))
	defer srv.Close()

	got, err := newTestClient().GetText(context.Background(), "geo", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Taiwan" {
		t.Errorf("GetText: got %q", got)
	}
}

func TestOutboundRateCapHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newClientWithHTTP(ClientConfig{RPS: 0.001, Burst: 1}, &http.Client{}, zerolog.Nop())
	if _, err := c.GetText(context.Background(), "geo", srv.URL); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.GetText(ctx, "geo", srv.URL); err == nil {
		t.Fatal("second call should fail waiting for the rate cap")
	}
}

func TestConfigured(t *testing.T) {
	c := newTestClient()
	if NewGemini(c, "http://x", "").Configured() {
		t.Error("Gemini without key should not be configured")
	}
	if !NewOpenAI(c, "http://x", "k").Configured() {
		t.Error("OpenAI with key should be configured")
	}
	var g *Gemini
	if g.Configured() {
		t.Error("nil Gemini should not be configured")
	}
}
