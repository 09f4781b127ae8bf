package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/developingchet/ai-lab-proxy/internal/clientip"
	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/developingchet/ai-lab-proxy/internal/pool"
	"github.com/developingchet/ai-lab-proxy/internal/upstream"
	"github.com/developingchet/ai-lab-proxy/internal/visitor"
	"github.com/rs/zerolog"
)

const (
	defaultCaloriePrompt = "幫我毒舌分析這份食物的熱量。"
	defaultBeautyPrompt  = "Make this selfie more aesthetic and cinematic"
	defaultVisionPrompt  = "Generate spectral ghost overlay with eerie aura and mist"
	defaultMemeCatPrompt = "你好"

	visionFallbackSuffix = "\nCreate a vivid spectral ghostly overlay with glowing aura and mist."

	defaultTemperature = 0.8
)

const caloriePersona = `
你是一位毒舌營養師兼美食評論家，口氣尖銳但有趣。
請針對圖片內容吐槽、揶揄，並估算大致的熱量（大卡）。
輸出格式必須是 JSON，包含三個欄位：
{
  "review": "毒舌評論",
  "estimated_calories": 整數,
  "items": ["偵測到的食物項目"]
}
請勿出現非 JSON 的文字。`

const memeCatPersona = "你是一隻名叫 Cosmic Meme Cat 的黑貓，用欠揍、幽默、迷因風格回答人類。請保持口氣聰明又懶散，像是在邊打呵欠邊講幹話，每次回覆不超過 40 個字。"

// memeCatFallbacks are served whenever the chat provider cannot answer.
var memeCatFallbacks = []string{
	"喵？我只想打瞌睡。",
	"喵～這問題太哲學。",
	"喵喵喵，先餵我再說吧！",
	"別吵，本喵在做夢。",
	"喵～Wi‑Fi 呢？我要上網。",
}

type calorieRequest struct {
	Prompt     string `json:"prompt"`
	Base64Logo string `json:"base64Logo"`
}

type calorieResponse struct {
	Result json.RawMessage `json:"result"`
	Energy *int            `json:"energy,omitempty"`
}

// ToxicCalorie reviews a food photo and estimates its calories as JSON.
func (g *Gateway) ToxicCalorie(w http.ResponseWriter, r *http.Request) {
	if !g.deps.Gemini.Configured() {
		writeError(w, http.StatusInternalServerError, errMissingKey)
		return
	}
	var req calorieRequest
	if err := g.decodeBody(w, r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Base64Logo == "" {
		writeError(w, http.StatusBadRequest, "base64Logo is required")
		return
	}
	energy, ok := g.admit(w, r, CategoryCalorie)
	if !ok {
		return
	}

	log := zerolog.Ctx(r.Context())
	resp, err := g.deps.Gemini.GenerateContent(r.Context(), g.cfg.GeminiCalorieModel, upstream.GenerateRequest{
		SystemInstruction: &upstream.Content{Parts: []upstream.Part{{Text: caloriePersona}}},
		Contents: []upstream.Content{{Role: "user", Parts: []upstream.Part{
			{Text: orDefault(req.Prompt, defaultCaloriePrompt)},
			{InlineData: &upstream.InlineData{MimeType: "image/png", Data: req.Base64Logo}},
		}}},
		GenerationConfig: &upstream.GenerationConfig{
			Temperature:      floatPtr(defaultTemperature),
			ResponseMimeType: "application/json",
		},
		SafetySettings: g.safety,
	})
	if err != nil {
		log.Error().Err(err).Msg("calorie analysis failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	text := resp.FirstText()
	if text == "" {
		writeError(w, http.StatusBadGateway, "model returned no content")
		return
	}
	var result json.RawMessage
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		log.Warn().Err(err).Msg("model returned invalid JSON")
		writeError(w, http.StatusBadGateway, "model returned invalid JSON")
		return
	}
	writeJSON(w, http.StatusOK, calorieResponse{Result: result, Energy: energy})
}

type imageRequest struct {
	Prompt      string   `json:"prompt"`
	Base64Image string   `json:"base64Image"`
	Base64Logo  string   `json:"base64Logo"`
	Temperature *float64 `json:"temperature"`
}

func (r imageRequest) temperature() float64 {
	if r.Temperature == nil {
		return defaultTemperature
	}
	return *r.Temperature
}

type beautyResponse struct {
	Success     bool            `json:"success"`
	ImageBase64 string          `json:"image_base64,omitempty"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	Energy      *int            `json:"energy,omitempty"`
}

// BeautyFilter restyles a selfie while keeping the subject's features.
func (g *Gateway) BeautyFilter(w http.ResponseWriter, r *http.Request) {
	if !g.deps.Gemini.Configured() {
		writeError(w, http.StatusInternalServerError, errMissingKey)
		return
	}
	var req imageRequest
	if err := g.decodeBody(w, r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Base64Image == "" {
		writeError(w, http.StatusBadRequest, "base64Image is required")
		return
	}
	energy, ok := g.admit(w, r, CategoryBeauty)
	if !ok {
		return
	}

	log := zerolog.Ctx(r.Context())
	resp, err := g.deps.Gemini.GenerateContent(r.Context(), g.cfg.GeminiBeautyModel, upstream.GenerateRequest{
		Contents: []upstream.Content{{Parts: []upstream.Part{
			{Text: orDefault(req.Prompt, defaultBeautyPrompt)},
			{InlineData: &upstream.InlineData{MimeType: "image/jpeg", Data: req.Base64Image}},
		}}},
		GenerationConfig: &upstream.GenerationConfig{
			Temperature:    floatPtr(req.temperature()),
			TopP:           floatPtr(0.9),
			TopK:           intPtr(40),
			CandidateCount: intPtr(1),
		},
		SafetySettings: g.safety,
	})
	if err != nil {
		log.Error().Err(err).Msg("beauty filter failed")
		writeJSON(w, http.StatusBadGateway, beautyResponse{Error: err.Error(), Raw: upstream.ErrorBody(err)})
		return
	}

	image := resp.FirstImage()
	if image == "" {
		log.Warn().Msg("beauty filter returned no image")
		writeJSON(w, http.StatusBadGateway, beautyResponse{
			Error: "model returned no image; the model may not support it or the prompt was rejected",
			Raw:   resp.Raw,
		})
		return
	}
	writeJSON(w, http.StatusOK, beautyResponse{
		Success:     true,
		ImageBase64: image,
		Message:     "image generated",
		Energy:      energy,
	})
}

type visionResponse struct {
	ImageBase64 string `json:"image_base64"`
	Energy      *int   `json:"energy,omitempty"`
}

// SpiritVision overlays a spectral effect on an image, falling back to a
// second model when the primary returns no image.
func (g *Gateway) SpiritVision(w http.ResponseWriter, r *http.Request) {
	if !g.deps.Gemini.Configured() {
		writeError(w, http.StatusInternalServerError, errMissingKey)
		return
	}
	var req imageRequest
	if err := g.decodeBody(w, r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Base64Logo == "" {
		writeError(w, http.StatusBadRequest, "base64Logo is required")
		return
	}
	energy, ok := g.admit(w, r, CategoryVision)
	if !ok {
		return
	}

	log := zerolog.Ctx(r.Context())
	prompt := orDefault(req.Prompt, defaultVisionPrompt)
	genCfg := &upstream.GenerationConfig{
		Temperature:        floatPtr(req.temperature()),
		ResponseModalities: []string{"IMAGE"},
	}
	image := upstream.InlineData{MimeType: "image/png", Data: req.Base64Logo}

	var data string
	resp, err := g.deps.Gemini.GenerateContent(r.Context(), g.cfg.GeminiVisionModel, upstream.GenerateRequest{
		Contents: []upstream.Content{{Parts: []upstream.Part{
			{Text: prompt},
			{InlineData: &image},
		}}},
		GenerationConfig: genCfg,
		SafetySettings:   g.safety,
	})
	if err != nil {
		log.Warn().Err(err).Msg("primary image model failed")
	} else {
		data = resp.FirstImage()
	}

	if data == "" {
		metrics.FallbacksUsed.WithLabelValues("gemini_vision", "model").Inc()
		log.Warn().Str("model", g.cfg.GeminiVisionFallbackModel).Msg("primary model returned no image; trying fallback")
		fb, err := g.deps.Gemini.GenerateContent(r.Context(), g.cfg.GeminiVisionFallbackModel, upstream.GenerateRequest{
			Contents: []upstream.Content{{Role: "user", Parts: []upstream.Part{
				{Text: prompt + visionFallbackSuffix},
				{InlineData: &image},
			}}},
			GenerationConfig: genCfg,
			SafetySettings:   g.safety,
		})
		if err != nil {
			log.Error().Err(err).Msg("fallback image model failed")
		} else {
			data = fb.FirstImage()
		}
	}

	if data == "" {
		writeError(w, http.StatusBadGateway, "image generation failed, please retry later")
		return
	}
	writeJSON(w, http.StatusOK, visionResponse{ImageBase64: data, Energy: energy})
}

type memeCatRequest struct {
	Prompt string `json:"prompt"`
}

type memeCatResponse struct {
	Reply  string `json:"reply"`
	Debug  any    `json:"debug"`
	Energy *int   `json:"energy,omitempty"`
}

// MemeCat answers in the voice of a lazy cat. Provider failures degrade to
// a canned reply with status 200.
func (g *Gateway) MemeCat(w http.ResponseWriter, r *http.Request) {
	var req memeCatRequest
	if err := g.decodeBody(w, r, &req, true); err != nil {
		g.memeCatFallback(w, "decode", map[string]string{"error": err.Error()}, nil)
		return
	}
	if !g.deps.OpenAI.Configured() {
		g.memeCatFallback(w, "config", map[string]string{"error": errMissingKey}, nil)
		return
	}
	energy, ok := g.admit(w, r, CategoryMemeCat)
	if !ok {
		return
	}

	resp, err := g.deps.OpenAI.ChatCompletion(r.Context(), upstream.ChatRequest{
		Model: g.cfg.OpenAIModel,
		Messages: []upstream.ChatMessage{
			{Role: "system", Content: memeCatPersona},
			{Role: "user", Content: orDefault(req.Prompt, defaultMemeCatPrompt)},
		},
		Temperature: g.cfg.OpenAITemperature,
		MaxTokens:   g.cfg.OpenAIMaxTokens,
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("chat completion failed")
		var debug any = map[string]string{"error": err.Error()}
		if body := upstream.ErrorBody(err); body != nil {
			debug = body
		}
		g.memeCatFallback(w, "upstream", debug, energy)
		return
	}

	reply := resp.FirstContent()
	if reply == "" {
		g.memeCatFallback(w, "empty", resp.Raw, energy)
		return
	}
	writeJSON(w, http.StatusOK, memeCatResponse{Reply: reply, Debug: resp.Raw, Energy: energy})
}

func (g *Gateway) memeCatFallback(w http.ResponseWriter, kind string, debug any, energy *int) {
	metrics.FallbacksUsed.WithLabelValues("gpt", kind).Inc()
	reply := memeCatFallbacks[g.pick(len(memeCatFallbacks))]
	writeJSON(w, http.StatusOK, memeCatResponse{Reply: reply, Debug: debug, Energy: energy})
}

type visitorRequest struct {
	UserAgent string `json:"userAgent"`
	Page      string `json:"page"`
	Referrer  string `json:"referrer"`
	Timestamp string `json:"timestamp"`
}

// LogVisitor records a page visit. With a worker pool the event is queued
// and delivered in the background; otherwise it is delivered inline.
func (g *Gateway) LogVisitor(w http.ResponseWriter, r *http.Request) {
	if g.deps.Relay == nil || !g.deps.Relay.Configured() {
		writeError(w, http.StatusInternalServerError, "visitor log sink not configured")
		return
	}
	var req visitorRequest
	if err := g.decodeBody(w, r, &req, true); err != nil {
		writeDecodeError(w, err)
		return
	}

	ev := visitor.Event{
		IP:        clientip.FromRequest(r, g.cfg.TrustProxyHeaders),
		UserAgent: req.UserAgent,
		Page:      req.Page,
		Referrer:  req.Referrer,
		Timestamp: req.Timestamp,
	}

	if g.deps.Pool != nil {
		job := pool.Job{Event: ev, RequestID: w.Header().Get(requestIDKey)}
		if !g.deps.Pool.Enqueue(job) {
			writeError(w, http.StatusServiceUnavailable, "visitor queue full")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if err := g.deps.Relay.Deliver(r.Context(), ev); err != nil {
		// A sink that answered with an error status still counts as delivered;
		// only transport failures reach the client.
		if sinkAnswered(err) {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("visitor log sink rejected event")
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("visitor log delivery failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func sinkAnswered(err error) bool {
	var st *upstream.ErrStatus
	var rl *upstream.ErrRateLimit
	return errors.As(err, &st) || errors.As(err, &rl)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int { return &i }
