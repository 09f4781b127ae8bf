package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEntryPointsShareGateway(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("METRICS_ENABLED", "false")

	for path, h := range map[string]http.HandlerFunc{
		"/api/gemini":        Gemini,
		"/api/gemini_beauty": GeminiBeauty,
		"/api/gemini_vision": GeminiVision,
		"/api/gpt":           GPT,
		"/api/log-visitor":   LogVisitor,
	} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s: got %d, want 405", path, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != http.MethodPost {
			t.Errorf("GET %s: Allow = %q", path, got)
		}
	}
}
