package handler

import (
	"net/http"

	"github.com/developingchet/ai-lab-proxy/internal/server"
)

// GeminiVision serves /api/gemini_vision, with model fallback.
func GeminiVision(w http.ResponseWriter, r *http.Request) {
	server.Serverless().ServeHTTP(w, r)
}
