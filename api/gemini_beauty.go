package handler

import (
	"net/http"

	"github.com/developingchet/ai-lab-proxy/internal/server"
)

// GeminiBeauty serves /api/gemini_beauty.
func GeminiBeauty(w http.ResponseWriter, r *http.Request) {
	server.Serverless().ServeHTTP(w, r)
}
