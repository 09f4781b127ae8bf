package handler

import (
	"net/http"

	"github.com/developingchet/ai-lab-proxy/internal/server"
)

// Gemini serves /api/gemini, the calorie estimate.
func Gemini(w http.ResponseWriter, r *http.Request) {
	server.Serverless().ServeHTTP(w, r)
}
