package handler

import (
	"net/http"

	"github.com/developingchet/ai-lab-proxy/internal/server"
)

// GPT serves /api/gpt.
func GPT(w http.ResponseWriter, r *http.Request) {
	server.Serverless().ServeHTTP(w, r)
}
