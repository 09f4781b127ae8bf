package handler

import (
	"net/http"

	"github.com/developingchet/ai-lab-proxy/internal/server"
)

// LogVisitor relays a page view to the visitor log.
func LogVisitor(w http.ResponseWriter, r *http.Request) {
	server.Serverless().ServeHTTP(w, r)
}
