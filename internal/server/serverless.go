package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/developingchet/ai-lab-proxy/internal/config"
	"github.com/developingchet/ai-lab-proxy/internal/logger"
)

var (
	serverlessOnce    sync.Once
	serverlessHandler http.Handler
)

// Serverless returns the API handler for function runtimes, built once per
// instance from the environment. Proxy headers are trusted, visitor events
// are delivered inline, and a bbolt backend is replaced by the in-memory
// store, since function filesystems are ephemeral.
func Serverless() http.Handler {
	serverlessOnce.Do(func() {
		serverlessHandler = buildServerless(config.Load)
	})
	return serverlessHandler
}

func buildServerless(load func() (*config.Config, error)) http.Handler {
	cfg, err := load()
	if err != nil {
		log := logger.New("info", "json")
		log.Error().Err(err).Msg("invalid configuration")
		return unavailable("server configuration error")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	cfg.VisitorAsync = false
	// The platform edge sets X-Forwarded-For.
	cfg.TrustProxyHeaders = true
	if cfg.StoreBackend == "bbolt" {
		log.Warn().Msg("bbolt is not supported in serverless mode; using the memory store")
		cfg.StoreBackend = "memory"
	}

	store, err := OpenStore(context.Background(), cfg)
	if err != nil {
		log.Error().Err(err).Msg("open usage store")
		return unavailable("usage store unavailable")
	}
	srv, err := New(cfg, store, log)
	if err != nil {
		log.Error().Err(err).Msg("build server")
		_ = store.Close()
		return unavailable("server configuration error")
	}
	return srv.Handler()
}

func unavailable(msg string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
	})
}
