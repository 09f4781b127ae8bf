package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/config"
	"github.com/developingchet/ai-lab-proxy/internal/gateway"
	"github.com/developingchet/ai-lab-proxy/internal/pool"
	"github.com/developingchet/ai-lab-proxy/internal/ratelimit"
	"github.com/developingchet/ai-lab-proxy/internal/storage"
	"github.com/developingchet/ai-lab-proxy/internal/upstream"
	"github.com/developingchet/ai-lab-proxy/internal/visitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

const shutdownTimeout = 15 * time.Second

// Server wires together the usage store, upstream providers, gateway,
// visitor worker pool and janitor.
type Server struct {
	cfg     *config.Config
	store   storage.Store
	gateway *gateway.Gateway
	pool    *pool.Pool
	janitor *Janitor
	log     zerolog.Logger

	listen func(network, addr string) (net.Listener, error)
}

// OpenStore opens the usage store selected by STORE_BACKEND.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "bbolt":
		return storage.NewBboltStore(cfg.DataDir, cfg.AppID)
	case "redis":
		return storage.NewRedisStore(ctx, cfg.RedisURL, cfg.AppID)
	case "memory":
		return storage.NewMemoryStore(cfg.AppID, cfg.UsageRetention), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// New constructs a fully wired Server. The store is owned by the caller.
func New(cfg *config.Config, store storage.Store, log zerolog.Logger) (*Server, error) {
	client := upstream.NewClient(upstream.ClientConfig{
		Timeout: cfg.UpstreamHTTPTimeout,
		RPS:     cfg.UpstreamRPS,
		Burst:   cfg.UpstreamBurst,
		Debug:   cfg.UpstreamDebug,
	}, log)
	relay := visitor.NewRelay(client, cfg.GeoLookupURL, cfg.VisitorLogURL, log)

	var p *pool.Pool
	if cfg.VisitorAsync {
		var err error
		p, err = pool.New(pool.Config{
			Workers:    cfg.PoolWorkers,
			QueueDepth: cfg.PoolQueueDepth,
			MaxRetries: cfg.PoolMaxRetries,
			RetryBase:  cfg.PoolRetryBase,
		}, makeJobHandler(relay, log), log)
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Gemini:  upstream.NewGemini(client, cfg.GeminiBaseURL, cfg.GeminiAPIKey),
		OpenAI:  upstream.NewOpenAI(client, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey),
		Limiter: ratelimit.New(store, log),
		Relay:   relay,
		Pool:    p,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set; Gemini endpoints will answer 500")
	}
	if cfg.OpenAIAPIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set; /api/gpt will serve fallback replies")
	}
	if cfg.VisitorLogURL == "" {
		log.Warn().Msg("VISITOR_LOG_URL not set; /api/log-visitor will answer 500")
	}

	return &Server{
		cfg:     cfg,
		store:   store,
		gateway: gw,
		pool:    p,
		janitor: NewJanitor(store, p, cfg.JanitorInterval, cfg.UsageRetention, log),
		log:     log,
		listen:  net.Listen,
	}, nil
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	return s.gateway.Routes()
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
// On shutdown the API server drains in-flight requests first, then the worker
// pool delivers what is still queued.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Workers outlive gctx so queued events are delivered after the API stops.
	poolCtx, cancelPool := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPool()
	if s.pool != nil {
		s.pool.Start(poolCtx)
	}

	g.Go(func() error {
		return s.serveAPI(gctx)
	})

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	// Prometheus metrics server
	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	// Health endpoints
	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	err := g.Wait()

	if s.pool != nil {
		deadline := time.AfterFunc(shutdownTimeout, cancelPool)
		s.pool.Stop()
		deadline.Stop()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveAPI runs the public API server. Once ctx is cancelled it returns only
// after in-flight requests have completed or shutdownTimeout has passed.
func (s *Server) serveAPI(ctx context.Context) error {
	ln, err := s.listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Str("version", BinaryVersion).Msg("API server started")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("API server shutdown incomplete")
		return nil
	}
	s.log.Info().Msg("API server drained")
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// healthMux serves /healthz (liveness) and /readyz (store reachable).
func (s *Server) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveHealth runs the health endpoint.
func (s *Server) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HealthAddr,
		Handler:           s.healthMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
