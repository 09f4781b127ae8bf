// Package gateway serves the browser-facing AI proxy endpoints.
//
// Every endpoint is POST-only and follows the same order of checks: method,
// provider key, body decode, required fields, rate limit, upstream call.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/clientip"
	"github.com/developingchet/ai-lab-proxy/internal/config"
	"github.com/developingchet/ai-lab-proxy/internal/metrics"
	"github.com/developingchet/ai-lab-proxy/internal/pool"
	"github.com/developingchet/ai-lab-proxy/internal/ratelimit"
	"github.com/developingchet/ai-lab-proxy/internal/upstream"
	"github.com/developingchet/ai-lab-proxy/internal/visitor"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Rate limit categories. Each is an independent namespace in the usage store.
const (
	CategoryCalorie = "toxic_calorie"
	CategoryBeauty  = "gemini_beauty"
	CategoryVision  = "gemini_vision"
	CategoryMemeCat = "meme_cat"
)

// Categories lists every rate-limited category.
var Categories = []string{CategoryCalorie, CategoryBeauty, CategoryVision, CategoryMemeCat}

const (
	errMissingKey = "server configuration error: missing API key"
	requestIDKey  = "X-Request-ID"
)

// Deps are the collaborators a Gateway calls out to. Limiter and Pool may be
// nil: a nil Limiter admits everything, a nil Pool delivers visitor events inline.
type Deps struct {
	Gemini  *upstream.Gemini
	OpenAI  *upstream.OpenAI
	Limiter *ratelimit.Limiter
	Relay   *visitor.Relay
	Pool    *pool.Pool
}

// Gateway holds the handlers and their resolved settings.
type Gateway struct {
	cfg      *config.Config
	deps     Deps
	policies map[string]ratelimit.Policy
	exempt   []*net.IPNet
	safety   []upstream.SafetySetting
	pick     func(n int) int
	log      zerolog.Logger
}

// New resolves rate limit policies and exemptions from cfg.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Gateway, error) {
	exempt, err := clientip.ParseExemptions(cfg.RateLimitExempt)
	if err != nil {
		return nil, fmt.Errorf("parse exemptions: %w", err)
	}

	policies := make(map[string]ratelimit.Policy, len(Categories))
	for _, c := range Categories {
		policies[c] = ratelimit.Policy{Category: c, DailyLimit: cfg.RateLimitDaily, Cooldown: cfg.RateLimitCooldown}
	}
	overrides, err := cfg.ParseRateLimitPolicies()
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if _, ok := policies[o.Category]; !ok {
			return nil, fmt.Errorf("RATELIMIT_POLICIES: unknown category %q (valid: %s)", o.Category, strings.Join(Categories, ", "))
		}
		policies[o.Category] = ratelimit.Policy{Category: o.Category, DailyLimit: o.DailyLimit, Cooldown: o.Cooldown}
	}

	if !cfg.RateLimitEnabled {
		deps.Limiter = nil
	}

	return &Gateway{
		cfg:      cfg,
		deps:     deps,
		policies: policies,
		exempt:   exempt,
		safety:   upstream.SafetySettingsAt(cfg.GeminiSafetyThreshold),
		pick:     rand.IntN,
		log:      log,
	}, nil
}

// Policy returns the policy applied to category.
func (g *Gateway) Policy(category string) ratelimit.Policy {
	if p, ok := g.policies[category]; ok {
		return p
	}
	return ratelimit.Policy{Category: category, DailyLimit: g.cfg.RateLimitDaily, Cooldown: g.cfg.RateLimitCooldown}
}

// Routes returns the API router.
func (g *Gateway) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(g.withRequestLog)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/gemini", g.endpoint("gemini", g.ToxicCalorie))
	api.Handle("/gemini_beauty", g.endpoint("gemini_beauty", g.BeautyFilter))
	api.Handle("/gemini_vision", g.endpoint("gemini_vision", g.SpiritVision))
	api.Handle("/gpt", g.endpoint("gpt", g.MemeCat))
	api.Handle("/log-visitor", g.endpoint("log_visitor", g.LogVisitor))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// endpoint wraps h with the POST gate and per-route metrics.
func (g *Gateway) endpoint(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.Requests.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()

		if r.Method != http.MethodPost {
			rec.Header().Set("Allow", http.MethodPost)
			writeError(rec, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s Not Allowed", r.Method))
			return
		}
		h(rec, r)
	})
}

// withRequestLog tags each request with an ID, attaches a request-scoped
// logger to the context and logs completion.
func (g *Gateway) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDKey)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDKey, id)

		log := g.log.With().Str("request_id", id).Str("path", r.URL.Path).Logger()
		r = r.WithContext(log.WithContext(r.Context()))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info().Str("method", r.Method).Int("status", rec.status).
			Dur("elapsed", time.Since(start)).Msg("request handled")
	})
}

// admit applies the category policy to the caller. It writes the denial and
// returns ok=false when the request must stop. energy is nil when no quota
// applies to the caller.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, category string) (energy *int, ok bool) {
	if g.deps.Limiter == nil {
		return nil, true
	}
	ip := clientip.FromRequest(r, g.cfg.TrustProxyHeaders)
	if clientip.IsExempt(ip, g.exempt) {
		return nil, true
	}

	d := g.deps.Limiter.Check(r.Context(), ip, g.Policy(category))
	if d.Allowed {
		if d.Remaining < 0 {
			return nil, true
		}
		remaining := d.Remaining
		return &remaining, true
	}

	switch d.Reason {
	case ratelimit.ReasonLimit:
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":  "daily limit reached, come back tomorrow",
			"reason": string(d.Reason),
			"energy": 0,
		})
	case ratelimit.ReasonCooldown:
		wait := d.WaitSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(wait))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":  fmt.Sprintf("cooling down, retry in %d seconds", wait),
			"reason": string(d.Reason),
			"wait":   wait,
		})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  "rate limiter unavailable",
			"reason": string(d.Reason),
		})
	}
	return nil, false
}

// decodeBody reads a JSON body capped at MaxBodyBytes into dst. An empty body
// leaves dst untouched when allowEmpty is set.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

// writeDecodeError maps a decodeBody error to 413 or 400.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
