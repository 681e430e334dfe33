// Package httpapi exposes the decision engine and performance tracker over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guardian-ai/guardian/internal/api"
	"github.com/guardian-ai/guardian/internal/engine"
	"github.com/guardian-ai/guardian/internal/metrics"
	"github.com/guardian-ai/guardian/internal/quota"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20 // 1MB

// Decider is the engine surface the API needs; *engine.Engine implements it.
type Decider interface {
	Register(ctx context.Context, np engine.NewProblem) (*api.ProblemInstance, error)
	Get(ctx context.Context, problemID string) (*api.ProblemInstance, error)
	Decide(ctx context.Context, problemID string, history []api.HistoricalPoint, trust float64) (api.DecisionResult, error)
	RegisterAndDecide(ctx context.Context, np engine.NewProblem, history []api.HistoricalPoint, trust float64) (api.DecisionResult, error)
}

// Outcomes is the tracker surface the API needs; *tracker.Tracker implements it.
type Outcomes interface {
	Record(ctx context.Context, problemID string, algorithmCost, optimalCost float64) (api.PerformanceRecord, error)
	RecordOutcome(ctx context.Context, problemID string, horizon float64) (api.PerformanceRecord, error)
	Report(ctx context.Context, problemID string) (api.PerformanceReport, error)
}

// Limiter admits or rejects a request for a user; *quota.Manager implements it.
type Limiter interface {
	Allow(userID string) error
}

// Deps are the collaborators of the router. Limiter and Gatherer are optional.
type Deps struct {
	Engine   Decider
	Tracker  Outcomes
	Limiter  Limiter
	Identity IdentityConfig
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      logrus.FieldLogger

	// MetricsUser enables basic auth on /metrics when set.
	MetricsUser     string
	MetricsPassword string
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Log))

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metricsHandler(deps))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(Identity(deps.Identity))
		if deps.Limiter != nil {
			r.Use(rateLimit(deps.Limiter, deps.Metrics))
		}

		r.Post("/decide", handleDecide(deps))
		r.Post("/problems", handleRegister(deps))
		r.Get("/problems/{id}", handleGetProblem(deps))
		r.Post("/problems/{id}/outcomes", handleRecordOutcome(deps))
		r.Get("/problems/{id}/performance", handlePerformance(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "healthy"})
}

func handleDecide(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.DecisionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, err)
			return
		}

		var (
			res api.DecisionResult
			err error
		)
		if req.ProblemID == "" {
			// Implicit registration: the instance exists only if the decision succeeds.
			res, err = deps.Engine.RegisterAndDecide(r.Context(), engine.NewProblem{
				UserID:      callerID(r, req.UserID),
				ProblemType: req.ProblemType,
				Params:      req.ProblemParams,
				State:       req.DecisionState,
			}, req.HistoricalData, req.Trust())
		} else {
			res, err = deps.Engine.Decide(r.Context(), req.ProblemID, req.HistoricalData, req.Trust())
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, api.NewDecisionResponse(res))
	}
}

func handleRegister(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.RegisterRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, err)
			return
		}

		p, err := deps.Engine.Register(r.Context(), engine.NewProblem{
			UserID:      callerID(r, req.UserID),
			ProblemType: req.ProblemType,
			Params:      req.ProblemParams,
			State:       req.DecisionState,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleGetProblem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleRecordOutcome(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.OutcomeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, err)
			return
		}

		id := chi.URLParam(r, "id")
		var (
			rec api.PerformanceRecord
			err error
		)
		if req.ActualOutcome != nil {
			rec, err = deps.Tracker.RecordOutcome(r.Context(), id, *req.ActualOutcome)
		} else {
			rec, err = deps.Tracker.Record(r.Context(), id, *req.AlgorithmCost, *req.OptimalCost)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handlePerformance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Tracker.Report(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, api.NewPerformanceResponse(rep))
	}
}

func metricsHandler(deps Deps) http.Handler {
	handler := promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	if deps.MetricsUser == "" {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != deps.MetricsUser || pass != deps.MetricsPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			httpError(w, http.StatusUnauthorized, "authentication_error", "unauthorized")
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// callerID prefers the gateway identity over a user id in the body.
func callerID(r *http.Request, bodyUserID string) string {
	if id, ok := UserID(r.Context()); ok {
		return id
	}
	return bodyUserID
}

func rateLimit(l Limiter, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserID(r.Context())
			if !ok {
				userID = "anonymous"
			}
			if err := l.Allow(userID); err != nil {
				m.QuotaExceeded.WithLabelValues(quota.Reason(err)).Inc()
				w.Header().Set("Retry-After", "1")
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a decision-core error to its status and error type.
func writeError(w http.ResponseWriter, err error) {
	code := api.HTTPStatus(err)
	httpError(w, code, errorType(code), "%v", err)
}

func errorType(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found_error"
	case code == http.StatusTooManyRequests:
		return "rate_limit_error"
	case code >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, api.ErrorResponse{Error: api.ErrorDetail{
		Message: fmt.Sprintf(format, args...),
		Type:    errType,
	}})
}
