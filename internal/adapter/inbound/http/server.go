package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aegisgate/aegisgate/internal/domain/autherr"
	"github.com/aegisgate/aegisgate/internal/service"
)

// ctxKey is the private type for request-scoped context values.
type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyClientIP
)

// Server exposes the guard pipeline over HTTP.
type Server struct {
	guard   *service.GuardService
	metrics *Metrics
	logger  *slog.Logger

	tracer     trace.Tracer
	admissions metric.Int64Counter
}

// NewServer creates the HTTP adapter. The otel counter mirrors the
// Prometheus admissions counter for OTLP consumers.
func NewServer(guard *service.GuardService, metrics *Metrics, logger *slog.Logger) (*Server, error) {
	admissions, err := otel.Meter("aegisgate/http").Int64Counter(
		"aegisgate.admissions",
		metric.WithDescription("Admission decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}
	return &Server{
		guard:      guard,
		metrics:    metrics,
		logger:     logger,
		tracer:     otel.Tracer("aegisgate/http"),
		admissions: admissions,
	}, nil
}

// Routes builds the handler with all endpoints registered.
func (s *Server) Routes(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/login", s.withRequest("login", s.handleLogin))
	mux.Handle("POST /v1/logout", s.withRequest("logout", s.handleLogout))
	mux.Handle("POST /v1/refresh", s.withRequest("refresh", s.handleRefresh))
	mux.Handle("POST /v1/verify", s.withRequest("verify", s.handleVerify))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// withRequest attaches a request ID, the client IP, and a trace span, and
// records the endpoint duration.
func (s *Server) withRequest(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		ctx = context.WithValue(ctx, ctxKeyClientIP, clientIP(r))

		ctx, span := s.tracer.Start(ctx, "http."+endpoint,
			trace.WithAttributes(attribute.String("request.id", requestID)))
		defer span.End()

		next(w, r.WithContext(ctx))

		s.metrics.AuthDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// clientIP extracts the originating address: first X-Forwarded-For hop,
// falling back to the connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestIP returns the client IP stored by withRequest.
func requestIP(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKeyClientIP).(string)
	return ip
}

// outcome maps an admission error to a metrics label.
func outcome(err error) string {
	var rl *autherr.RateLimitError
	switch {
	case err == nil:
		return "allowed"
	case errors.As(err, &rl), errors.Is(err, autherr.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, autherr.ErrInvalidCredential):
		return "invalid"
	case errors.Is(err, autherr.ErrExpired):
		return "expired"
	case errors.Is(err, autherr.ErrRevoked):
		return "revoked"
	case errors.Is(err, autherr.ErrForbidden):
		return "forbidden"
	case errors.Is(err, autherr.ErrBlocked):
		return "blocked"
	case errors.Is(err, autherr.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// recordAdmission feeds both metric pipelines.
func (s *Server) recordAdmission(ctx context.Context, err error) {
	o := outcome(err)
	s.metrics.AdmissionsTotal.WithLabelValues(o).Inc()
	s.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", o)))
}

// statusFor maps taxonomy errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, autherr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, autherr.ErrForbidden), errors.Is(err, autherr.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, autherr.ErrInvalidCredential),
		errors.Is(err, autherr.ErrExpired),
		errors.Is(err, autherr.ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, autherr.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a denial without leaking internals. Rate limit
// denials carry a Retry-After header.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rl *autherr.RateLimitError
	if errors.As(err, &rl) {
		secs := int(rl.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusFor(err), map[string]string{"error": autherr.SafeMessage(err)})
}

// writeJSON renders a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON parses a request body, limited to 1 MiB.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
