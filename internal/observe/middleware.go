package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to [http.ResponseController], which the
// websocket upgrade uses to hijack the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// spanName follows the "METHOD route" convention. Mux patterns that already
// carry a method are used as they are.
func spanName(r *http.Request) string {
	route := routeOf(r)
	if strings.HasPrefix(route, r.Method+" ") {
		return route
	}
	return r.Method + " " + route
}

// routeOf returns the matched mux pattern, falling back to the raw path. Using
// the pattern keeps per-session URLs from exploding metric cardinality.
func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

type middlewareConfig struct {
	quiet map[string]bool
	log   *slog.Logger
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

// WithQuietPaths serves the given paths without spans and logs them at debug
// level. Use it for probes and scrapes that would otherwise flood the logs.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, p := range paths {
			c.quiet[p] = true
		}
	}
}

// WithMiddlewareLogger sets the request logger. Defaults to slog.Default().
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.log = l }
}

// Middleware returns an [http.Handler] wrapper that continues or starts a W3C
// trace for each request, exposes the trace id as X-Correlation-ID, records
// the request duration and logs completion.
//
// Conversation sockets are long-lived, so their duration sample and log line
// appear when the socket closes.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{quiet: map[string]bool{}}
	for _, o := range opts {
		o(cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := cfg.log
			if log == nil {
				log = slog.Default()
			}
			quiet := cfg.quiet[r.URL.Path]

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			var span trace.Span
			if !quiet {
				ctx, span = StartSpan(ctx, "HTTP "+r.Method,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
					),
				)
				defer span.End()
			}

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", routeOf(r)),
				),
			)

			level := slog.LevelInfo
			if quiet {
				level = slog.LevelDebug
			} else {
				span.SetName(spanName(r))
				span.SetAttributes(
					semconv.HTTPRoute(routeOf(r)),
					semconv.HTTPResponseStatusCode(rec.statusCode),
				)
			}
			log.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
