package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/ipsim/internal/metrics"
)

const (
	// RequestIDHeader carries the caller's request id, or the generated one.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader returns the trace id the request was recorded under.
	TraceIDHeader = "X-Trace-ID"

	unmatchedRoute = "unmatched"
)

var tracer = otel.Tracer("ipsim-api")

// W3C traceparent is honoured so a dashboard or gateway can join its own trace.
var propagator = propagation.TraceContext{}

type requestIDs struct {
	request string
	trace   string
}

type requestIDsKey struct{}

func idsFrom(ctx context.Context) requestIDs {
	ids, _ := ctx.Value(requestIDsKey{}).(requestIDs)
	return ids
}

// GetTraceID returns the trace id assigned by TracingMiddleware.
func GetTraceID(ctx context.Context) string { return idsFrom(ctx).trace }

// GetRequestID returns the request id assigned by TracingMiddleware.
func GetRequestID(ctx context.Context) string { return idsFrom(ctx).request }

// TracingMiddleware opens a server span per request. The span is renamed to
// the matched chi route once routing is done so span names stay bounded.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := requestIDs{request: r.Header.Get(RequestIDHeader)}
		if ids.request == "" {
			ids.request = uuid.NewString()
		}

		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("ipsim.request_id", ids.request),
			),
		)
		defer span.End()

		// a no-op provider still carries an incoming parent; otherwise use the request id
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			ids.trace = sc.TraceID().String()
		} else {
			ids.trace = ids.request
		}

		w.Header().Set(RequestIDHeader, ids.request)
		w.Header().Set(TraceIDHeader, ids.trace)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(ctx, requestIDsKey{}, ids)))

		status := statusOf(ww)
		if route := routePattern(r); route != unmatchedRoute {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// AccessLog logs one line per request and feeds the request metrics when a
// recorder is given. Server errors log at error level, client errors at warn.
func AccessLog(rec *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := statusOf(ww)
			route := routePattern(r)
			if rec != nil {
				rec.ObserveRequest(r.Method, route, status, elapsed)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}

			ids := idsFrom(r.Context())
			slog.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
				"request_id", ids.request,
				"trace_id", ids.trace,
			)
		})
	}
}

var corsHeaders = map[string]string{
	"Access-Control-Allow-Methods":  strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", "),
	"Access-Control-Allow-Headers":  strings.Join([]string{"Content-Type", "Authorization", RequestIDHeader, "Traceparent"}, ", "),
	"Access-Control-Expose-Headers": strings.Join([]string{RequestIDHeader, TraceIDHeader, "Content-Disposition"}, ", "),
	"Access-Control-Max-Age":        "86400",
}

// CORSMiddleware lets the browser dashboard call the API from another
// origin. Preflight requests are answered here and never reach a handler.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		for k, v := range corsHeaders {
			h.Set(k, v)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a 500 and marks the span.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if err, ok := rvr.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rvr)
			}

			span := trace.SpanFromContext(r.Context())
			span.RecordError(fmt.Errorf("panic: %v", rvr))

			slog.Error("panic recovered",
				"error", rvr,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", GetRequestID(r.Context()),
			)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// statusOf treats a handler that never wrote a header as 200.
func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
