package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// requestInfo is filled in by handlers further down the chain so the access
// log can name the caller.
type requestInfo struct {
	actor *service.Actor
}

func noteActor(ctx context.Context, actor service.Actor) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.actor = &actor
	}
}

// LoggingMiddleware writes one access log line per request. 5xx responses log
// at error level and 4xx at warn.
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestInfoContextKey, info)))

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Int("bytes", rw.bytes),
				zap.String("trace_id", TraceIDFromContext(r.Context())),
				zap.Duration("duration", time.Since(start)),
			}
			if info.actor != nil {
				fields = append(fields,
					zap.String("user_id", info.actor.UserID.String()),
					zap.Int32("region_id", info.actor.RegionID),
				)
			}
			if ce := logger.Check(accessLogLevel(rw.status), "http_request"); ce != nil {
				ce.Write(fields...)
			}
		})
	}
}

func accessLogLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// statusRecorder captures the status code and body size written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wroteHeader = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}
