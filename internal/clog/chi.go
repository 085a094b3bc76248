package clog

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type chiConfig struct {
	Filter func(r *http.Request) bool
	Logger *slog.Logger
}

type ChiOption interface {
	apply(*chiConfig)
}

type chiOptionFunc func(*chiConfig)

func (o chiOptionFunc) apply(c *chiConfig) {
	o(c)
}

// WithChiFilter suppresses the access log line for requests where filter
// returns false.
func WithChiFilter(filter func(r *http.Request) bool) ChiOption {
	return chiOptionFunc(func(cfg *chiConfig) {
		cfg.Filter = filter
	})
}

func WithChiLogger(logger *slog.Logger) ChiOption {
	return chiOptionFunc(func(cfg *chiConfig) {
		cfg.Logger = logger
	})
}

func SlogChiMiddleware(opts ...ChiOption) func(http.Handler) http.Handler {
	cfg := chiConfig{}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := cfg.Logger
			if logger == nil {
				logger = slog.Default()
			}
			startTime := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := ContextWithSlog(r.Context())
			AddAttributes(ctx, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"proto":  r.Proto,
			})
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				AddAttribute(ctx, "request_id", reqID)
			}
			next.ServeHTTP(ww, r.WithContext(ctx))
			if cfg.Filter != nil && !cfg.Filter(r) {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			AddAttributes(ctx, map[string]any{
				"status":        status,
				"bytes_written": ww.BytesWritten(),
				"duration":      time.Since(startTime),
			})
			logger.Log(ctx, HTTPStatusToLevel(status), http.StatusText(status))
		})
	}
}
