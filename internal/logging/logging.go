package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// sensitiveKeys are attribute names whose values must never appear in logs.
// Auth codes are credentials: one leaked code is a free admission.
var sensitiveKeys = map[string]bool{
	"code":          true,
	"auth_code":     true,
	"next_code":     true,
	"x-auth-code":   true,
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
}

// globalLevel is the dynamic level variable used by the JSON handler. It
// allows runtime log-level changes via SetLevel without recreating the
// logger.
var globalLevel = new(slog.LevelVar)

// Setup initializes the global slog logger with the given level name.
// The returned logger strips auth codes and credentials from attributes.
func Setup(level string) *slog.Logger {
	SetLevel(level)

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&RedactingHandler{base: base})
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level at runtime. Level names follow
// FT_LOG_LEVEL conventions (DEBUG, INFO, WARNING, ERROR, case-insensitive);
// anything else defaults to INFO.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warning", "warn":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// RedactingHandler wraps an slog.Handler to redact sensitive attribute
// values.
type RedactingHandler struct {
	base slog.Handler
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, redacted)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var redacted []slog.Attr
	for _, a := range attrs {
		redacted = append(redacted, redactAttr(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)

	if sensitiveKeys[key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if strings.HasSuffix(key, "_code") || strings.Contains(key, "token") || strings.Contains(key, "secret") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Key == "path" {
		if v, ok := a.Value.Any().(string); ok {
			return slog.String(a.Key, SanitizePath(v))
		}
	}

	return a
}

// SanitizePath masks the auth-code path segment of client websocket URLs so
// request logs don't leak live codes.
func SanitizePath(path string) string {
	const prefix = "/messaging/in/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return prefix + "[REDACTED]"
	}
	return path
}

// RequestLogger returns chi middleware that logs HTTP requests using slog.
// Auth codes in URLs and credential headers never reach the log stream.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", SanitizePath(r.URL.Path)),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
