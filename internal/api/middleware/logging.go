// logging.go — журнал HTTP-запросов: tenant, субъект JWT и шаблон маршрута
// попадают в запись вместе со статусом и длительностью.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder фиксирует статус и объём ответа.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController (Flush при потоковой отдаче файлов).
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// requestNote собирает сведения, определённые внутренними middleware:
// контекст внешнего обработчика их новых значений не видит.
type requestNote struct {
	tenant  string
	subject string
}

type noteKey struct{}

func noteFrom(ctx context.Context) *requestNote {
	n, _ := ctx.Value(noteKey{}).(*requestNote)
	return n
}

// noteTenant запоминает tenant запроса для журнала.
func noteTenant(ctx context.Context, id string) {
	if n := noteFrom(ctx); n != nil {
		n.tenant = id
	}
}

// noteSubject запоминает субъект токена для журнала.
func noteSubject(ctx context.Context, subject string) {
	if n := noteFrom(ctx); n != nil {
		n.subject = subject
	}
}

// RequestLogger журналирует каждый запрос после ответа.
// 5xx — ERROR, 4xx — WARN, остальное — INFO.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			note := &requestNote{}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), noteKey{}, note)))

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
			}
			if note.tenant != "" {
				attrs = append(attrs, slog.String("tenant", note.tenant))
			}
			if note.subject != "" {
				attrs = append(attrs, slog.String("subject", note.subject))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
