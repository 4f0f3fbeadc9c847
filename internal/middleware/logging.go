package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/model"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestLog は内側のミドルウェアが解決したアイデンティティをリクエストログに渡す。
type requestLog struct {
	identity *model.Identity
}

var requestLogContextKey = contextKey("request_log")

// annotateRequestLog はリクエストログにアイデンティティを記録する。
// ロギングミドルウェアの内側で解決されたアイデンティティは外側のコンテキストから見えないため、
// ロギングミドルウェアが用意した requestLog に書き込む。
func annotateRequestLog(ctx context.Context, identity model.Identity) {
	if rl, ok := ctx.Value(requestLogContextKey).(*requestLog); ok {
		rl.identity = &identity
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、user_id、anonymous（解決済みの場合）を含む。
// collector が nil でなければステータスコードごとのリクエスト数も記録する。
func NewLoggingMiddleware(logger *slog.Logger, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			rl := &requestLog{}
			ctx := context.WithValue(r.Context(), requestLogContextKey, rl)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			identity := rl.identity
			if identity == nil {
				if id, ok := IdentityFromContext(r.Context()); ok {
					identity = &id
				}
			}
			if identity != nil {
				attrs = append(attrs,
					slog.Int64("user_id", identity.UserID),
					slog.Bool("anonymous", identity.Anonymous),
				)
			}

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			if collector != nil {
				collector.RecordHTTPStatus(rec.statusCode)
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}
