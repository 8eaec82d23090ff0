package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// NewOpsTokenMiddleware は運用エンドポイントをBearerトークンで保護するミドルウェアを返す。
// tokenが空の場合は運用エンドポイントを無効化し、常に404を返す。
func NewOpsTokenMiddleware(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.NotFound(w, r)
				return
			}

			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.Warn("運用トークンの検証に失敗しました",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
