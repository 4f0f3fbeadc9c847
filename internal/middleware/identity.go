// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/agora/internal/auth"
	"github.com/hitoshi/agora/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストにアイデンティティを格納するためのキー。
var identityContextKey = contextKey("identity")

// NewIdentityMiddleware はリクエストのアイデンティティを解決してコンテキストに注入するミドルウェアを返す。
//
// auth.ModeRequired ではアイデンティティがなければ匿名アイデンティティを作成するため、
// 後続のハンドラーは常にアイデンティティを取得できる。
// auth.ModeOptional ではアイデンティティがない場合も後続のハンドラーを呼び出す。
func NewIdentityMiddleware(authenticator auth.Authenticator, mode auth.Mode) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := authenticator.Authenticate(w, r, mode)
			if err != nil {
				slog.Error("failed to authenticate request",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}

			annotateRequestLog(r.Context(), *identity)
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), *identity)))
		})
	}
}

// EnsureIdentity は先行するアイデンティティミドルウェアで解決できなかったリクエストに
// 匿名アイデンティティを作成する。NewIdentityMiddleware(authenticator, auth.ModeOptional) の後に配置する。
func EnsureIdentity(authenticator auth.Authenticator) func(next http.Handler) http.Handler {
	required := NewIdentityMiddleware(authenticator, auth.ModeRequired)
	return func(next http.Handler) http.Handler {
		create := required(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := IdentityFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			create.ServeHTTP(w, r)
		})
	}
}

// RequireRegistered は登録済みのアイデンティティを要求するミドルウェア。
// NewIdentityMiddleware の後に配置する。
func RequireRegistered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			WriteAPIError(w, model.NewUnauthenticatedError())
			return
		}
		if identity.Anonymous {
			WriteAPIError(w, model.NewNotRegisteredError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromContext はリクエストコンテキストからアイデンティティを取得する。
// アイデンティティミドルウェアを通過していない場合は false を返す。
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(model.Identity)
	if !ok || identity.UserID == 0 {
		return model.Identity{}, false
	}
	return identity, true
}

// ContextWithIdentity はコンテキストにアイデンティティを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
