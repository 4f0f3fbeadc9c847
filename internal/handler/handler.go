// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/middleware"
	"github.com/hitoshi/agora/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// identityResponse はアイデンティティのAPIレスポンス。
type identityResponse struct {
	UserID    int64 `json:"userId"`
	Anonymous bool  `json:"anonymous"`
}

func toIdentityResponse(identity model.Identity) identityResponse {
	return identityResponse{UserID: identity.UserID, Anonymous: identity.Anonymous}
}

// currentIdentity はミドルウェアが解決したアイデンティティを返す。未解決の場合はnil。
func currentIdentity(r *http.Request) *model.Identity {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	return &identity
}

// decodeJSON はリクエストボディをJSONとして読み込む。
// 失敗した場合はエラーレスポンスを書き込み false を返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: model.CategoryValidation,
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// refreshSummary はリクエストのセッションキーに紐付けて要約Cookieを送り直す。
// セッションキーCookieがなければ何もしない。
func refreshSummary(w http.ResponseWriter, r *http.Request, cookies *cookie.Transport, identity model.Identity) {
	if key, ok := cookies.ReadSession(r); ok {
		cookies.SendSummary(w, key, identity)
	}
}
