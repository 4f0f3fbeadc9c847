package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/agora/internal/handoff"
	"github.com/hitoshi/agora/internal/middleware"
	"github.com/hitoshi/agora/internal/model"
)

// ResolverSecretHeader はチケット解決エンドポイントの共有シークレットを運ぶヘッダー。
const ResolverSecretHeader = "X-Handoff-Resolver-Secret"

// HandoffServiceInterface はハンドオフハンドラーが必要とするサービスインターフェース。handoff.Service が満たす。
type HandoffServiceInterface interface {
	Issue(identity model.Identity, id string) (handoff.Ticket, error)
	Bind(ctx context.Context, identity model.Identity, t handoff.Ticket) error
	Resolve(ctx context.Context, id string) (int64, error)
}

// HandoffHandler はサイドチャネル用チケットのHTTPハンドラー。
type HandoffHandler struct {
	service        HandoffServiceInterface
	resolverSecret string
}

// NewHandoffHandler はHandoffHandlerを生成する。
func NewHandoffHandler(service HandoffServiceInterface, resolverSecret string) *HandoffHandler {
	return &HandoffHandler{
		service:        service,
		resolverSecret: resolverSecret,
	}
}

type resolveResponse struct {
	UserID int64 `json:"userId"`
}

// Sign はクライアントが生成したIDに署名したチケットを返す。
// POST /api/handoff/sign (form: id)
func (h *HandoffHandler) Sign(w http.ResponseWriter, r *http.Request) {
	identity := currentIdentity(r)
	if identity == nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	ticket, err := h.service.Issue(*identity, r.FormValue("id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

// Bind は署名済みチケットを検証し、IDと現在のユーザーを紐付ける。
// POST /api/handoff/bind (form: id, timestamp, nonce, signature)
func (h *HandoffHandler) Bind(w http.ResponseWriter, r *http.Request) {
	identity := currentIdentity(r)
	if identity == nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	ts, err := strconv.ParseInt(r.FormValue("timestamp"), 10, 64)
	if err != nil {
		middleware.WriteAPIError(w, model.NewValidationError(map[string]string{"timestamp": "format"}))
		return
	}

	if err := h.service.Bind(r.Context(), *identity, handoff.Ticket{
		ID:        r.FormValue("id"),
		Timestamp: ts,
		Nonce:     r.FormValue("nonce"),
		Signature: r.FormValue("signature"),
	}); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Resolve はチケットIDを一度だけユーザーIDに解決する。
// POST /internal/handoff/resolve (form: id)
func (h *HandoffHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	userID, err := h.service.Resolve(r.Context(), r.FormValue("id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{UserID: userID})
}

// RequireResolverSecret は共有シークレットを提示したリクエストのみを通すミドルウェア。
// シークレットが未設定の場合はすべて拒否する。
func (h *HandoffHandler) RequireResolverSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(ResolverSecretHeader)
		if h.resolverSecret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.resolverSecret)) != 1 {
			slog.Warn("handoff resolve rejected",
				slog.String("remote_addr", r.RemoteAddr),
			)
			middleware.WriteAPIError(w, model.NewForbiddenError())
			return
		}
		next.ServeHTTP(w, r)
	})
}
