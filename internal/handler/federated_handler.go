package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/agora/internal/auth"
	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/identity"
	"github.com/hitoshi/agora/internal/middleware"
	"github.com/hitoshi/agora/internal/model"
)

// FederatedRegistrar は外部IDによる登録インターフェース。identity.Upserter が満たす。
type FederatedRegistrar interface {
	Register(ctx context.Context, claims *model.FederatedClaims, req identity.RegisterRequest, current *model.Identity) (model.Identity, error)
}

// FederatedHandler は外部IDによるアカウント登録のHTTPハンドラー。
type FederatedHandler struct {
	verifier  auth.TokenVerifier
	registrar FederatedRegistrar
	cookies   *cookie.Transport
}

// NewFederatedHandler はFederatedHandlerを生成する。
func NewFederatedHandler(verifier auth.TokenVerifier, registrar FederatedRegistrar, cookies *cookie.Transport) *FederatedHandler {
	return &FederatedHandler{
		verifier:  verifier,
		registrar: registrar,
		cookies:   cookies,
	}
}

type federatedRegisterRequest struct {
	Username        string `json:"username"`
	DisplayName     string `json:"displayName"`
	IncludeActivity bool   `json:"includeActivity"`
}

// Register はBearerトークンの外部IDでアカウントを登録する。
// Cookieのセッションが匿名で includeActivity が指定された場合は、その匿名ユーザーを同じIDのまま登録済みにする。
// POST /auth/federated/register
func (h *FederatedHandler) Register(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" || h.verifier == nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	claims, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		slog.Warn("federated register with invalid token", slog.String("error", err.Error()))
		middleware.WriteAPIError(w, model.NewInvalidTokenError())
		return
	}

	var req federatedRegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	current := currentIdentity(r)
	registered, err := h.registrar.Register(r.Context(), claims, identity.RegisterRequest{
		Username:        req.Username,
		DisplayName:     req.DisplayName,
		IncludeActivity: req.IncludeActivity,
	}, current)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// Cookieのセッションを引き継いだ場合は要約Cookieを更新する
	if current != nil && current.UserID == registered.UserID {
		refreshSummary(w, r, h.cookies, registered)
	}
	writeJSON(w, http.StatusCreated, toIdentityResponse(registered))
}
