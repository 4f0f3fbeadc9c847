package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/agora/internal/auth"
	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/middleware"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/user"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。auth.Service が満たす。
type AuthServiceInterface interface {
	Signup(ctx context.Context, in auth.SignupInput, current *model.Identity, sourceAddress string) (*auth.Result, error)
	Login(ctx context.Context, login, password string, current *model.Identity, sourceAddress string) (*auth.Result, error)
	Logout(ctx context.Context, sessionKey string, current *model.Identity) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	ChangePassword(ctx context.Context, current *model.Identity, currentPassword, newPassword, sourceAddress string) (*auth.Result, error)
	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, current *model.Identity) error
}

// ProfileServiceInterface は /auth/me が必要とするサービスインターフェース。user.Service が満たす。
type ProfileServiceInterface interface {
	Profile(ctx context.Context, identity model.Identity) (*user.Profile, error)
}

// AuthHandler はパスワード認証とセッション関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	profiles ProfileServiceInterface
	cookies  *cookie.Transport
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, profiles ProfileServiceInterface, cookies *cookie.Transport) *AuthHandler {
	return &AuthHandler{
		service:  service,
		profiles: profiles,
		cookies:  cookies,
	}
}

type signupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	DisplayName     string `json:"displayName"`
	IncludeActivity bool   `json:"includeActivity"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

// profileResponse は /auth/me のレスポンス。
type profileResponse struct {
	UserID        int64     `json:"userId"`
	PublicID      string    `json:"publicId"`
	Username      string    `json:"username"`
	DisplayName   string    `json:"displayName,omitempty"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	PhotoURL      string    `json:"photoUrl,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Anonymous     bool      `json:"anonymous"`
	HasPassword   bool      `json:"hasPassword"`
	Suspended     bool      `json:"suspended"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Signup はパスワードでアカウントを登録する。
// POST /auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Signup(r.Context(), auth.SignupInput{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		DisplayName:     req.DisplayName,
		IncludeActivity: req.IncludeActivity,
	}, currentIdentity(r), auth.SourceAddress(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.sendResult(w, r, result)
	writeJSON(w, http.StatusCreated, toIdentityResponse(result.Identity))
}

// Login はユーザー名またはメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Login, req.Password, currentIdentity(r), auth.SourceAddress(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.sendResult(w, r, result)
	writeJSON(w, http.StatusOK, toIdentityResponse(result.Identity))
}

// Logout は現在のセッションを失効させ、Cookieを削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	key, _ := h.cookies.ReadSession(r)
	if err := h.service.Logout(r.Context(), key, currentIdentity(r)); err != nil {
		handleServiceError(w, err)
		return
	}

	h.cookies.ExpireAll(w)
	w.WriteHeader(http.StatusNoContent)
}

// ForgotPassword はパスワードリセットメールの送信を受け付ける。
// 未登録のメールアドレスでも同じレスポンスを返す。
// POST /auth/password/forgot
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ResetPassword はリセットトークンで新しいパスワードを設定する。
// POST /auth/password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		handleServiceError(w, err)
		return
	}

	// 全セッションが失効しているため、この端末の要約Cookieも捨ててストアで再解決させる
	h.cookies.ExpireSummary(w)
	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword はログイン中のユーザーのパスワードを変更し、セッションを再発行する。
// POST /auth/password/change
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.ChangePassword(r.Context(), currentIdentity(r), req.CurrentPassword, req.NewPassword, auth.SourceAddress(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.sendResult(w, r, result)
	writeJSON(w, http.StatusOK, toIdentityResponse(result.Identity))
}

// VerifyEmail はメールアドレス確認トークンを消費する。
// POST /auth/email/verify
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), req.Token); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResendVerification は確認メールを再送する。
// POST /auth/email/resend
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResendVerification(r.Context(), currentIdentity(r)); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Me は現在のユーザー情報を返す。匿名アイデンティティは作成しない。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity := currentIdentity(r)
	if identity == nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}

	p, err := h.profiles.Profile(r.Context(), *identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{
		UserID:        p.UserID,
		PublicID:      p.PublicID,
		Username:      p.Username,
		DisplayName:   p.DisplayName,
		Email:         p.Email,
		EmailVerified: p.EmailVerified,
		PhotoURL:      p.PhotoURL,
		Provider:      p.Provider,
		Anonymous:     p.Anonymous,
		HasPassword:   p.HasPassword,
		Suspended:     p.Suspended,
		CreatedAt:     p.CreatedAt,
	})
}

// Anonymous は現在のアイデンティティを返す。
// アイデンティティがなければミドルウェアが匿名ユーザーを作成済み。
// POST /auth/anonymous
func (h *AuthHandler) Anonymous(w http.ResponseWriter, r *http.Request) {
	identity := currentIdentity(r)
	if identity == nil {
		middleware.WriteAPIError(w, model.NewUnauthenticatedError())
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(*identity))
}

// sendResult は新しいセッションキーがあれば両方のCookieを、なければ現在のセッションキーに紐付けた要約Cookieのみを送る。
func (h *AuthHandler) sendResult(w http.ResponseWriter, r *http.Request, result *auth.Result) {
	if result.SessionKey != "" {
		h.cookies.SendAll(w, result.SessionKey, result.Identity)
		return
	}
	refreshSummary(w, r, h.cookies, result.Identity)
}
