package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/agora/internal/auth"
	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/handoff"
	"github.com/hitoshi/agora/internal/identity"
	"github.com/hitoshi/agora/internal/middleware"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/user"
)

// --- モック定義 ---

type mockAuthService struct {
	signupFn             func(ctx context.Context, in auth.SignupInput, current *model.Identity, sourceAddress string) (*auth.Result, error)
	loginFn              func(ctx context.Context, login, password string, current *model.Identity, sourceAddress string) (*auth.Result, error)
	logoutFn             func(ctx context.Context, sessionKey string, current *model.Identity) error
	forgotPasswordFn     func(ctx context.Context, email string) error
	resetPasswordFn      func(ctx context.Context, token, newPassword string) error
	changePasswordFn     func(ctx context.Context, current *model.Identity, currentPassword, newPassword, sourceAddress string) (*auth.Result, error)
	verifyEmailFn        func(ctx context.Context, token string) error
	resendVerificationFn func(ctx context.Context, current *model.Identity) error
}

func (m *mockAuthService) Signup(ctx context.Context, in auth.SignupInput, current *model.Identity, sourceAddress string) (*auth.Result, error) {
	return m.signupFn(ctx, in, current, sourceAddress)
}

func (m *mockAuthService) Login(ctx context.Context, login, password string, current *model.Identity, sourceAddress string) (*auth.Result, error) {
	return m.loginFn(ctx, login, password, current, sourceAddress)
}

func (m *mockAuthService) Logout(ctx context.Context, sessionKey string, current *model.Identity) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionKey, current)
	}
	return nil
}

func (m *mockAuthService) ForgotPassword(ctx context.Context, email string) error {
	if m.forgotPasswordFn != nil {
		return m.forgotPasswordFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, token, newPassword)
	}
	return nil
}

func (m *mockAuthService) ChangePassword(ctx context.Context, current *model.Identity, currentPassword, newPassword, sourceAddress string) (*auth.Result, error) {
	return m.changePasswordFn(ctx, current, currentPassword, newPassword, sourceAddress)
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, token string) error {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, token)
	}
	return nil
}

func (m *mockAuthService) ResendVerification(ctx context.Context, current *model.Identity) error {
	if m.resendVerificationFn != nil {
		return m.resendVerificationFn(ctx, current)
	}
	return nil
}

type mockProfileService struct {
	profileFn func(ctx context.Context, identity model.Identity) (*user.Profile, error)
}

func (m *mockProfileService) Profile(ctx context.Context, identity model.Identity) (*user.Profile, error) {
	return m.profileFn(ctx, identity)
}

type mockVerifier struct {
	verifyFn func(ctx context.Context, raw string) (*model.FederatedClaims, error)
}

func (m *mockVerifier) Verify(ctx context.Context, raw string) (*model.FederatedClaims, error) {
	return m.verifyFn(ctx, raw)
}

type mockRegistrar struct {
	registerFn func(ctx context.Context, claims *model.FederatedClaims, req identity.RegisterRequest, current *model.Identity) (model.Identity, error)
}

func (m *mockRegistrar) Register(ctx context.Context, claims *model.FederatedClaims, req identity.RegisterRequest, current *model.Identity) (model.Identity, error) {
	return m.registerFn(ctx, claims, req, current)
}

type mockHandoffService struct {
	issueFn   func(identity model.Identity, id string) (handoff.Ticket, error)
	bindFn    func(ctx context.Context, identity model.Identity, t handoff.Ticket) error
	resolveFn func(ctx context.Context, id string) (int64, error)
}

func (m *mockHandoffService) Issue(identity model.Identity, id string) (handoff.Ticket, error) {
	return m.issueFn(identity, id)
}

func (m *mockHandoffService) Bind(ctx context.Context, identity model.Identity, t handoff.Ticket) error {
	return m.bindFn(ctx, identity, t)
}

func (m *mockHandoffService) Resolve(ctx context.Context, id string) (int64, error) {
	return m.resolveFn(ctx, id)
}

type mockAuthenticator struct {
	authenticateFn func(w http.ResponseWriter, r *http.Request, mode auth.Mode) (*model.Identity, error)
}

func (m *mockAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request, mode auth.Mode) (*model.Identity, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(w, r, mode)
	}
	return nil, nil
}

// --- compile-time interface checks ---

var (
	_ AuthServiceInterface    = (*mockAuthService)(nil)
	_ ProfileServiceInterface = (*mockProfileService)(nil)
	_ auth.TokenVerifier      = (*mockVerifier)(nil)
	_ FederatedRegistrar      = (*mockRegistrar)(nil)
	_ HandoffServiceInterface = (*mockHandoffService)(nil)
	_ auth.Authenticator      = (*mockAuthenticator)(nil)

	_ AuthServiceInterface    = (*auth.Service)(nil)
	_ ProfileServiceInterface = (*user.Service)(nil)
	_ FederatedRegistrar      = (*identity.Upserter)(nil)
	_ HandoffServiceInterface = (*handoff.Service)(nil)
)

// --- ヘルパー ---

func newTestCookies() *cookie.Transport {
	return cookie.NewTransport(cookie.Config{Secret: "handler-test-secret"})
}

// withIdentity はミドルウェアを通さずにアイデンティティを設定したリクエストを返す。
func withIdentity(req *http.Request, identity *model.Identity) *http.Request {
	if identity == nil {
		return req
	}
	return req.WithContext(middleware.ContextWithIdentity(req.Context(), *identity))
}

// withSession はセッションキーCookieを付与したリクエストを返す。
func withSession(req *http.Request, cookies *cookie.Transport, key string) *http.Request {
	rec := httptest.NewRecorder()
	cookies.SendSession(rec, key)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

// summaryFor はレスポンスの要約Cookieをセッションキーと組み合わせて検証する。
func summaryFor(w *httptest.ResponseRecorder, cookies *cookie.Transport, key string) (model.Identity, bool) {
	summary := responseCookie(w, cookie.SummaryName)
	if summary == nil {
		return model.Identity{}, false
	}
	req := withSession(httptest.NewRequest(http.MethodGet, "/", nil), cookies, key)
	req.AddCookie(&http.Cookie{Name: summary.Name, Value: summary.Value})
	return cookies.ReadSummary(req)
}

func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func decodeIdentity(t *testing.T, w *httptest.ResponseRecorder) identityResponse {
	t.Helper()
	var body identityResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode identity body: %v", err)
	}
	return body
}
