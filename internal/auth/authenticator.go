package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/session"
)

// Mode はアイデンティティが存在しない場合の振る舞いを表す。
type Mode int

const (
	// ModeOptional は既存のアイデンティティの確認のみを行い、行を作成しない。
	ModeOptional Mode = iota
	// ModeRequired はアイデンティティがなければ匿名アイデンティティを作成する。
	ModeRequired
)

// Authenticator はリクエストからアイデンティティを解決する。
// ModeOptional でアイデンティティが存在しない場合は (nil, nil) を返す。
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request, mode Mode) (*model.Identity, error)
}

// CookieAuthenticator はセッションCookieからアイデンティティを解決する。
type CookieAuthenticator struct {
	sessions  *session.Store
	cookies   *cookie.Transport
	bootstrap *Bootstrapper
}

// NewCookieAuthenticator はCookieAuthenticatorを生成する。
func NewCookieAuthenticator(sessions *session.Store, cookies *cookie.Transport, bootstrap *Bootstrapper) *CookieAuthenticator {
	return &CookieAuthenticator{sessions: sessions, cookies: cookies, bootstrap: bootstrap}
}

// Authenticate はセッションCookieを解決する。
// 同じセッションキーに紐付いた有効期限内のサマリーCookieがあればストアを参照せずにそれを使い、
// なければストアで解決してサマリーCookieを送り直す。
// 解決できず ModeRequired の場合は匿名アイデンティティを作成する。
func (a *CookieAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request, mode Mode) (*model.Identity, error) {
	key, hasKey := a.cookies.ReadSession(r)
	if hasKey {
		if summary, ok := a.cookies.ReadSummary(r); ok {
			return &summary, nil
		}
		identity, err := a.sessions.Resolve(r.Context(), key)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			a.cookies.SendSummary(w, key, *identity)
			return identity, nil
		}
	}

	if mode == ModeRequired {
		identity, err := a.bootstrap.CreateAnonymous(w, r)
		if err != nil {
			return nil, err
		}
		return &identity, nil
	}

	if hasKey {
		a.cookies.ExpireAll(w)
	}
	return nil, nil
}

// TokenVerifier は外部IDトークンを検証する。federated.Verifier が満たす。
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*model.FederatedClaims, error)
}

// IdentityUpserter は検証済みクレームをユーザー行に反映する。identity.Upserter が満たす。
type IdentityUpserter interface {
	Upsert(ctx context.Context, claims *model.FederatedClaims) (model.Identity, error)
}

// FederatedAuthenticator はBearerトークンからアイデンティティを解決する。
// トークンがない、無効、または反映に失敗した場合は fallback に委ねる。
type FederatedAuthenticator struct {
	verifier TokenVerifier
	upserter IdentityUpserter
	fallback Authenticator
	metrics  metrics.MetricsCollector
}

// NewFederatedAuthenticator はFederatedAuthenticatorを生成する。
func NewFederatedAuthenticator(verifier TokenVerifier, upserter IdentityUpserter, fallback Authenticator, m metrics.MetricsCollector) *FederatedAuthenticator {
	if m == nil {
		m = metrics.Nop{}
	}
	return &FederatedAuthenticator{verifier: verifier, upserter: upserter, fallback: fallback, metrics: m}
}

// Authenticate はBearerトークンを検証し、対応するユーザー行の保存済みアイデンティティを返す。
func (a *FederatedAuthenticator) Authenticate(w http.ResponseWriter, r *http.Request, mode Mode) (*model.Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return a.fallback.Authenticate(w, r, mode)
	}

	claims, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		a.metrics.RecordFederatedVerification(metrics.OutcomeRejected)
		slog.Debug("federated token rejected", slog.String("error", err.Error()))
		return a.fallback.Authenticate(w, r, mode)
	}
	a.metrics.RecordFederatedVerification(metrics.OutcomeSuccess)

	identity, err := a.upserter.Upsert(r.Context(), claims)
	if err != nil {
		slog.Error("failed to upsert federated identity, falling back",
			slog.String("error", err.Error()),
		)
		return a.fallback.Authenticate(w, r, mode)
	}
	return &identity, nil
}

// Selector は提示された資格情報に応じて認証方式を選ぶ。
// Bearerトークンがあり外部ID認証が構成されていれば federated、それ以外は cookie を使う。
type Selector struct {
	cookie    Authenticator
	federated Authenticator
}

// NewSelector はSelectorを生成する。federated は nil でもよい。
func NewSelector(cookie, federated Authenticator) *Selector {
	return &Selector{cookie: cookie, federated: federated}
}

// Authenticate は選択した方式で認証する。
func (s *Selector) Authenticate(w http.ResponseWriter, r *http.Request, mode Mode) (*model.Identity, error) {
	if s.federated != nil && BearerToken(r) != "" {
		return s.federated.Authenticate(w, r, mode)
	}
	return s.cookie.Authenticate(w, r, mode)
}

// BearerToken はAuthorizationヘッダーのBearerトークンを返す。ない場合は空文字を返す。
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SourceAddress はリクエスト元のIPアドレスを返す。
func SourceAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var (
	_ Authenticator = (*CookieAuthenticator)(nil)
	_ Authenticator = (*FederatedAuthenticator)(nil)
	_ Authenticator = (*Selector)(nil)
)
