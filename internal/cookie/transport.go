// Package cookie はセッションCookieとサマリーCookieの署名付き送受信を提供する。
// Cookieの値は署名されるが暗号化はされない。
//
// サマリーCookieはセッション解決結果の短命なキャッシュで、署名に有効期限と
// セッションキーを含める。別のセッションキーと組み合わせたものや期限切れのものは検証に失敗する。
package cookie

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/agora/internal/model"
)

const (
	// SessionName はセッションキーを保持するCookie名。
	SessionName = "sessionKey"
	// SummaryName はセッション解決結果（ユーザーID・匿名フラグ）をキャッシュするCookie名。
	SummaryName = "sessionSummary"

	// DefaultSessionMaxAge はセッションCookieの既定の有効期間。
	DefaultSessionMaxAge = 365 * 24 * time.Hour
	// DefaultSummaryMaxAge はサマリーCookieの既定の有効期間。
	DefaultSummaryMaxAge = 15 * time.Minute
)

// Config はCookie送信の設定。
type Config struct {
	Secret        string
	Domain        string
	Secure        bool
	SessionMaxAge time.Duration
	SummaryMaxAge time.Duration
}

// Transport はHMAC-SHA256で署名したCookieを送受信する。
type Transport struct {
	secret        []byte
	domain        string
	secure        bool
	sessionMaxAge time.Duration
	summaryMaxAge time.Duration
	now           func() time.Time
}

// NewTransport はTransportを生成する。有効期間が未指定の場合は既定値を使う。
func NewTransport(cfg Config) *Transport {
	t := &Transport{
		secret:        []byte(cfg.Secret),
		domain:        cfg.Domain,
		secure:        cfg.Secure,
		sessionMaxAge: cfg.SessionMaxAge,
		summaryMaxAge: cfg.SummaryMaxAge,
		now:           time.Now,
	}
	if t.sessionMaxAge <= 0 {
		t.sessionMaxAge = DefaultSessionMaxAge
	}
	if t.summaryMaxAge <= 0 {
		t.summaryMaxAge = DefaultSummaryMaxAge
	}
	return t
}

// SendSession はセッションキーCookieを送信する。
func (t *Transport) SendSession(w http.ResponseWriter, key string) {
	t.send(w, SessionName, key, t.sessionMaxAge)
}

// SendSummary はセッションキーに紐付けたサマリーCookie（"<userId>:<0|1>"）を送信する。
// Cookieの値は "<userId>:<0|1>.<期限のunix秒>.<署名>"。
func (t *Transport) SendSummary(w http.ResponseWriter, key string, identity model.Identity) {
	expires := t.now().Add(t.summaryMaxAge).Unix()
	value := formatSummary(identity) + "." + strconv.FormatInt(expires, 10)
	signed := value + "." + base64.RawURLEncoding.EncodeToString(t.mac(SummaryName, value+"."+key))
	http.SetCookie(w, t.base(SummaryName, signed, int(t.summaryMaxAge/time.Second)))
}

// SendAll はセッションキーCookieとサマリーCookieを送信する。
func (t *Transport) SendAll(w http.ResponseWriter, key string, identity model.Identity) {
	t.SendSession(w, key)
	t.SendSummary(w, key, identity)
}

// Read は署名を検証してCookieの値を返す。
// Cookieが存在しない、または署名が一致しない場合は false を返す。
func (t *Transport) Read(r *http.Request, name string) (string, bool) {
	return t.verified(r, name, "")
}

// ReadSession は署名検証済みのセッションキーを返す。
func (t *Transport) ReadSession(r *http.Request) (string, bool) {
	return t.Read(r, SessionName)
}

// ReadSummary はリクエストのセッションキーCookieに紐付き、有効期限内のサマリーを返す。
// セッションキーCookieがない場合は常に false を返す。
func (t *Transport) ReadSummary(r *http.Request) (model.Identity, bool) {
	key, ok := t.ReadSession(r)
	if !ok {
		return model.Identity{}, false
	}
	value, ok := t.verified(r, SummaryName, "."+key)
	if !ok {
		return model.Identity{}, false
	}
	summary, expPart, ok := strings.Cut(value, ".")
	if !ok {
		return model.Identity{}, false
	}
	expires, err := strconv.ParseInt(expPart, 10, 64)
	if err != nil || !t.now().Before(time.Unix(expires, 0)) {
		return model.Identity{}, false
	}
	return parseSummary(summary)
}

// ExpireAll はセッションキーCookieとサマリーCookieを失効させる。
func (t *Transport) ExpireAll(w http.ResponseWriter) {
	http.SetCookie(w, t.base(SessionName, "", -1))
	t.ExpireSummary(w)
}

// ExpireSummary はサマリーCookieのみを失効させ、次のリクエストでストアを参照させる。
func (t *Transport) ExpireSummary(w http.ResponseWriter) {
	http.SetCookie(w, t.base(SummaryName, "", -1))
}

func (t *Transport) send(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	signed := value + "." + base64.RawURLEncoding.EncodeToString(t.mac(name, value))
	http.SetCookie(w, t.base(name, signed, int(maxAge/time.Second)))
}

func (t *Transport) base(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   t.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// verified は "<value>.<署名>" 形式のCookieを検証して value を返す。
// 署名対象は value の後ろに bound を連結したもの。
func (t *Transport) verified(r *http.Request, name, bound string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	dot := strings.LastIndexByte(c.Value, '.')
	if dot <= 0 {
		return "", false
	}
	value, sig := c.Value[:dot], c.Value[dot+1:]
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	if !hmac.Equal(got, t.mac(name, value+bound)) {
		return "", false
	}
	return value, true
}

// mac はCookie名と値を結合した文字列のHMACを返す。
// 名前を含めることで、別のCookieへの値の付け替えを検出する。
func (t *Transport) mac(name, value string) []byte {
	m := hmac.New(sha256.New, t.secret)
	m.Write([]byte(name + "=" + value))
	return m.Sum(nil)
}

func formatSummary(identity model.Identity) string {
	flag := "0"
	if identity.Anonymous {
		flag = "1"
	}
	return strconv.FormatInt(identity.UserID, 10) + ":" + flag
}

func parseSummary(value string) (model.Identity, bool) {
	idPart, flag, ok := strings.Cut(value, ":")
	if !ok {
		return model.Identity{}, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return model.Identity{}, false
	}
	switch flag {
	case "0":
		return model.Identity{UserID: id, Anonymous: false}, true
	case "1":
		return model.Identity{UserID: id, Anonymous: true}, true
	}
	return model.Identity{}, false
}
