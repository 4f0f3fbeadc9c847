package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/agora/internal/auth"
	"github.com/hitoshi/agora/internal/model"
)

// requestAs はアイデンティティと送信元アドレスを設定したリクエストを返す。
func requestAs(method, path string, identity *model.Identity, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if identity != nil {
		req = req.WithContext(ContextWithIdentity(req.Context(), *identity))
	}
	return req
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		CredentialRate:  1,
		CredentialBurst: 10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	user := &model.Identity{UserID: 1}

	// バースト内の5リクエストは全て通る
	for i := range 5 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/test", user, ""))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     0.5,
		GeneralBurst:    1,
		CredentialRate:  1,
		CredentialBurst: 10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	user := &model.Identity{UserID: 2}

	handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/test", user, ""))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/test", user, ""))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != model.CategorySystem {
		t.Errorf("body = %+v", body)
	}
}

// アイデンティティがあればユーザーごと、なければ送信元IPごとに制限されることを検証
func TestRateLimitMiddleware_KeysByIdentityOrAddress(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     0.001,
		GeneralBurst:    1,
		CredentialRate:  1,
		CredentialBurst: 10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	const addr = "203.0.113.5:1234"

	steps := []struct {
		name     string
		identity *model.Identity
		addr     string
		want     int
	}{
		{"user A first", &model.Identity{UserID: 10}, addr, http.StatusOK},
		{"user A again", &model.Identity{UserID: 10}, addr, http.StatusTooManyRequests},
		{"user B same address", &model.Identity{UserID: 11}, addr, http.StatusOK},
		{"no identity first", nil, addr, http.StatusOK},
		{"no identity again", nil, "203.0.113.5:9999", http.StatusTooManyRequests},
		{"no identity other address", nil, "203.0.113.6:1234", http.StatusOK},
	}
	for _, s := range steps {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/test", s.identity, s.addr))
		if w.Code != s.want {
			t.Errorf("%s: status = %d, want %d", s.name, w.Code, s.want)
		}
	}
	if n := rl.GeneralLimiterCount(); n != 4 {
		t.Errorf("limiter entries = %d, want 4", n)
	}
}

// --- CredentialMiddleware のテスト ---

func TestCredentialRateLimit_PerAddress(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    200,
		CredentialRate:  0.001,
		CredentialBurst: 3,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.CredentialMiddleware()(okHandler())

	// 同じIPからはアイデンティティが変わってもバースト3回まで
	for i := range 3 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/login", &model.Identity{UserID: int64(i + 1)}, "198.51.100.1:5000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/login", nil, "198.51.100.1:5001"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("4th request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/login", nil, "198.51.100.2:5000"))
	if w.Code != http.StatusOK {
		t.Errorf("other address: status = %d, want %d", w.Code, http.StatusOK)
	}
	if n := rl.CredentialLimiterCount(); n != 2 {
		t.Errorf("credential limiter entries = %d, want 2", n)
	}
}

// アイデンティティのないリクエストだけが送信元IPごとの枠を消費することを検証
func TestBootstrapRateLimit_OnlyUnresolvedRequests(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    200,
		CredentialRate:  0.001,
		CredentialBurst: 2,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.BootstrapMiddleware()(okHandler())

	for i := range 5 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/anonymous", &model.Identity{UserID: 3}, "198.51.100.1:5000"))
		if w.Code != http.StatusOK {
			t.Fatalf("resolved request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	for i := range 2 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/anonymous", nil, "198.51.100.1:5000"))
		if w.Code != http.StatusOK {
			t.Fatalf("bootstrap %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/anonymous", nil, "198.51.100.1:5001"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("third bootstrap: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/anonymous", &model.Identity{UserID: 3}, "198.51.100.1:5000"))
	if w.Code != http.StatusOK {
		t.Errorf("resolved request after throttle: status = %d, want %d", w.Code, http.StatusOK)
	}
}

// 資格情報エンドポイントの制限がAPI全般の制限と独立していることを検証
func TestCredentialRateLimit_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    200,
		CredentialRate:  0.001,
		CredentialBurst: 1,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(rl.CredentialMiddleware()(okHandler()))
	general := rl.GeneralMiddleware()(okHandler())
	const addr = "192.0.2.10:80"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/login", nil, addr))
	if w.Code != http.StatusOK {
		t.Fatalf("first login: status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodPost, "/auth/login", nil, addr))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second login: status = %d, want 429", w.Code)
	}
	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestAs(http.MethodGet, "/auth/me", nil, addr))
	if w.Code != http.StatusOK {
		t.Errorf("general request: status = %d, want 200", w.Code)
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		CredentialRate:  1,
		CredentialBurst: 10,
		CleanupInterval: 50 * time.Millisecond,
	})
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/", &model.Identity{UserID: 1}, ""))
	rl.CredentialMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodPost, "/auth/login", nil, ""))

	if rl.GeneralLimiterCount() == 0 || rl.CredentialLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLはクリーンアップ間隔の2倍（100ms）
	time.Sleep(250 * time.Millisecond)

	if rl.GeneralLimiterCount() != 0 || rl.CredentialLimiterCount() != 0 {
		t.Errorf("entries after cleanup = %d/%d, want 0/0", rl.GeneralLimiterCount(), rl.CredentialLimiterCount())
	}
}

// --- ミドルウェアチェーンとの統合テスト ---

func TestRateLimitMiddleware_InChainWithIdentityAndCORS(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     0.001,
		GeneralBurst:    2,
		CredentialRate:  1,
		CredentialBurst: 10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	identityMW := NewIdentityMiddleware(staticAuthenticator(&model.Identity{UserID: 77}), auth.ModeRequired)
	corsMW := NewCORSMiddleware("http://localhost:3000")

	// CORS -> Identity -> RateLimit -> Handler
	handler := corsMW(identityMW(rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"user_id": identity.UserID})
	}))))

	for i := range 2 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/test", nil))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/test", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("request 3: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS headers should be present on 429 responses")
	}
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 {
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.CredentialRate == 0 {
		t.Error("CredentialRate should not be 0")
	}
	if cfg.CredentialBurst != 10 {
		t.Errorf("CredentialBurst = %d, want 10", cfg.CredentialBurst)
	}
}
