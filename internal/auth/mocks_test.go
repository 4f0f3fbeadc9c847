package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/credential"
	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/repository"
	"github.com/hitoshi/agora/internal/session"
)

// --- モック定義 ---

// fakeDB はユーザー・セッション・トークンの行を保持するインメモリのストア。
// セッションの解決はユーザー行と結合するため、同じストアを共有する。
type fakeDB struct {
	mu       sync.Mutex
	nextID   int64
	users    map[int64]*model.User
	sessions map[string]model.Session
	tokens   map[string]*model.OneTimeToken
	members  map[[2]int64]bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		nextID:   1,
		users:    map[int64]*model.User{},
		sessions: map[string]model.Session{},
		tokens:   map[string]*model.OneTimeToken{},
		members:  map[[2]int64]bool{},
	}
}

func (db *fakeDB) user(id int64) *model.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok {
		return nil
	}
	c := *u
	return &c
}

func (db *fakeDB) insert(u model.User) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	u.ID = db.nextID
	db.nextID++
	db.users[u.ID] = &u
	return u.ID
}

func (db *fakeDB) sessionCount(userID int64) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, s := range db.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

// fakeUserRepo はUserRepositoryのインメモリ実装。*Fn フィールドで個別に差し替えられる。
type fakeUserRepo struct {
	db *fakeDB

	existsUsernameFn   func(ctx context.Context, username string) (bool, error)
	createAnonymousFn  func(ctx context.Context, username string) (int64, error)
	createRegisteredFn func(ctx context.Context, reg repository.Registration) (int64, error)

	mu               sync.Mutex
	createdAnonymous []string
	createRegCalls   int
	upgradeCalls     int
}

func (m *fakeUserRepo) FindByID(_ context.Context, id int64) (*model.User, error) {
	return m.db.user(id), nil
}

func (m *fakeUserRepo) FindByLogin(_ context.Context, login string) (*model.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if strings.EqualFold(u.Username, login) || (u.Email != "" && strings.EqualFold(u.Email, login)) {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *fakeUserRepo) ExistsUsername(ctx context.Context, username string) (bool, error) {
	if m.existsUsernameFn != nil {
		return m.existsUsernameFn(ctx, username)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, u := range m.db.users {
		if strings.EqualFold(u.Username, username) {
			return true, nil
		}
	}
	return false, nil
}

func (m *fakeUserRepo) ExistsEmail(_ context.Context, email string) (bool, error) {
	u, _ := m.FindByEmail(context.Background(), email)
	return u != nil, nil
}

func (m *fakeUserRepo) CreateAnonymous(ctx context.Context, username string) (int64, error) {
	m.mu.Lock()
	m.createdAnonymous = append(m.createdAnonymous, username)
	m.mu.Unlock()
	if m.createAnonymousFn != nil {
		return m.createAnonymousFn(ctx, username)
	}
	return m.db.insert(model.User{Username: username, IsAnonymous: true}), nil
}

func (m *fakeUserRepo) CreateRegistered(ctx context.Context, reg repository.Registration) (int64, error) {
	m.mu.Lock()
	m.createRegCalls++
	m.mu.Unlock()
	if m.createRegisteredFn != nil {
		return m.createRegisteredFn(ctx, reg)
	}
	return m.db.insert(model.User{
		Username:     reg.Username,
		Email:        reg.Email,
		DisplayName:  reg.DisplayName,
		PasswordHash: reg.PasswordHash,
		PasswordSalt: reg.PasswordSalt,
	}), nil
}

func (m *fakeUserRepo) UpgradeAnonymous(_ context.Context, id int64, reg repository.Registration) error {
	m.mu.Lock()
	m.upgradeCalls++
	m.mu.Unlock()
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u, ok := m.db.users[id]
	if !ok || !u.IsAnonymous {
		return repository.ErrNotAnonymous
	}
	u.Username = reg.Username
	u.Email = reg.Email
	u.DisplayName = reg.DisplayName
	u.PasswordHash = reg.PasswordHash
	u.PasswordSalt = reg.PasswordSalt
	u.IsAnonymous = false
	return nil
}

func (m *fakeUserRepo) UpdatePassword(_ context.Context, id int64, hash, salt string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	u := m.db.users[id]
	u.PasswordHash = hash
	u.PasswordSalt = salt
	return nil
}

func (m *fakeUserRepo) MarkEmailVerified(_ context.Context, id int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.users[id].EmailVerified = true
	return nil
}

func (m *fakeUserRepo) UpsertExternal(context.Context, repository.ExternalProfile) (int64, bool, error) {
	return 0, false, nil
}

func (m *fakeUserRepo) LinkExternal(context.Context, int64, repository.ExternalProfile) error {
	return nil
}

func (m *fakeUserRepo) CompleteRegistration(context.Context, int64, string, string) error {
	return nil
}

// fakeSessionRepo はユーザー行と結合して解決するSessionRepositoryのインメモリ実装。
type fakeSessionRepo struct {
	db      *fakeDB
	lookups int
}

func (m *fakeSessionRepo) Create(_ context.Context, s *model.Session) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.sessions[s.KeyHash] = *s
	return nil
}

func (m *fakeSessionRepo) FindIdentityByKeyHash(_ context.Context, keyHash string) (*model.Identity, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.lookups++
	s, ok := m.db.sessions[keyHash]
	if !ok {
		return nil, nil
	}
	u, ok := m.db.users[s.UserID]
	if !ok {
		return nil, nil
	}
	return &model.Identity{UserID: s.UserID, Anonymous: s.Anonymous && u.IsAnonymous}, nil
}

func (m *fakeSessionRepo) DeleteByKeyHash(_ context.Context, keyHash string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	delete(m.db.sessions, keyHash)
	return nil
}

func (m *fakeSessionRepo) DeleteByUserID(_ context.Context, userID int64) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for k, s := range m.db.sessions {
		if s.UserID == userID {
			delete(m.db.sessions, k)
			n++
		}
	}
	return n, nil
}

// fakeTokenRepo はワンタイムトークンのインメモリ実装。now で現在時刻を差し替えられる。
// setPasswordErr を設定するとパスワード更新が失敗し、トークンの消費も取り消される。
type fakeTokenRepo struct {
	db             *fakeDB
	now            func() time.Time
	setPasswordErr error
}

func (m *fakeTokenRepo) Create(_ context.Context, t *model.OneTimeToken) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c := *t
	c.CreatedAt = m.now()
	m.db.tokens[t.Token] = &c
	return nil
}

func (m *fakeTokenRepo) Consume(_ context.Context, token string, purpose model.TokenPurpose, ttl time.Duration) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, err := m.usable(token, purpose, ttl)
	if err != nil {
		return 0, err
	}
	t.Used = true
	return t.UserID, nil
}

func (m *fakeTokenRepo) ConsumeAndSetPassword(_ context.Context, token string, ttl time.Duration, hash, salt string) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, err := m.usable(token, model.TokenPurposePasswordReset, ttl)
	if err != nil {
		return 0, err
	}
	if m.setPasswordErr != nil {
		return 0, m.setPasswordErr
	}
	u := m.db.users[t.UserID]
	u.PasswordHash = hash
	u.PasswordSalt = salt
	t.Used = true
	return t.UserID, nil
}

// usable は db.mu を保持した状態で呼ぶ。
func (m *fakeTokenRepo) usable(token string, purpose model.TokenPurpose, ttl time.Duration) (*model.OneTimeToken, error) {
	t, ok := m.db.tokens[token]
	if !ok || t.Purpose != purpose {
		return nil, repository.ErrTokenNotFound
	}
	if t.Used {
		return nil, repository.ErrTokenUsed
	}
	if m.now().Sub(t.CreatedAt) > ttl {
		return nil, repository.ErrTokenExpired
	}
	return t, nil
}

func (m *fakeTokenRepo) DeleteExpired(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// latest は指定用途で最後に作成されたトークンを返す。
func (m *fakeTokenRepo) latest(purpose model.TokenPurpose) string {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var (
		found string
		at    time.Time
	)
	for k, t := range m.db.tokens {
		if t.Purpose == purpose && !t.CreatedAt.Before(at) {
			found, at = k, t.CreatedAt
		}
	}
	return found
}

type fakeMembershipRepo struct {
	db *fakeDB
}

func (m *fakeMembershipRepo) EnsureMember(_ context.Context, communityID, userID int64) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.members[[2]int64{communityID, userID}] = true
	return nil
}

type mockReservedRepo struct {
	isReservedFn func(ctx context.Context, name string) (bool, error)
}

func (m *mockReservedRepo) IsReserved(ctx context.Context, name string) (bool, error) {
	if m.isReservedFn != nil {
		return m.isReservedFn(ctx, name)
	}
	return false, nil
}

// sentMail は送信依頼されたメール。
type sentMail struct {
	To         string
	TemplateID string
	Data       map[string]string
}

type mockDispatcher struct {
	mu     sync.Mutex
	sent   []sentMail
	sendFn func(ctx context.Context, to, templateID string, data map[string]string) error
}

func (m *mockDispatcher) Send(ctx context.Context, to, templateID string, data map[string]string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMail{To: to, TemplateID: templateID, Data: data})
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, to, templateID, data)
	}
	return nil
}

func (m *mockDispatcher) byTemplate(templateID string) []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMail
	for _, s := range m.sent {
		if s.TemplateID == templateID {
			out = append(out, s)
		}
	}
	return out
}

// mockMetrics は記録されたメトリクスを保持する。
type mockMetrics struct {
	metrics.Nop

	mu            sync.Mutex
	attempts      []string
	issued        []bool
	verifications []string
}

func (m *mockMetrics) RecordAuthAttempt(flow, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, flow+":"+outcome)
}

func (m *mockMetrics) RecordSessionIssued(anonymous bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued = append(m.issued, anonymous)
}

func (m *mockMetrics) RecordFederatedVerification(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications = append(m.verifications, outcome)
}

var (
	_ metrics.MetricsCollector = (*mockMetrics)(nil)

	_ repository.UserRepository         = (*fakeUserRepo)(nil)
	_ repository.SessionRepository      = (*fakeSessionRepo)(nil)
	_ repository.TokenRepository        = (*fakeTokenRepo)(nil)
	_ repository.MembershipRepository   = (*fakeMembershipRepo)(nil)
	_ repository.ReservedNameRepository = (*mockReservedRepo)(nil)
)

// --- テスト用の組み立て ---

const (
	testBaseURL   = "https://agora.example.com"
	testCommunity = int64(1)
	testPassword  = "Str0ng!pass"
)

// fixture はテスト対象のサービス一式。
type fixture struct {
	db        *fakeDB
	users     *fakeUserRepo
	tokens    *fakeTokenRepo
	reserved  *mockReservedRepo
	mailer    *mockDispatcher
	metrics   *mockMetrics
	sessions  *session.Store
	sessRepo  *fakeSessionRepo
	cookies   *cookie.Transport
	hasher    *credential.Hasher
	service   *Service
	bootstrap *Bootstrapper
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:       newFakeDB(),
		reserved: &mockReservedRepo{},
		mailer:   &mockDispatcher{},
		metrics:  &mockMetrics{},
		cookies:  cookie.NewTransport(cookie.Config{Secret: "test-secret", Secure: true}),
		hasher:   credential.NewHasher(),
		now:      time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.users = &fakeUserRepo{db: f.db}
	f.tokens = &fakeTokenRepo{db: f.db, now: func() time.Time { return f.now }}
	f.sessRepo = &fakeSessionRepo{db: f.db}
	f.sessions = session.NewStore(f.sessRepo)
	f.service = NewService(
		f.users, f.reserved, &fakeMembershipRepo{db: f.db}, f.tokens,
		f.sessions, f.hasher, f.mailer, f.metrics,
		ServiceConfig{BaseURL: testBaseURL, TokenTTL: 15 * time.Minute, DefaultCommunityID: testCommunity},
	)
	f.service.now = func() time.Time { return f.now }
	f.bootstrap = NewBootstrapper(f.users, f.sessions, f.cookies, f.metrics)
	t.Cleanup(f.service.Wait)
	return f
}

// registeredUser はパスワード登録済みのユーザー行を作成する。
func (f *fixture) registeredUser(t *testing.T, username, email string) int64 {
	t.Helper()
	hash, salt, err := f.hasher.HashNew(testPassword)
	if err != nil {
		t.Fatal(err)
	}
	return f.db.insert(model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		PasswordSalt: salt,
	})
}

// withCookies はレスポンスで設定されたCookieを付与した新しいリクエストを返す。
func withCookies(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			req.AddCookie(c)
		}
	}
	return req
}

// responseCookie はレスポンスで設定された指定名のCookieを返す。
func responseCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Errorf("Code = %s, want %s", apiErr.Code, code)
	}
}
