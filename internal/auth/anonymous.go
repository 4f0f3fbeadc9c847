package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/agora/internal/cookie"
	"github.com/hitoshi/agora/internal/credential"
	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/repository"
	"github.com/hitoshi/agora/internal/session"
)

const (
	// anonymousSuffixLength は匿名ユーザー名の接頭辞に続くランダム部分の長さ。
	anonymousSuffixLength = 8
	// anonymousMaxAttempts は匿名ユーザー名の生成を試みる最大回数。
	anonymousMaxAttempts = 5

	anonymousAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrAnonymousExhausted は匿名ユーザー名の生成が規定回数内に衝突を回避できなかったことを示す。
var ErrAnonymousExhausted = errors.New("could not allocate a unique anonymous username")

// Bootstrapper は匿名アイデンティティを作成し、セッションとCookieを発行する。
type Bootstrapper struct {
	users    repository.UserRepository
	sessions *session.Store
	cookies  *cookie.Transport
	metrics  metrics.MetricsCollector
}

// NewBootstrapper はBootstrapperを生成する。
func NewBootstrapper(users repository.UserRepository, sessions *session.Store, cookies *cookie.Transport, m metrics.MetricsCollector) *Bootstrapper {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Bootstrapper{users: users, sessions: sessions, cookies: cookies, metrics: m}
}

// CreateAnonymous は匿名ユーザー行を作成し、セッションを発行して両方のCookieを送信する。
// ユーザー行の作成、セッションの発行、Cookieの送信の順で行う。
func (b *Bootstrapper) CreateAnonymous(w http.ResponseWriter, r *http.Request) (model.Identity, error) {
	ctx := r.Context()

	userID, err := b.createUser(ctx)
	if err != nil {
		return model.Identity{}, err
	}

	key, err := b.sessions.Issue(ctx, userID, true, SourceAddress(r))
	if err != nil {
		return model.Identity{}, fmt.Errorf("failed to issue anonymous session: %w", err)
	}
	b.metrics.RecordSessionIssued(true)

	identity := model.Identity{UserID: userID, Anonymous: true}
	b.cookies.SendAll(w, key, identity)

	slog.Info("anonymous user created", slog.Int64("user_id", userID))
	return identity, nil
}

// createUser は衝突しないユーザー名で匿名ユーザー行を作成する。
// 事前の存在確認は最適化にすぎず、一意制約違反も1回の試行として扱う。
func (b *Bootstrapper) createUser(ctx context.Context) (int64, error) {
	for range anonymousMaxAttempts {
		username, err := anonymousUsername()
		if err != nil {
			return 0, err
		}

		exists, err := b.users.ExistsUsername(ctx, username)
		if err != nil {
			return 0, fmt.Errorf("failed to check anonymous username: %w", err)
		}
		if exists {
			continue
		}

		userID, err := b.users.CreateAnonymous(ctx, username)
		if errors.Is(err, repository.ErrUsernameTaken) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to create anonymous user: %w", err)
		}
		return userID, nil
	}
	return 0, ErrAnonymousExhausted
}

// anonymousUsername は "anon_" に続けて8文字の英小文字・数字を付けたユーザー名を返す。
func anonymousUsername() (string, error) {
	buf := make([]byte, anonymousSuffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate anonymous username: %w", err)
	}
	for i, c := range buf {
		buf[i] = anonymousAlphabet[int(c)%len(anonymousAlphabet)]
	}
	return credential.AnonymousPrefix + string(buf), nil
}
