// Package identity は外部IdPのクレームを内部のユーザー行に反映する。
//
// トークン更新のたびに行うUpsertは変動するプロフィール項目のみを更新し、
// ユーザー名・表示名・匿名フラグの変更は明示的な登録（Register）でのみ行う。
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hitoshi/agora/internal/credential"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/repository"
)

const (
	// suffixBaseLength は衝突回避用の接尾辞を付ける前に残すユーザー名の長さ。
	suffixBaseLength = 13
	// suffixLength は外部IDのハッシュから取る接尾辞の長さ。
	suffixLength = 6
)

// Sanitizer は外部IdP由来のプロフィール値を無害化する。security.ProfileSanitizer が満たす。
type Sanitizer interface {
	DisplayName(raw string) string
	PhotoURL(raw string) string
}

// Upserter は外部IDをキーにユーザー行を作成・更新する。
type Upserter struct {
	users              repository.UserRepository
	reserved           repository.ReservedNameRepository
	members            repository.MembershipRepository
	sanitizer          Sanitizer
	defaultCommunityID int64

	wg sync.WaitGroup
}

// NewUpserter はUpserterを生成する。
func NewUpserter(
	users repository.UserRepository,
	reserved repository.ReservedNameRepository,
	members repository.MembershipRepository,
	sanitizer Sanitizer,
	defaultCommunityID int64,
) *Upserter {
	return &Upserter{
		users:              users,
		reserved:           reserved,
		members:            members,
		sanitizer:          sanitizer,
		defaultCommunityID: defaultCommunityID,
	}
}

// Upsert はクレームに対応するユーザー行を作成または更新し、保存済みの匿名フラグを含むIDを返す。
//
// 衝突は次の順で解決する。
//  1. 外部IDをキーに挿入または更新する
//  2. メールアドレスが衝突した場合はメールアドレスなしで再試行する
//  3. ユーザー名が衝突した場合は外部IDから導出した接尾辞付きのユーザー名で再試行する
//  4. それ以外のエラーはそのまま返す
func (u *Upserter) Upsert(ctx context.Context, claims *model.FederatedClaims) (model.Identity, error) {
	profile := u.profile(claims)

	id, anonymous, err := u.upsertResolvingConflicts(ctx, claims.Subject, profile)
	if err != nil {
		return model.Identity{}, err
	}

	u.ensureMember(ctx, id)

	return model.Identity{UserID: id, Anonymous: anonymous}, nil
}

func (u *Upserter) upsertResolvingConflicts(ctx context.Context, subject string, p repository.ExternalProfile) (int64, bool, error) {
	emailDropped, usernameSuffixed := false, false
	for {
		id, anonymous, err := u.users.UpsertExternal(ctx, p)
		switch {
		case err == nil:
			return id, anonymous, nil

		case errors.Is(err, repository.ErrEmailTaken) && !emailDropped && p.Email != "":
			slog.Info("external email already in use, retrying without email",
				slog.String("provider", p.Provider),
			)
			p.Email = ""
			p.EmailVerified = false
			emailDropped = true

		case errors.Is(err, repository.ErrUsernameTaken) && !usernameSuffixed:
			p.Username = suffixedUsername(p.Username, subject)
			usernameSuffixed = true

		default:
			return 0, false, fmt.Errorf("failed to upsert external identity: %w", err)
		}
	}
}

// ensureMember はデフォルトコミュニティへの所属をバックグラウンドで保証する。
// 失敗はログに記録し、呼び出し元には返さない。
func (u *Upserter) ensureMember(ctx context.Context, userID int64) {
	if u.members == nil || u.defaultCommunityID == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	u.wg.Go(func() {
		if err := u.members.EnsureMember(ctx, u.defaultCommunityID, userID); err != nil {
			slog.Error("failed to join default community",
				slog.Int64("user_id", userID),
				slog.Int64("community_id", u.defaultCommunityID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Wait はバックグラウンド処理の完了を待つ。
func (u *Upserter) Wait() {
	u.wg.Wait()
}

// profile はクレームから新規作成時のユーザー行を組み立てる。
func (u *Upserter) profile(claims *model.FederatedClaims) repository.ExternalProfile {
	p := repository.ExternalProfile{
		ExternalID:    claims.Subject,
		Provider:      claims.SignInProvider,
		Email:         credential.NormalizeEmail(claims.Email),
		EmailVerified: claims.EmailVerified,
		Anonymous:     claims.ProviderAnonymous(),
	}
	if p.Email == "" {
		p.EmailVerified = false
	}
	if u.sanitizer != nil {
		p.DisplayName = u.sanitizer.DisplayName(claims.Name)
		p.PhotoURL = u.sanitizer.PhotoURL(claims.Picture)
	}

	if p.Anonymous {
		p.Username = credential.AnonymousPrefix + subjectHash(claims.Subject)[:8]
		p.DisplayName = ""
		return p
	}

	p.Username = baseUsername(claims)
	if p.Username == "" || credential.IsBuiltinReserved(p.Username) {
		p.Username = suffixedUsername("user", claims.Subject)
	}
	return p
}

// baseUsername はメールアドレスのローカル部、なければ名前から英数字とアンダースコアのみを取り出す。
// 規定の長さに満たない場合は空文字を返す。
func baseUsername(claims *model.FederatedClaims) string {
	source := claims.Name
	if local, _, ok := strings.Cut(claims.Email, "@"); ok && local != "" {
		source = local
	}

	var b strings.Builder
	for _, r := range source {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
		if b.Len() == credential.UsernameMaxLength {
			break
		}
	}

	name := b.String()
	if len(name) < credential.UsernameMinLength {
		return ""
	}
	return name
}

// suffixedUsername は base の先頭13文字に外部IDのハッシュ6桁を付けたユーザー名を返す。
// 同じ外部IDからは常に同じ値になる。
func suffixedUsername(base, subject string) string {
	if len(base) > suffixBaseLength {
		base = base[:suffixBaseLength]
	}
	return base + "_" + subjectHash(subject)[:suffixLength]
}

func subjectHash(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])
}
