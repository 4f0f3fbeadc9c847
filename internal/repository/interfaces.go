// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/agora/internal/model"
)

// Registration はパスワード登録に必要な資格情報一式。
type Registration struct {
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	PasswordSalt string
}

// ExternalProfile は外部IdPのクレームから組み立てたユーザー行の内容。
// Username と DisplayName は新規作成時のみ使用され、既存行の更新では変更しない。
type ExternalProfile struct {
	ExternalID    string
	Provider      string
	Email         string
	EmailVerified bool
	PhotoURL      string
	Username      string
	DisplayName   string
	Anonymous     bool
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByLogin はユーザー名またはメールアドレス（大文字小文字を区別しない）でユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByLogin(ctx context.Context, login string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// ExistsUsername はユーザー名が使用済みかを返す。
	ExistsUsername(ctx context.Context, username string) (bool, error)

	// ExistsEmail はメールアドレスが使用済みかを返す。
	ExistsEmail(ctx context.Context, email string) (bool, error)

	// CreateAnonymous は匿名ユーザーを作成しIDを返す。
	// ユーザー名が衝突した場合は ErrUsernameTaken を返す。
	CreateAnonymous(ctx context.Context, username string) (int64, error)

	// CreateRegistered はパスワード登録済みユーザーを作成しIDを返す。
	CreateRegistered(ctx context.Context, reg Registration) (int64, error)

	// UpgradeAnonymous は匿名ユーザーを同じIDのまま登録済みに更新する。
	// 対象が匿名でない場合は ErrNotAnonymous を返す。
	UpgradeAnonymous(ctx context.Context, id int64, reg Registration) error

	// UpdatePassword はパスワードハッシュとソルトを更新する。
	UpdatePassword(ctx context.Context, id int64, hash, salt string) error

	// MarkEmailVerified はメールアドレスを確認済みにする。
	MarkEmailVerified(ctx context.Context, id int64) error

	// UpsertExternal は外部IDをキーにユーザーを作成または更新し、IDと保存済みの匿名フラグを返す。
	// 既存行ではメールアドレス、確認フラグ、写真URL、プロバイダーのみ更新する。
	UpsertExternal(ctx context.Context, p ExternalProfile) (int64, bool, error)

	// LinkExternal は匿名ユーザーに外部IDを同じIDのまま紐付け、登録済みにする。
	// 対象が匿名でない場合は ErrNotAnonymous を返す。
	LinkExternal(ctx context.Context, id int64, p ExternalProfile) error

	// CompleteRegistration は匿名ユーザーにユーザー名と表示名を設定し登録済みにする。
	// 対象が匿名でない場合は ErrNotAnonymous を返す。
	CompleteRegistration(ctx context.Context, id int64, username, displayName string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindIdentityByKeyHash はキーハッシュに対応するアイデンティティを返す。
	// ユーザー行が存在しない場合を含め、見つからない場合はnilを返す。
	FindIdentityByKeyHash(ctx context.Context, keyHash string) (*model.Identity, error)
	// DeleteByKeyHash は指定キーハッシュのセッションを削除する。
	DeleteByKeyHash(ctx context.Context, keyHash string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID int64) (int64, error)
}

// TokenRepository はワンタイムトークンの永続化インターフェース。
type TokenRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, token *model.OneTimeToken) error

	// Consume はトークンを原子的に使用済みにしてユーザーIDを返す。
	// 失敗時は ErrTokenNotFound、ErrTokenUsed、ErrTokenExpired のいずれかを返す。
	Consume(ctx context.Context, token string, purpose model.TokenPurpose, ttl time.Duration) (int64, error)

	// ConsumeAndSetPassword はパスワード再設定トークンの消費とパスワード更新を不可分に行い、ユーザーIDを返す。
	// どちらかが失敗した場合はどちらも反映されない。
	ConsumeAndSetPassword(ctx context.Context, token string, ttl time.Duration, hash, salt string) (int64, error)

	// DeleteExpired は作成から retention 以上経過したトークンを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// HandoffRepository はハンドオフチケットの永続化インターフェース。
type HandoffRepository interface {
	// Create は署名検証済みのチケットを保存する。IDが重複する場合は ErrTicketUnavailable を返す。
	Create(ctx context.Context, ticket *model.HandoffTicket) error

	// Consume はチケットを原子的に使用済みにしてユーザーIDを返す。
	// 存在しない、使用済み、ttl 超過の場合は ErrTicketUnavailable を返す。
	Consume(ctx context.Context, id string, ttl time.Duration) (int64, error)

	// DeleteExpired は作成から retention 以上経過したチケットを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// MembershipRepository はデフォルトコミュニティ所属の永続化インターフェース。
type MembershipRepository interface {
	// EnsureMember は所属が存在しなければ追加する。冪等。
	EnsureMember(ctx context.Context, communityID, userID int64) error
}

// ReservedNameRepository は予約ユーザー名の参照インターフェース。
type ReservedNameRepository interface {
	// IsReserved はユーザー名（大文字小文字を区別しない）が予約済みかを返す。
	IsReserved(ctx context.Context, name string) (bool, error)
}
