package repository

import (
	"errors"

	"github.com/hitoshi/agora/internal/database"
)

// リポジトリ層の番兵エラー。サービス層で errors.Is により判定し、APIError に変換する。
var (
	// ErrUsernameTaken はユーザー名の一意制約（大文字小文字を区別しない）に違反した。
	ErrUsernameTaken = errors.New("username already taken")
	// ErrEmailTaken はメールアドレスの一意制約（大文字小文字を区別しない）に違反した。
	ErrEmailTaken = errors.New("email already taken")
	// ErrExternalIDTaken は外部IDが既に別ユーザーに紐付いている。
	ErrExternalIDTaken = errors.New("external id already linked")
	// ErrNotAnonymous は匿名ユーザーのアップグレード対象が匿名状態でなかった。
	ErrNotAnonymous = errors.New("user is not anonymous")
	// ErrTokenNotFound はワンタイムトークンが存在しない。
	ErrTokenNotFound = errors.New("one-time token not found")
	// ErrTokenUsed はワンタイムトークンが使用済み。
	ErrTokenUsed = errors.New("one-time token already used")
	// ErrTokenExpired はワンタイムトークンの有効期限が切れている。
	ErrTokenExpired = errors.New("one-time token expired")
	// ErrTicketUnavailable はハンドオフチケットが存在しない、使用済み、期限切れ、またはIDが重複している。
	ErrTicketUnavailable = errors.New("handoff ticket unavailable")
)

// 一意制約名。マイグレーションで定義した名前と一致させる。
const (
	constraintUsername   = "users_username_lower_key"
	constraintEmail      = "users_email_lower_key"
	constraintExternalID = "users_external_id_key"
)

// translateUniqueViolation はPostgreSQLの一意制約違反を番兵エラーに変換する。
// 該当しない場合は nil を返す。
func translateUniqueViolation(err error) error {
	constraint, ok := database.UniqueViolation(err)
	if !ok {
		return nil
	}
	switch constraint {
	case constraintUsername:
		return ErrUsernameTaken
	case constraintEmail:
		return ErrEmailTaken
	case constraintExternalID:
		return ErrExternalIDTaken
	}
	return nil
}
