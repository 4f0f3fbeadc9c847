// Package model はドメインモデルを定義する。
package model

import "time"

// User は永続的なアイデンティティを表す。
// 匿名ユーザー、パスワード登録ユーザー、外部IdP登録ユーザーのいずれかの状態を取る。
// 匿名から登録済みへの移行は同じIDのまま行われる。
type User struct {
	ID               int64
	PublicID         string
	Username         string
	DisplayName      string
	Email            string
	EmailVerified    bool
	PasswordHash     string
	PasswordSalt     string
	ExternalID       string
	ExternalProvider string
	PhotoURL         string
	IsAnonymous      bool
	SuspendedUntil   *time.Time
	IsBanned         bool
	IsAdmin          bool
	CreatedAt        time.Time
}

// HasPassword はパスワード資格情報が設定されているかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != "" && u.PasswordSalt != ""
}

// IsSuspendedAt は指定時刻において利用停止中かを返す。
// BANされたユーザーは常に利用停止中として扱う。
func (u *User) IsSuspendedAt(now time.Time) bool {
	if u.IsBanned {
		return true
	}
	return u.SuspendedUntil != nil && u.SuspendedUntil.After(now)
}

// Identity はリクエストスコープで下流ハンドラーに公開される認証結果。
type Identity struct {
	UserID    int64
	Anonymous bool
}

// Session はハッシュ化されたセッションキーとユーザーの紐付けを表す。
// 平文のキーは保存しない。
type Session struct {
	KeyHash       string
	UserID        int64
	Anonymous     bool
	SourceAddress string
	CreatedAt     time.Time
}

// TokenPurpose はワンタイムトークンの用途。
type TokenPurpose string

const (
	// TokenPurposePasswordReset はパスワードリセット用トークン。
	TokenPurposePasswordReset TokenPurpose = "password_reset"
	// TokenPurposeEmailVerification はメールアドレス確認用トークン。
	TokenPurposeEmailVerification TokenPurpose = "email_verification"
)

// OneTimeToken は一度だけ使用できる状態遷移用トークン。
type OneTimeToken struct {
	Token     string
	UserID    int64
	Purpose   TokenPurpose
	CreatedAt time.Time
	Used      bool
}

// HandoffTicket はサイドチャネルにユーザーを引き渡すための登録済みチケット。
type HandoffTicket struct {
	ID        string
	UserID    int64
	Used      bool
	CreatedAt time.Time
}
