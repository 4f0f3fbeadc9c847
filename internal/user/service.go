// Package user はログイン中のユーザー情報を提供する。
package user

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/agora/internal/model"
)

// Finder はユーザーの取得インターフェース。repository.UserRepository が満たす。
type Finder interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
}

// Profile は /auth/me で返す本人向けのユーザー情報。
// 資格情報や管理用の項目は含めない。
type Profile struct {
	UserID        int64
	PublicID      string
	Username      string
	DisplayName   string
	Email         string
	EmailVerified bool
	PhotoURL      string
	Provider      string
	Anonymous     bool
	HasPassword   bool
	Suspended     bool
	CreatedAt     time.Time
}

// Service はユーザー情報のサービス層。
type Service struct {
	users Finder
	now   func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users Finder) *Service {
	return &Service{
		users: users,
		now:   time.Now,
	}
}

// Profile はアイデンティティに対応するユーザー情報を返す。
// 匿名フラグはセッションではなくユーザー行の値を使う。
func (s *Service) Profile(ctx context.Context, identity model.Identity) (*Profile, error) {
	u, err := s.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}

	return &Profile{
		UserID:        u.ID,
		PublicID:      u.PublicID,
		Username:      u.Username,
		DisplayName:   u.DisplayName,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		PhotoURL:      u.PhotoURL,
		Provider:      u.ExternalProvider,
		Anonymous:     u.IsAnonymous,
		HasPassword:   u.HasPassword(),
		Suspended:     u.IsSuspendedAt(s.now()),
		CreatedAt:     u.CreatedAt,
	}, nil
}
