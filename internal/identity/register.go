package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/agora/internal/credential"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/repository"
)

// RegisterRequest は外部IDによるアカウント登録の入力。
type RegisterRequest struct {
	Username        string
	DisplayName     string
	IncludeActivity bool
}

// Register は外部IDでアカウント登録を行う。
//
// 現在のアイデンティティが匿名で IncludeActivity が指定された場合は、
// 匿名ユーザー行に外部IDを同じIDのまま紐付ける。
// それ以外の場合は外部IDのユーザー行をUpsertしてからユーザー名と表示名を確定する。
// 外部IDの行が既に登録済みであれば ALREADY_LOGGED_IN を返し、名前は変更しない。
func (u *Upserter) Register(ctx context.Context, claims *model.FederatedClaims, req RegisterRequest, current *model.Identity) (model.Identity, error) {
	if claims.ProviderAnonymous() {
		return model.Identity{}, model.NewInvalidTokenError()
	}
	if current != nil && !current.Anonymous {
		return model.Identity{}, model.NewAlreadyLoggedInError()
	}
	if err := u.validateUsername(ctx, req.Username); err != nil {
		return model.Identity{}, err
	}

	profile := u.profile(claims)
	profile.Username = req.Username
	profile.DisplayName = req.DisplayName
	if u.sanitizer != nil {
		profile.DisplayName = u.sanitizer.DisplayName(req.DisplayName)
	}

	if current != nil && req.IncludeActivity {
		if err := u.link(ctx, current.UserID, profile); err != nil {
			return model.Identity{}, err
		}
		slog.Info("anonymous user upgraded with external identity",
			slog.Int64("user_id", current.UserID),
			slog.String("provider", profile.Provider),
		)
		u.ensureMember(ctx, current.UserID)
		return model.Identity{UserID: current.UserID, Anonymous: false}, nil
	}

	// 新規行は登録完了まで匿名として作成する。既存行の匿名フラグはUpsertで変わらない。
	pending := u.profile(claims)
	pending.Anonymous = true
	id, anonymous, err := u.upsertResolvingConflicts(ctx, claims.Subject, pending)
	if err != nil {
		return model.Identity{}, err
	}
	if !anonymous {
		return model.Identity{}, model.NewAlreadyLoggedInError()
	}
	if err := u.users.CompleteRegistration(ctx, id, profile.Username, profile.DisplayName); err != nil {
		switch {
		case errors.Is(err, repository.ErrUsernameTaken):
			return model.Identity{}, model.NewUsernameTakenError()
		case errors.Is(err, repository.ErrNotAnonymous):
			return model.Identity{}, model.NewAlreadyLoggedInError()
		}
		return model.Identity{}, fmt.Errorf("failed to complete registration: %w", err)
	}

	slog.Info("external identity registered",
		slog.Int64("user_id", id),
		slog.String("provider", profile.Provider),
	)
	u.ensureMember(ctx, id)
	return model.Identity{UserID: id, Anonymous: false}, nil
}

// link は匿名ユーザー行に外部IDを紐付ける。メールアドレスの衝突時はメールアドレスなしで再試行する。
func (u *Upserter) link(ctx context.Context, userID int64, p repository.ExternalProfile) error {
	err := u.users.LinkExternal(ctx, userID, p)
	if errors.Is(err, repository.ErrEmailTaken) && p.Email != "" {
		p.Email = ""
		p.EmailVerified = false
		err = u.users.LinkExternal(ctx, userID, p)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrUsernameTaken):
		return model.NewUsernameTakenError()
	case errors.Is(err, repository.ErrExternalIDTaken):
		return model.NewExternalAccountTakenError()
	case errors.Is(err, repository.ErrNotAnonymous):
		return model.NewAlreadyLoggedInError()
	default:
		return fmt.Errorf("failed to link external identity: %w", err)
	}
}

func (u *Upserter) validateUsername(ctx context.Context, username string) error {
	if reason := credential.ValidateUsername(username); reason != "" {
		return model.NewValidationError(map[string]string{"username": reason})
	}
	if credential.IsBuiltinReserved(username) {
		return model.NewReservedUsernameError(username)
	}
	if u.reserved != nil {
		reserved, err := u.reserved.IsReserved(ctx, username)
		if err != nil {
			return fmt.Errorf("failed to check reserved username: %w", err)
		}
		if reserved {
			return model.NewReservedUsernameError(username)
		}
	}
	return nil
}
