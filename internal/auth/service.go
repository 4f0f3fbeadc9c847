// Package auth はパスワード認証、匿名アイデンティティの作成、認証方式の選択を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/agora/internal/credential"
	"github.com/hitoshi/agora/internal/mail"
	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/repository"
	"github.com/hitoshi/agora/internal/session"
)

// 認証フロー名。メトリクスのラベルに使用する。
const (
	FlowSignup         = "signup"
	FlowLogin          = "login"
	FlowLogout         = "logout"
	FlowForgotPassword = "forgot_password"
	FlowResetPassword  = "reset_password"
	FlowChangePassword = "change_password"
	FlowVerifyEmail    = "verify_email"
)

// tokenBytes はワンタイムトークンのランダムバイト数。
const tokenBytes = 32

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BaseURL            string
	TokenTTL           time.Duration
	DefaultCommunityID int64
}

// SignupInput はパスワード登録の入力。
type SignupInput struct {
	Username        string
	Email           string
	Password        string
	DisplayName     string
	IncludeActivity bool
}

// Result は認証操作の結果。
// SessionKey が空の場合は既存のセッションを引き続き使用する。
type Result struct {
	Identity   model.Identity
	SessionKey string
}

// Service はパスワード認証に関するビジネスロジックを提供する。
type Service struct {
	users    repository.UserRepository
	reserved repository.ReservedNameRepository
	members  repository.MembershipRepository
	tokens   repository.TokenRepository
	sessions *session.Store
	hasher   *credential.Hasher
	mailer   mail.Dispatcher
	metrics  metrics.MetricsCollector
	config   ServiceConfig
	now      func() time.Time

	wg sync.WaitGroup
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	reserved repository.ReservedNameRepository,
	members repository.MembershipRepository,
	tokens repository.TokenRepository,
	sessions *session.Store,
	hasher *credential.Hasher,
	mailer mail.Dispatcher,
	m metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		users:    users,
		reserved: reserved,
		members:  members,
		tokens:   tokens,
		sessions: sessions,
		hasher:   hasher,
		mailer:   mailer,
		metrics:  m,
		config:   config,
		now:      time.Now,
	}
}

// Signup はパスワードでアカウントを登録する。
//
// 現在のアイデンティティが匿名で IncludeActivity が指定された場合は、
// 匿名ユーザー行を同じIDのまま登録済みに更新し、既存のセッションを使い続ける。
// それ以外の場合は新しいユーザー行を作成してセッションを発行する。
func (s *Service) Signup(ctx context.Context, in SignupInput, current *model.Identity, sourceAddress string) (*Result, error) {
	result, err := s.signup(ctx, in, current, sourceAddress)
	s.record(FlowSignup, err)
	return result, err
}

func (s *Service) signup(ctx context.Context, in SignupInput, current *model.Identity, sourceAddress string) (*Result, error) {
	if current != nil && !current.Anonymous {
		return nil, model.NewAlreadyLoggedInError()
	}

	in.Email = credential.NormalizeEmail(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if fields := credential.ValidateSignup(in.Username, in.Email, in.Password, in.DisplayName); !fields.Empty() {
		return nil, model.NewValidationError(fields)
	}
	if err := s.checkReserved(ctx, in.Username); err != nil {
		return nil, err
	}

	exists, err := s.users.ExistsUsername(ctx, in.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if exists {
		return nil, model.NewUsernameTakenError()
	}
	exists, err = s.users.ExistsEmail(ctx, in.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, model.NewEmailTakenError()
	}

	hash, salt, err := s.hasher.HashNew(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	reg := repository.Registration{
		Username:     in.Username,
		Email:        in.Email,
		DisplayName:  in.DisplayName,
		PasswordHash: hash,
		PasswordSalt: salt,
	}

	if current != nil && in.IncludeActivity {
		if err := s.users.UpgradeAnonymous(ctx, current.UserID, reg); err != nil {
			return nil, translateWriteError(err)
		}
		slog.Info("anonymous user upgraded",
			slog.Int64("user_id", current.UserID),
		)
		s.afterSignup(ctx, current.UserID, in.Email)
		return &Result{Identity: model.Identity{UserID: current.UserID, Anonymous: false}}, nil
	}

	userID, err := s.users.CreateRegistered(ctx, reg)
	if err != nil {
		return nil, translateWriteError(err)
	}
	key, err := s.issue(ctx, userID, sourceAddress)
	if err != nil {
		return nil, err
	}

	slog.Info("user registered", slog.Int64("user_id", userID))
	s.afterSignup(ctx, userID, in.Email)
	return &Result{Identity: model.Identity{UserID: userID, Anonymous: false}, SessionKey: key}, nil
}

// afterSignup はデフォルトコミュニティへの参加と確認メールの送信をバックグラウンドで行う。
func (s *Service) afterSignup(ctx context.Context, userID int64, email string) {
	s.goDetached(ctx, func(ctx context.Context) {
		if s.members == nil || s.config.DefaultCommunityID == 0 {
			return
		}
		if err := s.members.EnsureMember(ctx, s.config.DefaultCommunityID, userID); err != nil {
			slog.Error("failed to join default community",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	})
	s.goDetached(ctx, func(ctx context.Context) {
		if err := s.sendVerification(ctx, userID, email); err != nil {
			slog.Error("failed to send verification email",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Login はユーザー名またはメールアドレスとパスワードで認証し、セッションを発行する。
func (s *Service) Login(ctx context.Context, login, password string, current *model.Identity, sourceAddress string) (*Result, error) {
	result, err := s.login(ctx, login, password, current, sourceAddress)
	s.record(FlowLogin, err)
	return result, err
}

func (s *Service) login(ctx context.Context, login, password string, current *model.Identity, sourceAddress string) (*Result, error) {
	if current != nil && !current.Anonymous {
		return nil, model.NewAlreadyLoggedInError()
	}

	login = strings.TrimSpace(login)
	fields := credential.FieldErrors{}
	if login == "" {
		fields["login"] = credential.ReasonRequired
	}
	if password == "" {
		fields["password"] = credential.ReasonRequired
	}
	if !fields.Empty() {
		return nil, model.NewValidationError(fields)
	}

	user, err := s.users.FindByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	if !user.HasPassword() || !s.hasher.Verify(password, user.PasswordSalt, user.PasswordHash) {
		return nil, model.NewInvalidCredentialsError()
	}
	if user.IsSuspendedAt(s.now()) {
		slog.Warn("login rejected for suspended user", slog.Int64("user_id", user.ID))
		return nil, model.NewAccountSuspendedError()
	}

	key, err := s.issue(ctx, user.ID, sourceAddress)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", slog.Int64("user_id", user.ID))
	return &Result{Identity: model.Identity{UserID: user.ID, Anonymous: false}, SessionKey: key}, nil
}

// Logout は現在のセッションを失効させる。登録済みのセッションでのみ有効。
func (s *Service) Logout(ctx context.Context, sessionKey string, current *model.Identity) error {
	err := s.logout(ctx, sessionKey, current)
	s.record(FlowLogout, err)
	return err
}

func (s *Service) logout(ctx context.Context, sessionKey string, current *model.Identity) error {
	if current == nil || current.Anonymous {
		return model.NewNotRegisteredError()
	}
	if err := s.sessions.Revoke(ctx, sessionKey); err != nil {
		return err
	}
	slog.Info("user logged out", slog.Int64("user_id", current.UserID))
	return nil
}

// ForgotPassword はパスワードリセット用のトークンを作成し、リセットリンクをメールで送る。
// 未登録のメールアドレスでも成功を返す。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	err := s.forgotPassword(ctx, email)
	s.record(FlowForgotPassword, err)
	return err
}

func (s *Service) forgotPassword(ctx context.Context, email string) error {
	email = credential.NormalizeEmail(email)
	if reason := credential.ValidateEmail(email); reason != "" {
		return model.NewValidationError(map[string]string{"email": reason})
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.HasPassword() {
		slog.Info("password reset requested for unknown account")
		return nil
	}

	s.goDetached(ctx, func(ctx context.Context) {
		token, err := s.createToken(ctx, user.ID, model.TokenPurposePasswordReset)
		if err == nil {
			err = s.mailer.Send(ctx, user.Email, mail.TemplatePasswordReset, map[string]string{
				"username": user.Username,
				"link":     s.link("/reset-password", token),
			})
		}
		if err != nil {
			slog.Error("failed to send password reset email",
				slog.Int64("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

// ResetPassword はリセットトークンを消費して新しいパスワードを設定し、全セッションを失効させる。
// セッションの失効と完了通知メールは並行して行う。
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	err := s.resetPassword(ctx, token, newPassword)
	s.record(FlowResetPassword, err)
	return err
}

func (s *Service) resetPassword(ctx context.Context, token, newPassword string) error {
	if reason := credential.ValidatePassword(newPassword); reason != "" {
		return model.NewValidationError(map[string]string{"password": reason})
	}

	if token == "" {
		return model.NewTokenNotFoundError()
	}

	hash, salt, err := s.hasher.HashNew(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	userID, err := s.tokens.ConsumeAndSetPassword(ctx, token, s.config.TokenTTL, hash, salt)
	if err != nil {
		return tokenError(err)
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sessions.RevokeAll(gctx, userID)
	})
	g.Go(func() error {
		if user == nil || user.Email == "" {
			return nil
		}
		if err := s.mailer.Send(gctx, user.Email, mail.TemplatePasswordChanged, map[string]string{
			"username": user.Username,
		}); err != nil {
			slog.Error("failed to send password changed email",
				slog.Int64("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("password reset completed", slog.Int64("user_id", userID))
	return nil
}

// ChangePassword は現在のパスワードを再確認して新しいパスワードを設定する。
// 全セッションを失効させたうえで、呼び出し元に新しいセッションを発行する。
func (s *Service) ChangePassword(ctx context.Context, current *model.Identity, currentPassword, newPassword, sourceAddress string) (*Result, error) {
	result, err := s.changePassword(ctx, current, currentPassword, newPassword, sourceAddress)
	s.record(FlowChangePassword, err)
	return result, err
}

func (s *Service) changePassword(ctx context.Context, current *model.Identity, currentPassword, newPassword, sourceAddress string) (*Result, error) {
	if current == nil || current.Anonymous {
		return nil, model.NewNotRegisteredError()
	}

	user, err := s.users.FindByID(ctx, current.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	if !user.HasPassword() || !s.hasher.Verify(currentPassword, user.PasswordSalt, user.PasswordHash) {
		return nil, model.NewInvalidCredentialsError()
	}
	if reason := credential.ValidatePassword(newPassword); reason != "" {
		return nil, model.NewValidationError(map[string]string{"newPassword": reason})
	}

	hash, salt, err := s.hasher.HashNew(newPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash, salt); err != nil {
		return nil, err
	}
	if err := s.sessions.RevokeAll(ctx, user.ID); err != nil {
		return nil, err
	}
	key, err := s.issue(ctx, user.ID, sourceAddress)
	if err != nil {
		return nil, err
	}

	if user.Email != "" {
		s.goDetached(ctx, func(ctx context.Context) {
			if err := s.mailer.Send(ctx, user.Email, mail.TemplatePasswordChanged, map[string]string{
				"username": user.Username,
			}); err != nil {
				slog.Error("failed to send password changed email",
					slog.Int64("user_id", user.ID),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	slog.Info("password changed", slog.Int64("user_id", user.ID))
	return &Result{Identity: model.Identity{UserID: user.ID, Anonymous: false}, SessionKey: key}, nil
}

// VerifyEmail はメールアドレス確認トークンを消費し、メールアドレスを確認済みにする。
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	err := s.verifyEmail(ctx, token)
	s.record(FlowVerifyEmail, err)
	return err
}

func (s *Service) verifyEmail(ctx context.Context, token string) error {
	userID, err := s.consumeToken(ctx, token, model.TokenPurposeEmailVerification)
	if err != nil {
		return err
	}
	if err := s.users.MarkEmailVerified(ctx, userID); err != nil {
		return err
	}
	slog.Info("email verified", slog.Int64("user_id", userID))
	return nil
}

// ResendVerification は未確認のメールアドレスに確認メールを再送する。
func (s *Service) ResendVerification(ctx context.Context, current *model.Identity) error {
	if current == nil || current.Anonymous {
		return model.NewNotRegisteredError()
	}
	user, err := s.users.FindByID(ctx, current.UserID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.Email == "" {
		return model.NewValidationError(map[string]string{"email": credential.ReasonRequired})
	}
	if user.EmailVerified {
		return model.NewEmailAlreadyVerifiedError()
	}
	return s.sendVerification(ctx, user.ID, user.Email)
}

// Wait はバックグラウンドで実行中の副作用の完了を待つ。
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) issue(ctx context.Context, userID int64, sourceAddress string) (string, error) {
	key, err := s.sessions.Issue(ctx, userID, false, sourceAddress)
	if err != nil {
		return "", err
	}
	s.metrics.RecordSessionIssued(false)
	return key, nil
}

func (s *Service) checkReserved(ctx context.Context, username string) error {
	if s.reserved == nil {
		return nil
	}
	reserved, err := s.reserved.IsReserved(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to check reserved username: %w", err)
	}
	if reserved {
		return model.NewReservedUsernameError(username)
	}
	return nil
}

func (s *Service) sendVerification(ctx context.Context, userID int64, email string) error {
	token, err := s.createToken(ctx, userID, model.TokenPurposeEmailVerification)
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, email, mail.TemplateEmailVerification, map[string]string{
		"link": s.link("/verify-email", token),
	})
}

func (s *Service) createToken(ctx context.Context, userID int64, purpose model.TokenPurpose) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.tokens.Create(ctx, &model.OneTimeToken{
		Token:   token,
		UserID:  userID,
		Purpose: purpose,
	}); err != nil {
		return "", fmt.Errorf("failed to save %s token: %w", purpose, err)
	}
	return token, nil
}

// consumeToken はトークンを消費してユーザーIDを返す。失敗理由はAPIErrorに変換する。
func (s *Service) consumeToken(ctx context.Context, token string, purpose model.TokenPurpose) (int64, error) {
	if token == "" {
		return 0, model.NewTokenNotFoundError()
	}
	userID, err := s.tokens.Consume(ctx, token, purpose, s.config.TokenTTL)
	if err != nil {
		return 0, tokenError(err)
	}
	return userID, nil
}

func tokenError(err error) error {
	switch {
	case errors.Is(err, repository.ErrTokenNotFound):
		return model.NewTokenNotFoundError()
	case errors.Is(err, repository.ErrTokenUsed):
		return model.NewTokenUsedError()
	case errors.Is(err, repository.ErrTokenExpired):
		return model.NewTokenExpiredError()
	default:
		return err
	}
}

func (s *Service) link(path, token string) string {
	return strings.TrimRight(s.config.BaseURL, "/") + path + "?token=" + url.QueryEscape(token)
}

// goDetached はリクエストのキャンセルから切り離したコンテキストで fn を実行する。
func (s *Service) goDetached(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Go(func() { fn(ctx) })
}

func (s *Service) record(flow string, err error) {
	var apiErr *model.APIError
	switch {
	case err == nil:
		s.metrics.RecordAuthAttempt(flow, metrics.OutcomeSuccess)
	case errors.As(err, &apiErr):
		s.metrics.RecordAuthAttempt(flow, metrics.OutcomeRejected)
	default:
		s.metrics.RecordAuthAttempt(flow, metrics.OutcomeError)
	}
}

// translateWriteError は書き込み時の一意制約違反を競合エラーに変換する。
func translateWriteError(err error) error {
	switch {
	case errors.Is(err, repository.ErrUsernameTaken):
		return model.NewUsernameTakenError()
	case errors.Is(err, repository.ErrEmailTaken):
		return model.NewEmailTakenError()
	case errors.Is(err, repository.ErrNotAnonymous):
		return model.NewAlreadyLoggedInError()
	default:
		return err
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
