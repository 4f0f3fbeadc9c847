// Package handoff は認証済みユーザーをサイドチャネルへ引き渡すための署名付きチケットを提供する。
//
// クライアントが生成したIDに対してサーバーが timestamp と nonce を付けて署名し、
// クライアントがその4項目を提示して紐付けを登録する。サイドチャネルはIDのみを提示して
// 一度だけユーザーIDを解決できる。署名は発行元を証明するだけで、
// 使用済みかどうかと有効期間は保存された行で判定する。
package handoff

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/hitoshi/agora/internal/metrics"
	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/repository"
)

// DefaultTTL はチケットを解決できる期間の既定値。
const DefaultTTL = 300 * time.Second

// メトリクスの操作名。
const (
	OperationIssue   = "issue"
	OperationBind    = "bind"
	OperationResolve = "resolve"
)

const nonceBytes = 16

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// Ticket はワイヤー上のハンドオフチケット。
type Ticket struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Service はチケットの署名、紐付け、解決を行う。
type Service struct {
	repo    repository.HandoffRepository
	secret  []byte
	ttl     time.Duration
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewService はServiceを生成する。ttl が0以下の場合は DefaultTTL を使う。
func NewService(repo repository.HandoffRepository, secret string, ttl time.Duration, m metrics.MetricsCollector) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		repo:    repo,
		secret:  []byte(secret),
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
	}
}

// Sign は "id:timestamp:nonce" のHMAC-SHA256を16進文字列で返す。
func (s *Service) Sign(id string, timestamp int64, nonce string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id + ":" + strconv.FormatInt(timestamp, 10) + ":" + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue はクライアントが生成したIDに timestamp と nonce を付けて署名したチケットを返す。
// この時点では何も保存しない。
func (s *Service) Issue(identity model.Identity, id string) (Ticket, error) {
	if !idPattern.MatchString(id) {
		s.metrics.RecordHandoff(OperationIssue, metrics.OutcomeRejected)
		return Ticket{}, model.NewValidationError(map[string]string{"id": "format"})
	}
	nonce, err := newNonce()
	if err != nil {
		s.metrics.RecordHandoff(OperationIssue, metrics.OutcomeError)
		return Ticket{}, err
	}
	ts := s.now().Unix()
	s.metrics.RecordHandoff(OperationIssue, metrics.OutcomeSuccess)
	slog.Debug("handoff ticket issued", slog.Int64("user_id", identity.UserID))
	return Ticket{ID: id, Timestamp: ts, Nonce: nonce, Signature: s.Sign(id, ts, nonce)}, nil
}

// Bind は署名と timestamp の新しさを検証し、IDを呼び出し元のユーザーに紐付けて保存する。
// 署名が一致しない場合は新しさに関係なく拒否する。
func (s *Service) Bind(ctx context.Context, identity model.Identity, t Ticket) error {
	err := s.bind(ctx, identity, t)
	s.record(OperationBind, err)
	return err
}

func (s *Service) bind(ctx context.Context, identity model.Identity, t Ticket) error {
	if !idPattern.MatchString(t.ID) || t.Nonce == "" || t.Signature == "" {
		return model.NewInvalidTicketError()
	}
	got, err := hex.DecodeString(t.Signature)
	if err != nil {
		return model.NewInvalidTicketError()
	}
	want, _ := hex.DecodeString(s.Sign(t.ID, t.Timestamp, t.Nonce))
	if !hmac.Equal(got, want) {
		slog.Warn("handoff ticket signature mismatch", slog.Int64("user_id", identity.UserID))
		return model.NewInvalidTicketError()
	}
	if age := s.now().Sub(time.Unix(t.Timestamp, 0)); age < 0 || age > s.ttl {
		return model.NewInvalidTicketError()
	}

	err = s.repo.Create(ctx, &model.HandoffTicket{ID: t.ID, UserID: identity.UserID})
	if errors.Is(err, repository.ErrTicketUnavailable) {
		return model.NewInvalidTicketError()
	}
	if err != nil {
		return err
	}
	slog.Info("handoff ticket bound", slog.Int64("user_id", identity.UserID))
	return nil
}

// Resolve はIDに紐付いたユーザーIDを一度だけ返す。
// 使用済み、期限切れ、未登録のIDはいずれも同じエラーになる。
func (s *Service) Resolve(ctx context.Context, id string) (int64, error) {
	userID, err := s.resolve(ctx, id)
	s.record(OperationResolve, err)
	return userID, err
}

func (s *Service) resolve(ctx context.Context, id string) (int64, error) {
	if !idPattern.MatchString(id) {
		return 0, model.NewInvalidTicketError()
	}
	userID, err := s.repo.Consume(ctx, id, s.ttl)
	if errors.Is(err, repository.ErrTicketUnavailable) {
		return 0, model.NewInvalidTicketError()
	}
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (s *Service) record(operation string, err error) {
	var apiErr *model.APIError
	switch {
	case err == nil:
		s.metrics.RecordHandoff(operation, metrics.OutcomeSuccess)
	case errors.As(err, &apiErr):
		s.metrics.RecordHandoff(operation, metrics.OutcomeRejected)
	default:
		s.metrics.RecordHandoff(operation, metrics.OutcomeError)
	}
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
