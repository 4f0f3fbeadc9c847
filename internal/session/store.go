// Package session はセッションキーの発行、解決、失効を提供する。
// 平文のキーはクライアントにのみ渡し、永続化するのはSHA-256ハッシュのみとする。
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/hitoshi/agora/internal/model"
	"github.com/hitoshi/agora/internal/repository"
)

// KeyBytes はセッションキーのランダムバイト数。
const KeyBytes = 32

// Store はセッションキーを管理する。
type Store struct {
	repo repository.SessionRepository
}

// NewStore はStoreを生成する。
func NewStore(repo repository.SessionRepository) *Store {
	return &Store{repo: repo}
}

// HashKey は平文キーの保存用ハッシュ（SHA-256の16進表現）を返す。
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Issue は新しいセッションキーを発行し、ハッシュを保存して平文キーを返す。
// ユーザー行は呼び出し前に作成済みである必要がある。
func (s *Store) Issue(ctx context.Context, userID int64, anonymous bool, sourceAddress string) (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate session key: %w", err)
	}

	session := &model.Session{
		KeyHash:       HashKey(key),
		UserID:        userID,
		Anonymous:     anonymous,
		SourceAddress: sourceAddress,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	return key, nil
}

// Resolve は平文キーに対応するアイデンティティを返す。
// 空のキーや未知のキーの場合は (nil, nil) を返す。
func (s *Store) Resolve(ctx context.Context, key string) (*model.Identity, error) {
	if key == "" {
		return nil, nil
	}
	identity, err := s.repo.FindIdentityByKeyHash(ctx, HashKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	return identity, nil
}

// Revoke は指定キーのセッションのみを削除する。
func (s *Store) Revoke(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.repo.DeleteByKeyHash(ctx, HashKey(key)); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAll は指定ユーザーの全セッションを削除する。
func (s *Store) RevokeAll(ctx context.Context, userID int64) error {
	n, err := s.repo.DeleteByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke all sessions: %w", err)
	}
	slog.Info("sessions revoked",
		slog.Int64("user_id", userID),
		slog.Int64("count", n),
	)
	return nil
}

// generateKey は暗号的に安全なセッションキーを生成する。
func generateKey() (string, error) {
	b := make([]byte, KeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
