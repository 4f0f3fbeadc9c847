package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/agora/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (key_hash, user_id, is_anonymous, source_address)
		 VALUES ($1, $2, $3, $4)`,
		session.KeyHash, session.UserID, session.Anonymous, session.SourceAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindIdentityByKeyHash はキーハッシュに対応するアイデンティティを返す。
// セッション作成後に同じIDのままアップグレードされた場合に備え、
// 匿名フラグはセッションとユーザー行の両方が匿名の場合のみ true とする。
func (r *PostgresSessionRepo) FindIdentityByKeyHash(ctx context.Context, keyHash string) (*model.Identity, error) {
	identity := &model.Identity{}
	err := r.db.QueryRowContext(ctx,
		`SELECT s.user_id, s.is_anonymous AND u.is_anonymous
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.key_hash = $1`,
		keyHash,
	).Scan(&identity.UserID, &identity.Anonymous)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return identity, nil
}

// DeleteByKeyHash は指定キーハッシュのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByKeyHash(ctx context.Context, keyHash string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE key_hash = $1`,
		keyHash,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
