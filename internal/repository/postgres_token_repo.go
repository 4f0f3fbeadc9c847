package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/agora/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したワンタイムトークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Create はトークンを保存する。
func (r *PostgresTokenRepo) Create(ctx context.Context, token *model.OneTimeToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO one_time_tokens (token, user_id, purpose) VALUES ($1, $2, $3)`,
		token.Token, token.UserID, string(token.Purpose),
	)
	if err != nil {
		return fmt.Errorf("failed to create one-time token: %w", err)
	}
	return nil
}

// Consume はトークンを原子的に使用済みにしてユーザーIDを返す。
// 条件付きUPDATEが0件の場合のみ、失敗理由を判定するために読み直す。
func (r *PostgresTokenRepo) Consume(ctx context.Context, token string, purpose model.TokenPurpose, ttl time.Duration) (int64, error) {
	return consumeToken(ctx, r.db, token, purpose, ttl)
}

// ConsumeAndSetPassword はパスワード再設定トークンの消費とパスワード更新を同一トランザクションで行う。
// 更新に失敗した場合はトークンも未使用のまま残る。
func (r *PostgresTokenRepo) ConsumeAndSetPassword(ctx context.Context, token string, ttl time.Duration, hash, salt string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	userID, err := consumeToken(ctx, tx, token, model.TokenPurposePasswordReset, ttl)
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, password_salt = $3 WHERE id = $1`,
		userID, hash, salt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update password: %w", err)
	}
	if err := requireOneRow(result, fmt.Errorf("user not found: %d", userID)); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return userID, nil
}

// rowQuerier は *sql.DB と *sql.Tx の共通部分。
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func consumeToken(ctx context.Context, q rowQuerier, token string, purpose model.TokenPurpose, ttl time.Duration) (int64, error) {
	seconds := int64(ttl / time.Second)

	var userID int64
	err := q.QueryRowContext(ctx,
		`UPDATE one_time_tokens SET used = TRUE
		 WHERE token = $1 AND purpose = $2 AND NOT used
		   AND created_at > now() - ($3 * interval '1 second')
		 RETURNING user_id`,
		token, string(purpose), seconds,
	).Scan(&userID)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to consume one-time token: %w", err)
	}

	var used, fresh bool
	err = q.QueryRowContext(ctx,
		`SELECT used, created_at > now() - ($3 * interval '1 second')
		 FROM one_time_tokens
		 WHERE token = $1 AND purpose = $2`,
		token, string(purpose), seconds,
	).Scan(&used, &fresh)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTokenNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to classify one-time token: %w", err)
	}
	if used {
		return 0, ErrTokenUsed
	}
	if !fresh {
		return 0, ErrTokenExpired
	}
	// 判定の間に他のリクエストが使用した場合
	return 0, ErrTokenUsed
}

// DeleteExpired は作成から retention 以上経過したトークンを削除する。
func (r *PostgresTokenRepo) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM one_time_tokens WHERE created_at < now() - ($1 * interval '1 second')`,
		int64(retention/time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired one-time tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
