package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/agora/internal/database"
	"github.com/hitoshi/agora/internal/model"
)

// PostgresHandoffRepo はPostgreSQLを使用したハンドオフチケットリポジトリ。
type PostgresHandoffRepo struct {
	db *sql.DB
}

// NewPostgresHandoffRepo はPostgresHandoffRepoを生成する。
func NewPostgresHandoffRepo(db *sql.DB) *PostgresHandoffRepo {
	return &PostgresHandoffRepo{db: db}
}

// Create は署名検証済みのチケットを保存する。
func (r *PostgresHandoffRepo) Create(ctx context.Context, ticket *model.HandoffTicket) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO handoff_tickets (id, user_id) VALUES ($1, $2)`,
		ticket.ID, ticket.UserID,
	)
	if err != nil {
		if _, ok := database.UniqueViolation(err); ok {
			return ErrTicketUnavailable
		}
		return fmt.Errorf("failed to create handoff ticket: %w", err)
	}
	return nil
}

// Consume はチケットを原子的に使用済みにしてユーザーIDを返す。
// 単一の条件付きUPDATEで判定するため、並行した解決は一方のみ成功する。
func (r *PostgresHandoffRepo) Consume(ctx context.Context, id string, ttl time.Duration) (int64, error) {
	var userID int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE handoff_tickets SET used = TRUE
		 WHERE id = $1 AND NOT used
		   AND created_at >= now() - ($2 * interval '1 second')
		 RETURNING user_id`,
		id, int64(ttl/time.Second),
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTicketUnavailable
	}
	if err != nil {
		return 0, fmt.Errorf("failed to consume handoff ticket: %w", err)
	}
	return userID, nil
}

// DeleteExpired は作成から retention 以上経過したチケットを削除する。
func (r *PostgresHandoffRepo) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM handoff_tickets WHERE created_at < now() - ($1 * interval '1 second')`,
		int64(retention/time.Second),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired handoff tickets: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ HandoffRepository = (*PostgresHandoffRepo)(nil)
