package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresCommunityRepo はコミュニティ所属と予約ユーザー名を扱うリポジトリ。
// どちらもコミュニティ機能側が所有するテーブルで、ここでは参照と冪等な追加のみ行う。
type PostgresCommunityRepo struct {
	db *sql.DB
}

// NewPostgresCommunityRepo はPostgresCommunityRepoを生成する。
func NewPostgresCommunityRepo(db *sql.DB) *PostgresCommunityRepo {
	return &PostgresCommunityRepo{db: db}
}

// EnsureMember は所属が存在しなければ追加する。
func (r *PostgresCommunityRepo) EnsureMember(ctx context.Context, communityID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO community_members (community_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (community_id, user_id) DO NOTHING`,
		communityID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure community membership: %w", err)
	}
	return nil
}

// IsReserved はユーザー名が予約テーブルに登録されているかを返す。
func (r *PostgresCommunityRepo) IsReserved(ctx context.Context, name string) (bool, error) {
	var reserved bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM reserved_usernames WHERE name = lower($1))`,
		name,
	).Scan(&reserved)
	if err != nil {
		return false, fmt.Errorf("failed to check reserved username: %w", err)
	}
	return reserved, nil
}

// compile-time interface check
var (
	_ MembershipRepository   = (*PostgresCommunityRepo)(nil)
	_ ReservedNameRepository = (*PostgresCommunityRepo)(nil)
)
