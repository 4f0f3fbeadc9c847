package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/agora/internal/model"
)

const userColumns = `id, public_id, username, display_name, email, email_verified,
	password_hash, password_salt, external_id, external_provider, photo_url,
	is_anonymous, suspended_until, is_banned, is_admin, created_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		user                                       model.User
		username, displayName, email               sql.NullString
		hash, salt, externalID, provider, photoURL sql.NullString
		suspendedUntil                             sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.PublicID, &username, &displayName, &email, &user.EmailVerified,
		&hash, &salt, &externalID, &provider, &photoURL,
		&user.IsAnonymous, &suspendedUntil, &user.IsBanned, &user.IsAdmin, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Username = username.String
	user.DisplayName = displayName.String
	user.Email = email.String
	user.PasswordHash = hash.String
	user.PasswordSalt = salt.String
	user.ExternalID = externalID.String
	user.ExternalProvider = provider.String
	user.PhotoURL = photoURL.String
	if suspendedUntil.Valid {
		t := suspendedUntil.Time
		user.SuspendedUntil = &t
	}
	return &user, nil
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, args ...any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	user, err := r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByLogin はユーザー名またはメールアドレスでユーザーを検索する。
func (r *PostgresUserRepo) FindByLogin(ctx context.Context, login string) (*model.User, error) {
	user, err := r.findOne(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE lower(username) = lower($1) OR lower(email) = lower($1)
		 ORDER BY id LIMIT 1`,
		login,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by login: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// ExistsUsername はユーザー名が使用済みかを返す。
func (r *PostgresUserRepo) ExistsUsername(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(username) = lower($1))`,
		username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}

// ExistsEmail はメールアドレスが使用済みかを返す。
func (r *PostgresUserRepo) ExistsEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1))`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

// CreateAnonymous は匿名ユーザーを作成しIDを返す。
func (r *PostgresUserRepo) CreateAnonymous(ctx context.Context, username string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (public_id, username, is_anonymous)
		 VALUES ($1, $2, TRUE)
		 RETURNING id`,
		uuid.NewString(), username,
	).Scan(&id)
	if err != nil {
		if sentinel := translateUniqueViolation(err); sentinel != nil {
			return 0, sentinel
		}
		return 0, fmt.Errorf("failed to create anonymous user: %w", err)
	}
	return id, nil
}

// CreateRegistered はパスワード登録済みユーザーを作成しIDを返す。
func (r *PostgresUserRepo) CreateRegistered(ctx context.Context, reg Registration) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (public_id, username, email, display_name, password_hash, password_salt, is_anonymous)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, FALSE)
		 RETURNING id`,
		uuid.NewString(), reg.Username, reg.Email, reg.DisplayName, reg.PasswordHash, reg.PasswordSalt,
	).Scan(&id)
	if err != nil {
		if sentinel := translateUniqueViolation(err); sentinel != nil {
			return 0, sentinel
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// UpgradeAnonymous は匿名ユーザーを同じIDのまま登録済みに更新する。
// WHERE句の is_anonymous 条件により、並行したアップグレードは一方のみ成功する。
func (r *PostgresUserRepo) UpgradeAnonymous(ctx context.Context, id int64, reg Registration) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET username = $2, email = $3, display_name = NULLIF($4, ''),
		     password_hash = $5, password_salt = $6, is_anonymous = FALSE
		 WHERE id = $1 AND is_anonymous`,
		id, reg.Username, reg.Email, reg.DisplayName, reg.PasswordHash, reg.PasswordSalt,
	)
	if err != nil {
		if sentinel := translateUniqueViolation(err); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("failed to upgrade anonymous user: %w", err)
	}
	return requireOneRow(result, ErrNotAnonymous)
}

// UpdatePassword はパスワードハッシュとソルトを更新する。
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id int64, hash, salt string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, password_salt = $3 WHERE id = $1`,
		id, hash, salt,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return requireOneRow(result, fmt.Errorf("user not found: %d", id))
}

// MarkEmailVerified はメールアドレスを確認済みにする。
func (r *PostgresUserRepo) MarkEmailVerified(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET email_verified = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	return nil
}

// UpsertExternal は外部IDをキーにユーザーを作成または更新する。
// 更新時にメールアドレスが空の場合は保存済みの値と確認フラグを維持する。
func (r *PostgresUserRepo) UpsertExternal(ctx context.Context, p ExternalProfile) (int64, bool, error) {
	var (
		id        int64
		anonymous bool
	)
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (public_id, username, display_name, email, email_verified,
		                    external_id, external_provider, photo_url, is_anonymous)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
		 ON CONFLICT (external_id) DO UPDATE SET
		     email = COALESCE(EXCLUDED.email, users.email),
		     email_verified = CASE WHEN EXCLUDED.email IS NULL THEN users.email_verified ELSE EXCLUDED.email_verified END,
		     photo_url = COALESCE(EXCLUDED.photo_url, users.photo_url),
		     external_provider = EXCLUDED.external_provider
		 RETURNING id, is_anonymous`,
		uuid.NewString(), p.Username, p.DisplayName, p.Email, p.EmailVerified,
		p.ExternalID, p.Provider, p.PhotoURL, p.Anonymous,
	).Scan(&id, &anonymous)
	if err != nil {
		if sentinel := translateUniqueViolation(err); sentinel != nil {
			return 0, false, sentinel
		}
		return 0, false, fmt.Errorf("failed to upsert external user: %w", err)
	}
	return id, anonymous, nil
}

// LinkExternal は匿名ユーザーに外部IDを紐付けて登録済みにする。
func (r *PostgresUserRepo) LinkExternal(ctx context.Context, id int64, p ExternalProfile) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET external_id = $2, external_provider = $3,
		     email = COALESCE(NULLIF($4, ''), email),
		     email_verified = CASE WHEN $4 = '' THEN email_verified ELSE $5 END,
		     photo_url = COALESCE(NULLIF($6, ''), photo_url),
		     username = $7, display_name = NULLIF($8, ''), is_anonymous = FALSE
		 WHERE id = $1 AND is_anonymous`,
		id, p.ExternalID, p.Provider, p.Email, p.EmailVerified, p.PhotoURL, p.Username, p.DisplayName,
	)
	if err != nil {
		if sentinel := translateUniqueViolation(err); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("failed to link external identity: %w", err)
	}
	return requireOneRow(result, ErrNotAnonymous)
}

// CompleteRegistration はユーザー名と表示名を設定し登録済みにする。
func (r *PostgresUserRepo) CompleteRegistration(ctx context.Context, id int64, username, displayName string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET username = $2, display_name = NULLIF($3, ''), is_anonymous = FALSE
		 WHERE id = $1 AND is_anonymous`,
		id, username, displayName,
	)
	if err != nil {
		if sentinel := translateUniqueViolation(err); sentinel != nil {
			return sentinel
		}
		return fmt.Errorf("failed to complete registration: %w", err)
	}
	return requireOneRow(result, ErrNotAnonymous)
}

// requireOneRow は更新件数が0の場合に notFound を返す。
func requireOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
