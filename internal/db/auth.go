package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tourbook/auth-service/internal/model"
)

const userColumns = `id::text, email, password_hash, name, active, created_at, updated_at`

// CreateUser inserts a new active account. A duplicate email yields ErrConflict.
func (db *Postgres) CreateUser(ctx context.Context, email, passwordHash, name string) (*model.Account, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO users (id, email, password_hash, name, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())
		RETURNING ` + userColumns

	var user model.Account
	err := db.Pool.QueryRow(ctx, query, uuid.NewString(), email, passwordHash, name).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

func (db *Postgres) GetUserByEmail(ctx context.Context, email string) (*model.Account, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1
	`
	return db.getUser(ctx, query, email)
}

func (db *Postgres) GetUserByID(ctx context.Context, userID string) (*model.Account, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1
	`
	return db.getUser(ctx, query, userID)
}

func (db *Postgres) getUser(ctx context.Context, query string, arg string) (*model.Account, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var user model.Account
	err := db.Pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (db *Postgres) InsertRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())
	`
	if _, err := db.Pool.Exec(ctx, query, userID, tokenHash, expiresAt); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindActiveRefreshToken returns the non-revoked row for (userID, tokenHash).
// Revoked, foreign and unknown hashes all yield ErrNotFound.
func (db *Postgres) FindActiveRefreshToken(ctx context.Context, userID, tokenHash string) (*model.RefreshToken, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id::text, token_hash, expires_at, revoked, created_at
		FROM refresh_tokens
		WHERE user_id = $1 AND token_hash = $2 AND revoked = FALSE
	`
	var token model.RefreshToken
	err := db.Pool.QueryRow(ctx, query, userID, tokenHash).Scan(
		&token.ID,
		&token.AccountID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.Revoked,
		&token.CreatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

// RotateRefreshToken revokes the old row and inserts its successor in one
// transaction. The revoke only matches a row that is still active, so when two
// callers race on the same token the second one blocks on the row lock, sees
// zero affected rows and gets ErrAlreadyRevoked.
func (db *Postgres) RotateRefreshToken(ctx context.Context, oldTokenID int64, userID, newTokenHash string, newExpiresAt time.Time) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE id = $1 AND revoked = FALSE
	`, oldTokenID)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRevoked
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())
	`, userID, newTokenHash, newExpiresAt); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert rotated token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

// RevokeUserRefreshTokens marks every active refresh token of the user as
// revoked and returns their hashes. Calling it again returns an empty slice.
func (db *Postgres) RevokeUserRefreshTokens(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE user_id = $1 AND revoked = FALSE
		RETURNING token_hash
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	defer rows.Close()

	hashes := []string{}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan revoked hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return hashes, nil
}

// InsertBlacklistEntry is idempotent on the token hash.
func (db *Postgres) InsertBlacklistEntry(ctx context.Context, tokenHash string, expiresAt time.Time, reason string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var reasonArg *string
	if reason != "" {
		reasonArg = &reason
	}

	query := `
		INSERT INTO token_blacklist (token_hash, expires_at, reason, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (token_hash) DO NOTHING
	`
	if _, err := db.Pool.Exec(ctx, query, tokenHash, expiresAt, reasonArg); err != nil {
		return fmt.Errorf("insert blacklist entry: %w", err)
	}
	return nil
}

func (db *Postgres) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE token_hash = $1)
	`, tokenHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup blacklist: %w", err)
	}
	return exists, nil
}

// DeleteExpiredRefreshTokens removes rows that are both revoked and past
// expiry. Live tokens are never touched.
func (db *Postgres) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE revoked = TRUE AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *Postgres) DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM token_blacklist
		WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired blacklist entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
