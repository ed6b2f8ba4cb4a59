package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgres(mock, time.Second), mock
}

var userRowColumns = []string{"id", "email", "password_hash", "name", "active", "created_at", "updated_at"}

func TestCreateUser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "a@x.com", "hash", "a").
		WillReturnRows(pgxmock.NewRows(userRowColumns).
			AddRow("7b0c6a5e-3c1f-4a55-9a1e-2a0b8f0e4b11", "a@x.com", "hash", "a", true, now, now))

	user, err := store.CreateUser(context.Background(), "a@x.com", "hash", "a")
	require.NoError(t, err)
	assert.Equal(t, "7b0c6a5e-3c1f-4a55-9a1e-2a0b8f0e4b11", user.ID)
	assert.True(t, user.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "a@x.com", "hash", "a").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.CreateUser(context.Background(), "a@x.com", "hash", "a")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetUserByEmailNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM users\s+WHERE email = \$1`).
		WithArgs("missing@x.com").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetUserByEmail(context.Background(), "missing@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUserByIDDBError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM users\s+WHERE id = \$1`).
		WithArgs("acc-1").
		WillReturnError(errors.New("db down"))

	_, err := store.GetUserByID(context.Background(), "acc-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "db down")
}

func TestFindActiveRefreshToken(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour)

	mock.ExpectQuery(`FROM refresh_tokens\s+WHERE user_id = \$1 AND token_hash = \$2 AND revoked = FALSE`).
		WithArgs("acc-1", "h1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "revoked", "created_at"}).
			AddRow(int64(42), "acc-1", "h1", exp, false, time.Now()))

	rec, err := store.FindActiveRefreshToken(context.Background(), "acc-1", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.False(t, rec.Revoked)
}

func TestFindActiveRefreshTokenMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM refresh_tokens`).
		WithArgs("acc-1", "h1").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindActiveRefreshToken(context.Background(), "acc-1", "h1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateRefreshToken(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE refresh_tokens\s+SET revoked = TRUE\s+WHERE id = \$1 AND revoked = FALSE`).
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs("acc-1", "h2", exp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.RotateRefreshToken(context.Background(), 42, "acc-1", "h2", exp))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshTokenLostRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := store.RotateRefreshToken(context.Background(), 42, "acc-1", "h2", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshTokenInsertFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE refresh_tokens`).
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs("acc-1", "h2", exp).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.RotateRefreshToken(context.Background(), 42, "acc-1", "h2", exp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert rotated token")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeUserRefreshTokens(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE refresh_tokens\s+SET revoked = TRUE\s+WHERE user_id = \$1 AND revoked = FALSE\s+RETURNING token_hash`).
		WithArgs("acc-1").
		WillReturnRows(pgxmock.NewRows([]string{"token_hash"}).AddRow("h1").AddRow("h2"))

	hashes, err := store.RevokeUserRefreshTokens(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, hashes)
}

func TestRevokeUserRefreshTokensNothingActive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE refresh_tokens`).
		WithArgs("acc-1").
		WillReturnRows(pgxmock.NewRows([]string{"token_hash"}))

	hashes, err := store.RevokeUserRefreshTokens(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestInsertBlacklistEntry(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(time.Minute)
	reason := "logout"

	mock.ExpectExec(`(?s)INSERT INTO token_blacklist.*ON CONFLICT \(token_hash\) DO NOTHING`).
		WithArgs("h1", exp, &reason).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertBlacklistEntry(context.Background(), "h1", exp, reason))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTokenBlacklisted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("h1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.IsTokenBlacklisted(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteExpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec(`DELETE FROM refresh_tokens\s+WHERE revoked = TRUE AND expires_at < \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM token_blacklist\s+WHERE expires_at < \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := store.DeleteExpiredRefreshTokens(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.DeleteExpiredBlacklistEntries(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
