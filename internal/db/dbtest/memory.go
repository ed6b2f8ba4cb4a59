// Package dbtest provides an in-memory credential store for tests. It mirrors
// the Postgres store semantics, including the conditional revoke that
// serializes concurrent rotations.
package dbtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tourbook/auth-service/internal/db"
	"github.com/tourbook/auth-service/internal/model"
)

type Store struct {
	mu        sync.Mutex
	fail      error
	accounts  map[string]*model.Account
	refresh   []*model.RefreshToken
	blacklist map[string]time.Time
	nextID    int64
}

func NewStore() *Store {
	return &Store{
		accounts:  make(map[string]*model.Account),
		blacklist: make(map[string]time.Time),
	}
}

// SetFailure makes every subsequent call return err. Pass nil to recover.
func (f *Store) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *Store) CreateUser(ctx context.Context, email, passwordHash, name string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	for _, a := range f.accounts {
		if a.Email == email {
			return nil, db.ErrConflict
		}
	}
	now := time.Now()
	a := &model.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Name:         name,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.accounts[a.ID] = a
	copied := *a
	return &copied, nil
}

func (f *Store) GetUserByEmail(ctx context.Context, email string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	for _, a := range f.accounts {
		if strings.EqualFold(a.Email, email) {
			copied := *a
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *Store) GetUserByID(ctx context.Context, userID string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	a, ok := f.accounts[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *Store) InsertRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	return f.insertLocked(userID, tokenHash, expiresAt)
}

func (f *Store) insertLocked(userID, tokenHash string, expiresAt time.Time) error {
	for _, r := range f.refresh {
		if r.TokenHash == tokenHash {
			return db.ErrConflict
		}
	}
	f.nextID++
	f.refresh = append(f.refresh, &model.RefreshToken{
		ID:        f.nextID,
		AccountID: userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *Store) FindActiveRefreshToken(ctx context.Context, userID, tokenHash string) (*model.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	for _, r := range f.refresh {
		if r.AccountID == userID && r.TokenHash == tokenHash && !r.Revoked {
			copied := *r
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *Store) RotateRefreshToken(ctx context.Context, oldTokenID int64, userID, newTokenHash string, newExpiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	var old *model.RefreshToken
	for _, r := range f.refresh {
		if r.ID == oldTokenID && !r.Revoked {
			old = r
		}
	}
	if old == nil {
		return db.ErrAlreadyRevoked
	}
	if err := f.insertLocked(userID, newTokenHash, newExpiresAt); err != nil {
		return err
	}
	old.Revoked = true
	return nil
}

func (f *Store) RevokeUserRefreshTokens(ctx context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	hashes := []string{}
	for _, r := range f.refresh {
		if r.AccountID == userID && !r.Revoked {
			r.Revoked = true
			hashes = append(hashes, r.TokenHash)
		}
	}
	return hashes, nil
}

func (f *Store) InsertBlacklistEntry(ctx context.Context, tokenHash string, expiresAt time.Time, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if _, ok := f.blacklist[tokenHash]; !ok {
		f.blacklist[tokenHash] = expiresAt
	}
	return nil
}

func (f *Store) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return false, f.fail
	}
	_, ok := f.blacklist[tokenHash]
	return ok, nil
}

func (f *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	kept := f.refresh[:0]
	var deleted int64
	for _, r := range f.refresh {
		if r.Revoked && r.ExpiresAt.Before(now) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	f.refresh = kept
	return deleted, nil
}

func (f *Store) DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	var deleted int64
	for hash, exp := range f.blacklist {
		if exp.Before(now) {
			delete(f.blacklist, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (f *Store) ActiveRefreshCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.refresh {
		if r.AccountID == userID && !r.Revoked {
			n++
		}
	}
	return n
}

func (f *Store) Disable(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[userID].Active = false
}

// Revoke marks the refresh row with tokenHash as revoked.
func (f *Store) Revoke(tokenHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.refresh {
		if r.TokenHash == tokenHash {
			r.Revoked = true
		}
	}
}

func (f *Store) RefreshHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes := make([]string, 0, len(f.refresh))
	for _, r := range f.refresh {
		hashes = append(hashes, r.TokenHash)
	}
	return hashes
}

func (f *Store) BlacklistedHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes := make([]string, 0, len(f.blacklist))
	for h := range f.blacklist {
		hashes = append(hashes, h)
	}
	return hashes
}

func (f *Store) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}
