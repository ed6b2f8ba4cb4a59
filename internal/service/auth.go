package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tourbook/auth-service/internal/credential"
	"github.com/tourbook/auth-service/internal/db"
	"github.com/tourbook/auth-service/internal/model"
	"github.com/tourbook/auth-service/internal/obs"
	"github.com/tourbook/auth-service/internal/token"
	"go.uber.org/zap"
)

const logoutReason = "logout"

// CredentialStore is the authoritative persistence of accounts, refresh
// tokens and blacklisted access tokens.
type CredentialStore interface {
	CreateUser(ctx context.Context, email, passwordHash, name string) (*model.Account, error)
	GetUserByEmail(ctx context.Context, email string) (*model.Account, error)
	GetUserByID(ctx context.Context, userID string) (*model.Account, error)
	InsertRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	FindActiveRefreshToken(ctx context.Context, userID, tokenHash string) (*model.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldTokenID int64, userID, newTokenHash string, newExpiresAt time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string) ([]string, error)
	InsertBlacklistEntry(ctx context.Context, tokenHash string, expiresAt time.Time, reason string) error
	IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error)
}

// TokenCache mirrors store state for fast lookups. Its errors are never fatal.
type TokenCache interface {
	SetRefreshValid(ctx context.Context, accountID, tokenHash string, ttl time.Duration) error
	DeleteRefresh(ctx context.Context, accountID string, tokenHashes ...string) error
	SetBlacklisted(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)
}

type AuthService struct {
	store     CredentialStore
	cache     TokenCache
	codec     *token.Codec
	validator *credential.Validator
	logger    *zap.Logger
	metrics   *obs.Metrics
	now       func() time.Time
}

func NewAuthService(store CredentialStore, cache TokenCache, codec *token.Codec, validator *credential.Validator, logger *zap.Logger, metrics *obs.Metrics) *AuthService {
	return &AuthService{
		store:     store,
		cache:     cache,
		codec:     codec,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (s *AuthService) AccessTTL() time.Duration {
	return s.codec.TTL(token.KindAccess)
}

func (s *AuthService) Algorithm() string { return s.codec.Algorithm() }

func (s *AuthService) KeyID() string { return s.codec.KeyID() }

// Register creates an active account. No tokens are issued; the caller logs
// in afterwards.
func (s *AuthService) Register(ctx context.Context, email, password, name string) (_ *model.RegisteredAccount, err error) {
	defer s.observe("register", time.Now(), &err)

	email = credential.NormalizeEmail(email)
	if !s.validator.ValidateEmailShape(email) {
		return nil, ErrInvalidEmail
	}
	if err := s.validator.ValidatePasswordPolicy(password); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWeakPassword, err)
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, dependencyError("lookup account", err)
	}

	hash, err := s.validator.Hash(password)
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	account, err := s.store.CreateUser(ctx, email, hash, name)
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, dependencyError("create account", err)
	}

	s.logger.Info("account registered", zap.String("account_id", account.ID))
	return &model.RegisteredAccount{UserID: account.ID, Email: account.Email}, nil
}

// Login never tells an unknown email apart from a wrong password.
func (s *AuthService) Login(ctx context.Context, email, password string) (_ *model.TokenPair, err error) {
	defer s.observe("login", time.Now(), &err)

	account, err := s.store.GetUserByEmail(ctx, credential.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, dependencyError("lookup account", err)
	}
	if !account.Active {
		return nil, ErrAccountDisabled
	}
	if !s.validator.Matches(password, account.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	pair, refreshHash, refreshExp, err := s.issuePair(account)
	if err != nil {
		return nil, err
	}

	if err := s.store.InsertRefreshToken(ctx, account.ID, refreshHash, refreshExp); err != nil {
		return nil, dependencyError("persist refresh token", err)
	}
	if err := s.cache.SetRefreshValid(ctx, account.ID, refreshHash, refreshExp.Sub(s.now())); err != nil {
		s.metrics.CacheError("login")
	}

	s.logger.Info("login succeeded", zap.String("account_id", account.ID))
	return pair, nil
}

// Refresh rotates a refresh token. The presented token is revoked in the same
// transaction that persists its successor, so each refresh token works once.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (_ *model.TokenPair, err error) {
	defer s.observe("refresh", time.Now(), &err)

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}

	claims, err := s.codec.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, mapCodecError(err)
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, ErrInvalidToken
	}

	account, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, dependencyError("lookup account", err)
	}
	if !account.Active {
		return nil, ErrInvalidToken
	}

	oldHash := token.Hash(refreshToken)
	record, err := s.store.FindActiveRefreshToken(ctx, account.ID, oldHash)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, dependencyError("lookup refresh token", err)
	}
	if !record.ExpiresAt.After(s.now()) {
		return nil, ErrTokenExpired
	}

	pair, newHash, newExp, err := s.issuePair(account)
	if err != nil {
		return nil, err
	}

	if err := s.store.RotateRefreshToken(ctx, record.ID, account.ID, newHash, newExp); err != nil {
		if errors.Is(err, db.ErrAlreadyRevoked) {
			return nil, ErrTokenRevoked
		}
		return nil, dependencyError("rotate refresh token", err)
	}

	if err := s.cache.DeleteRefresh(ctx, account.ID, oldHash); err != nil {
		s.metrics.CacheError("refresh")
	}
	if err := s.cache.SetRefreshValid(ctx, account.ID, newHash, newExp.Sub(s.now())); err != nil {
		s.metrics.CacheError("refresh")
	}

	s.logger.Debug("refresh token rotated",
		zap.String("account_id", account.ID), zap.String("old_hash", obs.HashPrefix(oldHash)))
	return pair, nil
}

// Logout revokes every refresh token of the account and blacklists the
// presented access token for the rest of its lifetime. Only the refresh
// revocation can fail the call; the blacklist and cache steps are logged.
func (s *AuthService) Logout(ctx context.Context, accountID, accessToken string) (err error) {
	defer s.observe("logout", time.Now(), &err)

	revoked, err := s.store.RevokeUserRefreshTokens(ctx, accountID)
	if err != nil {
		return dependencyError("revoke refresh tokens", err)
	}

	log := obs.WithTrace(ctx, s.logger).With(zap.String("account_id", accountID))

	if claims, decodeErr := s.codec.DecodeUnsafe(accessToken); decodeErr != nil {
		log.Warn("logout: access token not decodable, skipping blacklist", zap.Error(decodeErr))
	} else if exp := claims.ExpiresAtTime(); exp.After(s.now()) {
		hash := token.Hash(accessToken)
		if err := s.store.InsertBlacklistEntry(ctx, hash, exp, logoutReason); err != nil {
			log.Error("logout: blacklist insert failed", zap.String("hash", obs.HashPrefix(hash)), zap.Error(err))
		}
		if err := s.cache.SetBlacklisted(ctx, hash, exp.Sub(s.now())); err != nil {
			s.metrics.CacheError("logout")
		}
	}

	if err := s.cache.DeleteRefresh(ctx, accountID, revoked...); err != nil {
		s.metrics.CacheError("logout")
	}

	log.Info("logout completed", zap.Int("revoked_refresh_tokens", len(revoked)))
	return nil
}

// ValidateToken rejects blacklisted tokens before looking at the signature.
// A cache miss or cache failure falls through to the store.
func (s *AuthService) ValidateToken(ctx context.Context, accessToken string) (_ *token.Claims, err error) {
	defer s.observe("validate", time.Now(), &err)

	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, ErrInvalidToken
	}

	hash := token.Hash(accessToken)
	hit, cacheErr := s.cache.IsBlacklisted(ctx, hash)
	if cacheErr != nil {
		s.metrics.CacheError("validate")
	}
	if hit {
		return nil, ErrTokenRevoked
	}

	blacklisted, err := s.store.IsTokenBlacklisted(ctx, hash)
	if err != nil {
		return nil, dependencyError("lookup blacklist", err)
	}
	if blacklisted {
		return nil, ErrTokenRevoked
	}

	claims, err := s.codec.Verify(accessToken, token.KindAccess)
	if err != nil {
		return nil, mapCodecError(err)
	}
	return claims, nil
}

func (s *AuthService) GetAccount(ctx context.Context, accountID string) (_ *model.AccountProfile, err error) {
	defer s.observe("get_account", time.Now(), &err)

	if _, err := uuid.Parse(accountID); err != nil {
		return nil, ErrAccountNotFound
	}

	account, err := s.store.GetUserByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, dependencyError("lookup account", err)
	}
	return &model.AccountProfile{ID: account.ID, Email: account.Email, Name: account.Name}, nil
}

func (s *AuthService) issuePair(account *model.Account) (*model.TokenPair, string, time.Time, error) {
	accessTTL := s.codec.TTL(token.KindAccess)

	accessToken, _, err := s.codec.Issue(account.ID, account.Email, token.KindAccess, accessTTL)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	refreshToken, refreshClaims, err := s.codec.Issue(account.ID, account.Email, token.KindRefresh, s.codec.TTL(token.KindRefresh))
	if err != nil {
		return nil, "", time.Time{}, err
	}

	pair := &model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(accessTTL / time.Second),
	}
	return pair, token.Hash(refreshToken), refreshClaims.ExpiresAtTime(), nil
}

func (s *AuthService) observe(operation string, started time.Time, err *error) {
	kind := errorKind(*err)
	s.metrics.ObserveOperation(operation, kind, started)
	if kind == "dependency_unavailable" || kind == "internal" {
		s.logger.Error("auth operation failed", zap.String("operation", operation), zap.Error(*err))
	}
}

func mapCodecError(err error) error {
	if errors.Is(err, token.ErrExpired) {
		return ErrTokenExpired
	}
	return ErrInvalidToken
}
