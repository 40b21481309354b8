package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/baitline-ai/baitline/internal/store"
)

// KeyStore abstracts the key lookup for testability.
type KeyStore interface {
	LookupKeyByPrefix(ctx context.Context, prefix string) (*store.APIKey, error)
}

// StoreAuthenticator validates API keys against the api_keys table.
// Uses Cache with stale-while-revalidate to keep DB + bcrypt off the hot path.
// Auth failures always return an error; nothing runs without valid auth.
type StoreAuthenticator struct {
	store  KeyStore
	cache  *Cache
	logger *zap.Logger
}

// StoreAuthConfig configures the StoreAuthenticator.
type StoreAuthConfig struct {
	Store    KeyStore
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewStoreAuthenticator creates an authenticator backed by a key store.
func NewStoreAuthenticator(cfg StoreAuthConfig) *StoreAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &StoreAuthenticator{
		store:  cfg.Store,
		cache:  NewCache(ttl),
		logger: cfg.Logger,
	}
}

// Authenticate validates the API key against the store.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale key, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. On store error: ErrAuthUnavailable, never a silent pass.
func (a *StoreAuthenticator) Authenticate(ctx context.Context, apiKey string) (*KeyContext, error) {
	result := a.cache.Get(apiKey)

	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Key, nil
	}

	key, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(apiKey, key)
	return key, nil
}

// backgroundRefresh performs the DB + bcrypt lookup off the request path.
// Errors are logged but don't affect the caller, who already got the stale value.
func (a *StoreAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background cache refresh failed", zap.Error(err))
		// Drop the entry so the next stale read retries the lookup.
		a.cache.Delete(apiKey)
		return
	}

	a.cache.Set(apiKey, key)
}

// lookupAndVerify does the full prefix lookup + bcrypt verification.
func (a *StoreAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*KeyContext, error) {
	if len(apiKey) < store.KeyPrefixLength {
		return nil, ErrInvalidAPIKey
	}
	prefix := apiKey[:store.KeyPrefixLength]

	row, err := a.store.LookupKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		return nil, ErrInvalidAPIKey
	}
	if row.Disabled {
		return nil, ErrKeyRevoked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &KeyContext{KeyID: row.ID, Name: row.Name}, nil
}

func (a *StoreAuthenticator) handleLookupError(lookupErr error) (*KeyContext, error) {
	if errors.Is(lookupErr, ErrInvalidAPIKey) || errors.Is(lookupErr, ErrKeyRevoked) {
		return nil, lookupErr
	}

	a.logger.Warn("auth store unreachable", zap.Error(lookupErr))
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
