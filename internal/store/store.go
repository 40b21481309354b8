package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Store persists session snapshots, finalized engagement reports, and API
// keys. Two implementations exist: Postgres for deployments and SQLite for
// single-node or local runs.
type Store interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	SaveReport(ctx context.Context, rec *ReportRecord) error
	GetReport(ctx context.Context, sessionID string) (*ReportRecord, error)
	ListReports(ctx context.Context, limit int) ([]*ReportRecord, error)

	CreateAPIKey(ctx context.Context, name string) (*APIKey, string, error)
	LookupKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error

	Close() error
}

// SessionRecord is a durable session snapshot, written when a session
// finalizes so its outcome survives a restart of the in-memory engine.
type SessionRecord struct {
	SessionID      string
	State          string
	Turn           int
	Posture        string
	Suspicion      float64
	ScamCategory   string
	IndicatorCount int
	IndicatorTypes []string
	FinalizeCause  string
	Delivered      bool
	CreatedAt      time.Time
	LastActivity   time.Time
}

// ReportRecord is a persisted finalized-session report. Payload holds the
// full report JSON; the remaining columns exist for querying.
type ReportRecord struct {
	SessionID     string
	ReportID      string
	ScamCategory  string
	FinalizeCause string
	Emergency     bool
	Turns         int
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// APIKey is a row in the api_keys table. The plaintext key is never stored.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	KeyPrefix string
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// KeyPrefixLength is the number of leading key characters stored in clear
// for lookup before bcrypt verification.
const KeyPrefixLength = 8

// GenerateAPIKey creates a new ebk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the caller once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "ebk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:KeyPrefixLength] // "ebk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}
