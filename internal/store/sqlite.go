package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is the embedded Store implementation for single-node and local runs.
// Schema is created on open.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id      TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	turn            INTEGER NOT NULL DEFAULT 0,
	posture         TEXT NOT NULL DEFAULT '',
	suspicion       REAL NOT NULL DEFAULT 0,
	scam_category   TEXT NOT NULL DEFAULT '',
	indicator_count INTEGER NOT NULL DEFAULT 0,
	indicator_types TEXT NOT NULL DEFAULT '[]',
	finalize_cause  TEXT NOT NULL DEFAULT '',
	delivered       INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	last_activity   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
	session_id     TEXT PRIMARY KEY,
	report_id      TEXT NOT NULL,
	scam_category  TEXT NOT NULL DEFAULT '',
	finalize_cause TEXT NOT NULL,
	emergency      INTEGER NOT NULL DEFAULT 0,
	turns          INTEGER NOT NULL DEFAULT 0,
	payload        TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	key_hash   TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	disabled   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);
CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);
`

// NewSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("NewSQLite: %w", err)
	}
	// modernc's driver is not safe for concurrent writes over multiple conns.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewSQLite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveSession(ctx context.Context, rec *SessionRecord) error {
	types, err := json.Marshal(rec.IndicatorTypes)
	if err != nil {
		return fmt.Errorf("SaveSession: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, state, turn, posture, suspicion,
		                      scam_category, indicator_count, indicator_types,
		                      finalize_cause, delivered, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			state           = excluded.state,
			turn            = excluded.turn,
			posture         = excluded.posture,
			suspicion       = excluded.suspicion,
			scam_category   = excluded.scam_category,
			indicator_count = excluded.indicator_count,
			indicator_types = excluded.indicator_types,
			finalize_cause  = excluded.finalize_cause,
			delivered       = excluded.delivered,
			last_activity   = excluded.last_activity`,
		rec.SessionID, rec.State, rec.Turn, rec.Posture, rec.Suspicion,
		rec.ScamCategory, rec.IndicatorCount, string(types),
		rec.FinalizeCause, boolToInt(rec.Delivered), rec.CreatedAt, rec.LastActivity)
	if err != nil {
		return fmt.Errorf("SaveSession: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		types     string
		delivered int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, state, turn, posture, suspicion, scam_category,
		       indicator_count, indicator_types, finalize_cause, delivered,
		       created_at, last_activity
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&rec.SessionID, &rec.State, &rec.Turn, &rec.Posture, &rec.Suspicion,
		&rec.ScamCategory, &rec.IndicatorCount, &types, &rec.FinalizeCause,
		&delivered, &rec.CreatedAt, &rec.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	rec.Delivered = delivered != 0
	if err := json.Unmarshal([]byte(types), &rec.IndicatorTypes); err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	return &rec, nil
}

func (s *SQLite) SaveReport(ctx context.Context, rec *ReportRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (session_id, report_id, scam_category, finalize_cause,
		                     emergency, turns, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			report_id      = excluded.report_id,
			scam_category  = excluded.scam_category,
			finalize_cause = excluded.finalize_cause,
			emergency      = excluded.emergency,
			turns          = excluded.turns,
			payload        = excluded.payload`,
		rec.SessionID, rec.ReportID, rec.ScamCategory, rec.FinalizeCause,
		boolToInt(rec.Emergency), rec.Turns, string(rec.Payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("SaveReport: %w", err)
	}
	return nil
}

func (s *SQLite) GetReport(ctx context.Context, sessionID string) (*ReportRecord, error) {
	var (
		rec       ReportRecord
		emergency int
		payload   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, report_id, scam_category, finalize_cause,
		       emergency, turns, payload, created_at
		FROM reports WHERE session_id = ?`, sessionID,
	).Scan(&rec.SessionID, &rec.ReportID, &rec.ScamCategory, &rec.FinalizeCause,
		&emergency, &rec.Turns, &payload, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetReport: %w", err)
	}
	rec.Emergency = emergency != 0
	rec.Payload = []byte(payload)
	return &rec, nil
}

func (s *SQLite) ListReports(ctx context.Context, limit int) ([]*ReportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, report_id, scam_category, finalize_cause,
		       emergency, turns, payload, created_at
		FROM reports ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListReports: %w", err)
	}
	defer rows.Close()

	var out []*ReportRecord
	for rows.Next() {
		var (
			rec       ReportRecord
			emergency int
			payload   string
		)
		if err := rows.Scan(&rec.SessionID, &rec.ReportID, &rec.ScamCategory,
			&rec.FinalizeCause, &emergency, &rec.Turns, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListReports: %w", err)
		}
		rec.Emergency = emergency != 0
		rec.Payload = []byte(payload)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateAPIKey(ctx context.Context, name string) (*APIKey, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}

	now := time.Now().UTC()
	k := APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, disabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.KeyPrefix, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}
	return &k, fullKey, nil
}

func (s *SQLite) LookupKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var (
		k        APIKey
		disabled int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, disabled, created_at, updated_at
		FROM api_keys WHERE key_prefix = ?`, prefix,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &disabled, &k.CreatedAt, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupKeyByPrefix: %w", err)
	}
	k.Disabled = disabled != 0
	return &k, nil
}

func (s *SQLite) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET disabled = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("RevokeAPIKey: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
