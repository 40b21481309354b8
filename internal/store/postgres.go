package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is the Store implementation backed by PostgreSQL via pgx.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against the given DSN and verifies it.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewPostgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (s *Postgres) Close() error { return s.db.Close() }

// SaveSession upserts a durable session snapshot keyed by session ID.
func (s *Postgres) SaveSession(ctx context.Context, rec *SessionRecord) error {
	types, err := json.Marshal(rec.IndicatorTypes)
	if err != nil {
		return fmt.Errorf("SaveSession: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, state, turn, posture, suspicion,
		                      scam_category, indicator_count, indicator_types,
		                      finalize_cause, delivered, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			state           = EXCLUDED.state,
			turn            = EXCLUDED.turn,
			posture         = EXCLUDED.posture,
			suspicion       = EXCLUDED.suspicion,
			scam_category   = EXCLUDED.scam_category,
			indicator_count = EXCLUDED.indicator_count,
			indicator_types = EXCLUDED.indicator_types,
			finalize_cause  = EXCLUDED.finalize_cause,
			delivered       = EXCLUDED.delivered,
			last_activity   = EXCLUDED.last_activity`,
		rec.SessionID, rec.State, rec.Turn, rec.Posture, rec.Suspicion,
		rec.ScamCategory, rec.IndicatorCount, types,
		rec.FinalizeCause, rec.Delivered, rec.CreatedAt, rec.LastActivity)
	if err != nil {
		return fmt.Errorf("SaveSession: %w", err)
	}
	return nil
}

// GetSession returns the session snapshot, or nil if not found.
func (s *Postgres) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var (
		rec   SessionRecord
		types []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, state, turn, posture, suspicion, scam_category,
		       indicator_count, indicator_types, finalize_cause, delivered,
		       created_at, last_activity
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&rec.SessionID, &rec.State, &rec.Turn, &rec.Posture, &rec.Suspicion,
		&rec.ScamCategory, &rec.IndicatorCount, &types, &rec.FinalizeCause,
		&rec.Delivered, &rec.CreatedAt, &rec.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	if err := json.Unmarshal(types, &rec.IndicatorTypes); err != nil {
		return nil, fmt.Errorf("GetSession: %w", err)
	}
	return &rec, nil
}

// SaveReport upserts a report keyed by session ID. A session finalizes once,
// so a conflict only happens on delivery retries; the newer payload wins.
func (s *Postgres) SaveReport(ctx context.Context, rec *ReportRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (session_id, report_id, scam_category, finalize_cause,
		                     emergency, turns, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			report_id      = EXCLUDED.report_id,
			scam_category  = EXCLUDED.scam_category,
			finalize_cause = EXCLUDED.finalize_cause,
			emergency      = EXCLUDED.emergency,
			turns          = EXCLUDED.turns,
			payload        = EXCLUDED.payload`,
		rec.SessionID, rec.ReportID, rec.ScamCategory, rec.FinalizeCause,
		rec.Emergency, rec.Turns, rec.Payload)
	if err != nil {
		return fmt.Errorf("SaveReport: %w", err)
	}
	return nil
}

// GetReport returns the report for a session, or nil if not found.
func (s *Postgres) GetReport(ctx context.Context, sessionID string) (*ReportRecord, error) {
	var rec ReportRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, report_id, scam_category, finalize_cause,
		       emergency, turns, payload, created_at
		FROM reports WHERE session_id = $1`, sessionID,
	).Scan(&rec.SessionID, &rec.ReportID, &rec.ScamCategory, &rec.FinalizeCause,
		&rec.Emergency, &rec.Turns, &rec.Payload, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetReport: %w", err)
	}
	return &rec, nil
}

// ListReports returns the most recent reports, newest first.
func (s *Postgres) ListReports(ctx context.Context, limit int) ([]*ReportRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, report_id, scam_category, finalize_cause,
		       emergency, turns, payload, created_at
		FROM reports ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListReports: %w", err)
	}
	defer rows.Close()

	var out []*ReportRecord
	for rows.Next() {
		var rec ReportRecord
		if err := rows.Scan(&rec.SessionID, &rec.ReportID, &rec.ScamCategory,
			&rec.FinalizeCause, &rec.Emergency, &rec.Turns, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListReports: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CreateAPIKey inserts a new key and returns the record plus the plaintext
// key (shown once).
func (s *Postgres) CreateAPIKey(ctx context.Context, name string) (*APIKey, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}

	var k APIKey
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (name, key_hash, key_prefix)
		VALUES ($1, $2, $3)
		RETURNING id, name, key_hash, key_prefix, disabled, created_at, updated_at`,
		name, keyHash, keyPrefix,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Disabled, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}
	return &k, fullKey, nil
}

// LookupKeyByPrefix finds a key by its clear prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify.
func (s *Postgres) LookupKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, disabled, created_at, updated_at
		FROM api_keys WHERE key_prefix = $1`, prefix,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Disabled, &k.CreatedAt, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupKeyByPrefix: %w", err)
	}
	return &k, nil
}

// RevokeAPIKey disables a key by ID.
func (s *Postgres) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET disabled = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("RevokeAPIKey: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
