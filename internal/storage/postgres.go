package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/perkstack/loyalty-core/internal/rate"
	"github.com/perkstack/loyalty-core/internal/security"
)

var (
	ErrCodeNotFound  = errors.New("qr code not found")
	ErrCodeExhausted = errors.New("qr code exhausted")
	ErrCodeInactive  = errors.New("qr code not active")
)

// DatabaseError wraps storage failures so callers can distinguish them from
// domain errors without seeing driver internals.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InsertQRCode(ctx context.Context, code *QRCode) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO qr_codes (code, kind, business_id, customer_id, status, usage_count, max_uses, points_value, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, now(), now())
		RETURNING id
	`, code.Code, code.Kind, code.BusinessID, code.CustomerID, StatusActive, code.MaxUses, code.PointsValue, code.ExpiresAt).Scan(&id)
	if err != nil {
		return uuid.Nil, &DatabaseError{Op: "insert qr code", Err: err}
	}
	return id, nil
}

func (s *Store) GetQRCode(ctx context.Context, id uuid.UUID) (*QRCode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, code, kind, business_id, customer_id, status, usage_count, max_uses, points_value, expires_at, created_at, updated_at
		FROM qr_codes
		WHERE id = $1
	`, id)

	var code QRCode
	err := row.Scan(&code.ID, &code.Code, &code.Kind, &code.BusinessID, &code.CustomerID, &code.Status,
		&code.UsageCount, &code.MaxUses, &code.PointsValue, &code.ExpiresAt, &code.CreatedAt, &code.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, &DatabaseError{Op: "get qr code", Err: err}
	}
	return &code, nil
}

// RedeemQRCode bumps the usage counter and writes the audit row in one
// transaction. The row lock keeps concurrent scans from overshooting the
// usage cap.
func (s *Store) RedeemQRCode(ctx context.Context, id uuid.UUID, actor string, details map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &DatabaseError{Op: "begin redeem", Err: err}
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status string
	var usageCount, maxUses int
	err = tx.QueryRow(ctx, `
		SELECT status, usage_count, max_uses
		FROM qr_codes
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status, &usageCount, &maxUses)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCodeNotFound
	}
	if err != nil {
		return &DatabaseError{Op: "lock qr code", Err: err}
	}

	if status != StatusActive {
		return ErrCodeInactive
	}
	if maxUses > 0 && usageCount >= maxUses {
		return ErrCodeExhausted
	}

	newStatus := StatusActive
	if maxUses > 0 && usageCount+1 >= maxUses {
		newStatus = StatusExhausted
	}
	if _, err := tx.Exec(ctx, `
		UPDATE qr_codes
		SET usage_count = usage_count + 1, status = $2, updated_at = now()
		WHERE id = $1
	`, id, newStatus); err != nil {
		return &DatabaseError{Op: "update qr code", Err: err}
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_log (actor, action, entity, entity_id, details, created_at)
		VALUES ($1, 'qr_redeem', 'qr_code', $2, $3, now())
	`, actor, id.String(), detailsJSON); err != nil {
		return &DatabaseError{Op: "insert audit", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &DatabaseError{Op: "commit redeem", Err: err}
	}
	return nil
}

func (s *Store) RevokeQRCode(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE qr_codes
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, StatusRevoked, StatusActive)
	if err != nil {
		return &DatabaseError{Op: "revoke qr code", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeNotFound
	}
	return nil
}

func (s *Store) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	if len(entry.Details) == 0 {
		entry.Details = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (actor, action, entity, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, entry.Actor, entry.Action, entry.Entity, entry.EntityID, entry.Details)
	if err != nil {
		return &DatabaseError{Op: "insert audit", Err: err}
	}
	return nil
}

// InsertSecurityEvent implements security.Persister.
func (s *Store) InsertSecurityEvent(ctx context.Context, evt security.Event) error {
	details, err := json.Marshal(evt.Details)
	if err != nil {
		details = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO security_events (id, event_type, severity, ip, user_agent, fingerprint, scan_type, business_id, user_id, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, evt.ID, evt.Type, string(evt.Severity), evt.IP, evt.UserAgent, evt.Fingerprint,
		evt.ScanType, evt.BusinessID, evt.UserID, details, evt.Timestamp)
	if err != nil {
		return &DatabaseError{Op: "insert security event", Err: err}
	}
	return nil
}

// SaveRecord implements rate.Store against the rate_limit_records table.
func (s *Store) SaveRecord(ctx context.Context, rec *rate.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rate_limit_records (key, dimension, attempts, max_attempts, window_start, window_seconds, block_until, daily_attempts, daily_reset, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (key) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			window_start = EXCLUDED.window_start,
			window_seconds = EXCLUDED.window_seconds,
			block_until = EXCLUDED.block_until,
			daily_attempts = EXCLUDED.daily_attempts,
			daily_reset = EXCLUDED.daily_reset,
			updated_at = EXCLUDED.updated_at
	`, rec.Key, string(rec.Dimension), rec.Attempts, rec.MaxAttempts, rec.WindowStart,
		int(rec.Window/time.Second), nullableTime(rec.BlockUntil), rec.DailyAttempts,
		rec.DailyReset, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return &DatabaseError{Op: "save rate limit record", Err: err}
	}
	return nil
}

// LoadRecord implements rate.Store.
func (s *Store) LoadRecord(ctx context.Context, key string) (*rate.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key, dimension, attempts, max_attempts, window_start, window_seconds, block_until, daily_attempts, daily_reset, created_at, updated_at
		FROM rate_limit_records
		WHERE key = $1
	`, key)

	var rec rate.Record
	var dimension string
	var windowSeconds int
	var blockUntil *time.Time
	err := row.Scan(&rec.Key, &dimension, &rec.Attempts, &rec.MaxAttempts, &rec.WindowStart,
		&windowSeconds, &blockUntil, &rec.DailyAttempts, &rec.DailyReset, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &DatabaseError{Op: "load rate limit record", Err: err}
	}

	rec.Dimension = rate.Dimension(dimension)
	rec.Window = time.Duration(windowSeconds) * time.Second
	if blockUntil != nil {
		rec.BlockUntil = *blockUntil
	}
	return &rec, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
