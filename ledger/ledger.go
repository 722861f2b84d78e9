// Package ledger is the durable, queryable audit store of issued refresh
// tokens: one row per token, kept after revocation for session history.
//
// The ledger stores the SHA-256 hash of the opaque token, never the token
// itself. Validity decisions belong to the session manager; rows here are
// the audit trail and the multi-device session listing.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Revocation reasons written to refresh_tokens.revoked_reason. These are a
// durable contract with reporting queries; do not rename casually.
const (
	ReasonTokenRefreshed = "token_refreshed"
	ReasonUserRevoked    = "user_revoked_session"
	ReasonLogoutAll      = "logout_all_devices"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("ledger row not found")
	// ErrUnavailable indicates the database is unreachable or the query
	// failed for infrastructure reasons.
	ErrUnavailable = errors.New("session ledger unavailable")
	// ErrDuplicateToken is returned when a token hash collides with an
	// existing row.
	ErrDuplicateToken = errors.New("duplicate refresh token")
)

// Row is one issued refresh token with its device metadata and lifecycle.
type Row struct {
	ID            uuid.UUID
	TokenHash     string
	UserID        int64
	DeviceName    string
	DeviceType    string
	IP            string
	Location      string
	UserAgent     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason string
	LastUsedAt    time.Time
}

// Ledger runs queries against the refresh_tokens table.
type Ledger struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const rowColumns = `id, token_hash, user_id, device_name, device_type, ip, location, user_agent,
		issued_at, expires_at, revoked, revoked_at, revoked_reason, last_used_at`

// Insert writes a new token row.
func (l *Ledger) Insert(ctx context.Context, row *Row) error {
	const query = `
		INSERT INTO refresh_tokens (id, token_hash, user_id, device_name, device_type, ip, location,
			user_agent, issued_at, expires_at, revoked, revoked_at, revoked_reason, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, NULL, '', $11)`

	_, err := l.db.ExecContext(ctx, query,
		row.ID, row.TokenHash, row.UserID,
		row.DeviceName, row.DeviceType, row.IP, row.Location, row.UserAgent,
		row.IssuedAt, row.ExpiresAt, row.LastUsedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetByTokenHash fetches the row for a token hash.
func (l *Ledger) GetByTokenHash(ctx context.Context, tokenHash string) (*Row, error) {
	query := `SELECT ` + rowColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	return l.scanRow(l.db.QueryRowContext(ctx, query, tokenHash))
}

// GetByID fetches the row for a token id belonging to a user. Scoping by
// user prevents revoking another principal's session by guessed id.
func (l *Ledger) GetByID(ctx context.Context, userID int64, id uuid.UUID) (*Row, error) {
	query := `SELECT ` + rowColumns + ` FROM refresh_tokens WHERE id = $1 AND user_id = $2`
	return l.scanRow(l.db.QueryRowContext(ctx, query, id, userID))
}

// Revoke marks one row revoked with the given reason. Revocation is
// one-way; an already-revoked row is left untouched.
func (l *Ledger) Revoke(ctx context.Context, id uuid.UUID, reason string) error {
	const query = `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE id = $1 AND revoked = FALSE`

	result, err := l.db.ExecContext(ctx, query, id, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForUser marks every live row for the user revoked and returns
// the token hashes so the caller can purge the fast store.
func (l *Ledger) RevokeAllForUser(ctx context.Context, userID int64, reason string) ([]string, error) {
	const query = `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, revoked_reason = $3
		WHERE user_id = $1 AND revoked = FALSE
		RETURNING token_hash`

	rows, err := l.db.QueryContext(ctx, query, userID, time.Now().UTC(), reason)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return hashes, nil
}

// ListActive returns the user's live sessions, most recently used first.
func (l *Ledger) ListActive(ctx context.Context, userID int64) ([]Row, error) {
	query := `SELECT ` + rowColumns + `
		FROM refresh_tokens
		WHERE user_id = $1 AND revoked = FALSE AND expires_at > $2
		ORDER BY last_used_at DESC`

	rows, err := l.db.QueryContext(ctx, query, userID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		row, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

// TouchLastUsed records activity on a token row.
func (l *Ledger) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE refresh_tokens SET last_used_at = $2 WHERE id = $1`
	if _, err := l.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (l *Ledger) scanRow(s scanner) (*Row, error) {
	return scanInto(s)
}

func scanInto(s scanner) (*Row, error) {
	var (
		row       Row
		revokedAt sql.NullTime
	)
	err := s.Scan(
		&row.ID, &row.TokenHash, &row.UserID,
		&row.DeviceName, &row.DeviceType, &row.IP, &row.Location, &row.UserAgent,
		&row.IssuedAt, &row.ExpiresAt, &row.Revoked, &revokedAt, &row.RevokedReason, &row.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		row.RevokedAt = &t
	}
	return &row, nil
}
