package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func sampleRow() *Row {
	now := time.Now().UTC().Truncate(time.Second)
	return &Row{
		ID:         uuid.New(),
		TokenHash:  "a1b2c3",
		UserID:     42,
		DeviceName: "Pixel 9",
		DeviceType: "android",
		IP:         "203.0.113.7",
		Location:   "Lagos, NG",
		UserAgent:  "okhttp/4.12",
		IssuedAt:   now,
		ExpiresAt:  now.Add(30 * 24 * time.Hour),
		LastUsedAt: now,
	}
}

func rowColumnsHeader() []string {
	return []string{
		"id", "token_hash", "user_id", "device_name", "device_type", "ip", "location", "user_agent",
		"issued_at", "expires_at", "revoked", "revoked_at", "revoked_reason", "last_used_at",
	}
}

func mockRows(rows ...*Row) *sqlmock.Rows {
	out := sqlmock.NewRows(rowColumnsHeader())
	for _, r := range rows {
		var revokedAt interface{}
		if r.RevokedAt != nil {
			revokedAt = *r.RevokedAt
		}
		out.AddRow(r.ID, r.TokenHash, r.UserID, r.DeviceName, r.DeviceType, r.IP, r.Location,
			r.UserAgent, r.IssuedAt, r.ExpiresAt, r.Revoked, revokedAt, r.RevokedReason, r.LastUsedAt)
	}
	return out
}

func TestInsert(t *testing.T) {
	l, mock := newTestLedger(t)
	row := sampleRow()

	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(row.ID, row.TokenHash, row.UserID, row.DeviceName, row.DeviceType, row.IP,
			row.Location, row.UserAgent, row.IssuedAt, row.ExpiresAt, row.LastUsedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Insert(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicateHash(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := l.Insert(context.Background(), sampleRow())
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestInsertUnavailable(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WillReturnError(sql.ErrConnDone)

	err := l.Insert(context.Background(), sampleRow())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetByTokenHash(t *testing.T) {
	l, mock := newTestLedger(t)
	row := sampleRow()

	mock.ExpectQuery(`SELECT .+ FROM refresh_tokens WHERE token_hash`).
		WithArgs(row.TokenHash).
		WillReturnRows(mockRows(row))

	got, err := l.GetByTokenHash(context.Background(), row.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, row.ID, got.ID)
	assert.Equal(t, row.UserID, got.UserID)
	assert.False(t, got.Revoked)
	assert.Nil(t, got.RevokedAt)
}

func TestGetByTokenHashMissing(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery(`SELECT .+ FROM refresh_tokens WHERE token_hash`).
		WillReturnRows(mockRows())

	_, err := l.GetByTokenHash(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetByIDScopedToUser(t *testing.T) {
	l, mock := newTestLedger(t)
	row := sampleRow()

	mock.ExpectQuery(`SELECT .+ FROM refresh_tokens WHERE id = \$1 AND user_id = \$2`).
		WithArgs(row.ID, row.UserID).
		WillReturnRows(mockRows(row))

	got, err := l.GetByID(context.Background(), row.UserID, row.ID)
	require.NoError(t, err)
	assert.Equal(t, row.TokenHash, got.TokenHash)
}

func TestRevoke(t *testing.T) {
	l, mock := newTestLedger(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE refresh_tokens\s+SET revoked = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Revoke(context.Background(), id, ReasonTokenRefreshed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAlreadyRevoked(t *testing.T) {
	l, mock := newTestLedger(t)

	// WHERE revoked = FALSE matches nothing the second time; revocation is
	// one-way.
	mock.ExpectExec(`UPDATE refresh_tokens\s+SET revoked = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.Revoke(context.Background(), uuid.New(), ReasonUserRevoked)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeAllForUser(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery(`UPDATE refresh_tokens\s+SET revoked = TRUE.+RETURNING token_hash`).
		WillReturnRows(sqlmock.NewRows([]string{"token_hash"}).AddRow("h1").AddRow("h2"))

	hashes, err := l.RevokeAllForUser(context.Background(), 42, ReasonLogoutAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, hashes)
}

func TestRevokeAllForUserNone(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery(`UPDATE refresh_tokens\s+SET revoked = TRUE.+RETURNING token_hash`).
		WillReturnRows(sqlmock.NewRows([]string{"token_hash"}))

	hashes, err := l.RevokeAllForUser(context.Background(), 42, ReasonLogoutAll)
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestListActive(t *testing.T) {
	l, mock := newTestLedger(t)
	first, second := sampleRow(), sampleRow()
	second.LastUsedAt = second.LastUsedAt.Add(-time.Hour)

	mock.ExpectQuery(`SELECT .+ FROM refresh_tokens\s+WHERE user_id = \$1 AND revoked = FALSE AND expires_at > \$2`).
		WillReturnRows(mockRows(first, second))

	rows, err := l.ListActive(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, first.ID, rows[0].ID)
}

func TestTouchLastUsed(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec(`UPDATE refresh_tokens SET last_used_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.TouchLastUsed(context.Background(), uuid.New()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRevokedRow(t *testing.T) {
	l, mock := newTestLedger(t)
	row := sampleRow()
	revokedAt := time.Now().UTC().Truncate(time.Second)
	row.Revoked = true
	row.RevokedAt = &revokedAt
	row.RevokedReason = ReasonTokenRefreshed

	mock.ExpectQuery(`SELECT .+ FROM refresh_tokens WHERE token_hash`).
		WillReturnRows(mockRows(row))

	got, err := l.GetByTokenHash(context.Background(), row.TokenHash)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, revokedAt, *got.RevokedAt)
	assert.Equal(t, ReasonTokenRefreshed, got.RevokedReason)
}
