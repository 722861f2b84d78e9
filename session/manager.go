// Package session issues, rotates, and revokes refresh sessions across the
// two stores: the ephemeral store holds the single source of truth for
// refresh-token validity, the ledger keeps the durable per-device history.
//
// Refresh tokens are opaque 48-byte values. The first 16 bytes are the
// session id, the rest is random secret; only the SHA-256 of the full token
// is ever stored.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veltapay/authcore/audit"
	"github.com/veltapay/authcore/ephemeral"
	"github.com/veltapay/authcore/ledger"
	"github.com/veltapay/authcore/token"
)

var (
	// ErrInvalidToken is returned for any refresh token that is unknown,
	// already used, expired, or revoked. Causes are not distinguished.
	ErrInvalidToken = errors.New("invalid refresh token")
	// ErrUnauthorized is the single failure answer for access-token
	// validation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionNotFound is returned when revoking a session id the user
	// does not own.
	ErrSessionNotFound = errors.New("session not found")
)

// PrincipalSource reads and advances the per-principal token version the
// access-token check compares against.
type PrincipalSource interface {
	TokenVersion(ctx context.Context, userID int64) (uint32, error)
	BumpTokenVersion(ctx context.Context, userID int64) (uint32, error)
}

// Ledger is the durable session store contract. *ledger.Ledger satisfies it.
type Ledger interface {
	Insert(ctx context.Context, row *ledger.Row) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*ledger.Row, error)
	GetByID(ctx context.Context, userID int64, id uuid.UUID) (*ledger.Row, error)
	Revoke(ctx context.Context, id uuid.UUID, reason string) error
	RevokeAllForUser(ctx context.Context, userID int64, reason string) ([]string, error)
	ListActive(ctx context.Context, userID int64) ([]ledger.Row, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}

// DeviceInfo is the client context captured when a session is created.
type DeviceInfo struct {
	Name      string
	Type      string
	IP        string
	Location  string
	UserAgent string
}

// Config controls session lifetimes.
type Config struct {
	RefreshTTL time.Duration
}

// DefaultConfig returns the standard session lifetime.
func DefaultConfig() Config {
	return Config{RefreshTTL: 30 * 24 * time.Hour}
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	SessionID        uuid.UUID
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Session is the caller-facing view of one active device session.
type Session struct {
	ID         uuid.UUID
	DeviceName string
	DeviceType string
	IP         string
	Location   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time
}

// Manager coordinates the ephemeral store, the ledger, and the access-token
// signer.
type Manager struct {
	cfg        Config
	store      *ephemeral.Store
	ledger     Ledger
	tokens     *token.Manager
	principals PrincipalSource
	audit      *audit.Dispatcher
}

// NewManager wires a Manager. The audit dispatcher may be nil.
func NewManager(cfg Config, store *ephemeral.Store, ldg Ledger, tokens *token.Manager, principals PrincipalSource, auditor *audit.Dispatcher) (*Manager, error) {
	if cfg.RefreshTTL <= 0 {
		return nil, errors.New("refresh ttl must be positive")
	}
	if store == nil || ldg == nil || tokens == nil || principals == nil {
		return nil, errors.New("session manager requires store, ledger, token manager, and principal source")
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		ledger:     ldg,
		tokens:     tokens,
		principals: principals,
		audit:      auditor,
	}, nil
}

// Issue creates a new session for the user: the refresh token becomes live
// the moment the ephemeral write lands, and the ledger row follows
// best-effort. A failed ledger write costs session history, never sign-in.
func (m *Manager) Issue(ctx context.Context, userID int64, device DeviceInfo) (*Pair, error) {
	tokenVersion, err := m.principals.TokenVersion(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.noteNewDevice(ctx, userID, device)

	pair, row, err := m.mint(ctx, userID, tokenVersion, device)
	if err != nil {
		return nil, err
	}

	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionIssued,
		UserID:    strconv.FormatInt(userID, 10),
		SessionID: row.ID.String(),
		IP:        device.IP,
		Success:   true,
	})
	return pair, nil
}

// Refresh rotates a session. The ephemeral GETDEL consumes the old token
// atomically, so of any number of concurrent presenters exactly one wins
// and the rest get ErrInvalidToken. Store unavailability is a denial.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, device DeviceInfo) (*Pair, error) {
	oldHash := hashToken(refreshToken)

	stored, err := m.store.GetDel(ctx, m.refreshKey(oldHash))
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	userID, err := strconv.ParseInt(stored, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}

	oldRow, err := m.ledger.GetByTokenHash(ctx, oldHash)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if oldRow.UserID != userID || oldRow.Revoked || time.Now().After(oldRow.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	// Presenting the token is a use of it; the history row keeps the
	// timestamp even though the row is about to be revoked.
	_ = m.ledger.TouchLastUsed(ctx, oldRow.ID)

	if err := m.ledger.Revoke(ctx, oldRow.ID, ledger.ReasonTokenRefreshed); err != nil {
		// The old token is already consumed from the fast store; a missed
		// revocation mark only affects history.
		m.noteLedgerFailure(ctx, userID, err)
	}

	tokenVersion, err := m.principals.TokenVersion(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := DeviceInfo{
		Name:      oldRow.DeviceName,
		Type:      oldRow.DeviceType,
		IP:        device.IP,
		Location:  device.Location,
		UserAgent: device.UserAgent,
	}
	if next.IP == "" {
		next.IP = oldRow.IP
	}
	if next.Location == "" {
		next.Location = oldRow.Location
	}
	if next.UserAgent == "" {
		next.UserAgent = oldRow.UserAgent
	}

	pair, row, err := m.mint(ctx, userID, tokenVersion, next)
	if err != nil {
		return nil, err
	}

	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionRefreshed,
		UserID:    strconv.FormatInt(userID, 10),
		SessionID: row.ID.String(),
		IP:        next.IP,
		Success:   true,
		Metadata:  map[string]string{"previous_session": oldRow.ID.String()},
	})
	return pair, nil
}

// RevokeOne kills a single session by id, scoped to the owning user.
func (m *Manager) RevokeOne(ctx context.Context, userID int64, sessionID uuid.UUID) error {
	row, err := m.ledger.GetByID(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	// Fast store first so the token stops working even if the ledger
	// update below fails.
	if err := m.store.Del(ctx, m.refreshKey(row.TokenHash)); err != nil {
		return err
	}
	if err := m.ledger.Revoke(ctx, row.ID, ledger.ReasonUserRevoked); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionRevoked,
		UserID:    strconv.FormatInt(userID, 10),
		SessionID: sessionID.String(),
		Success:   true,
		Metadata:  map[string]string{"reason": ledger.ReasonUserRevoked},
	})
	return nil
}

// RevokeByToken kills the session a refresh token belongs to, for sign-out
// where the client presents the token itself rather than a session id.
func (m *Manager) RevokeByToken(ctx context.Context, refreshToken string) error {
	tokenHash := hashToken(refreshToken)

	if err := m.store.Del(ctx, m.refreshKey(tokenHash)); err != nil {
		return err
	}

	row, err := m.ledger.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := m.ledger.Revoke(ctx, row.ID, ledger.ReasonUserRevoked); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionRevoked,
		UserID:    strconv.FormatInt(row.UserID, 10),
		SessionID: row.ID.String(),
		Success:   true,
		Metadata:  map[string]string{"reason": ledger.ReasonUserRevoked},
	})
	return nil
}

// RevokeAll signs the user out everywhere. The token version bump comes
// first: even if the purges below fail partway, outstanding access tokens
// already stopped validating.
func (m *Manager) RevokeAll(ctx context.Context, userID int64) error {
	if _, err := m.principals.BumpTokenVersion(ctx, userID); err != nil {
		return err
	}

	hashes, err := m.ledger.RevokeAllForUser(ctx, userID, ledger.ReasonLogoutAll)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, m.refreshKey(h))
	}
	if err := m.store.Del(ctx, keys...); err != nil {
		return err
	}

	m.emit(ctx, audit.Event{
		EventType: audit.EventSessionRevoked,
		UserID:    strconv.FormatInt(userID, 10),
		Success:   true,
		Metadata: map[string]string{
			"reason":   ledger.ReasonLogoutAll,
			"sessions": strconv.Itoa(len(hashes)),
		},
	})
	return nil
}

// BlacklistAccessToken marks an access token's jti as rejected for the rest
// of the token's lifetime. An already-expired token needs nothing.
func (m *Manager) BlacklistAccessToken(ctx context.Context, accessToken string) error {
	jti, remaining, err := m.tokens.ExtractForBlacklist(accessToken)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return nil
		}
		return err
	}

	if err := m.store.Set(ctx, m.blacklistKey(jti), "1", remaining); err != nil {
		return err
	}

	m.emit(ctx, audit.Event{
		EventType: audit.EventTokenBlacklisted,
		Success:   true,
		Metadata:  map[string]string{"jti": jti},
	})
	return nil
}

// ValidateAccessToken runs the full check: signature and claims, token
// version equality, blacklist absence. Every failure, including store
// unavailability, collapses into ErrUnauthorized.
func (m *Manager) ValidateAccessToken(ctx context.Context, accessToken string) (int64, *token.Claims, error) {
	claims, err := m.tokens.Parse(accessToken)
	if err != nil {
		return 0, nil, ErrUnauthorized
	}
	userID, err := claims.SubjectID()
	if err != nil {
		return 0, nil, ErrUnauthorized
	}

	currentVersion, err := m.principals.TokenVersion(ctx, userID)
	if err != nil || claims.TokenVersion != currentVersion {
		return 0, nil, ErrUnauthorized
	}

	blacklisted, err := m.store.Exists(ctx, m.blacklistKey(claims.ID))
	if err != nil || blacklisted {
		return 0, nil, ErrUnauthorized
	}

	return userID, claims, nil
}

// ListActiveSessions returns the user's live device sessions, most recently
// used first.
func (m *Manager) ListActiveSessions(ctx context.Context, userID int64) ([]Session, error) {
	rows, err := m.ledger.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, Session{
			ID:         row.ID,
			DeviceName: row.DeviceName,
			DeviceType: row.DeviceType,
			IP:         row.IP,
			Location:   row.Location,
			IssuedAt:   row.IssuedAt,
			ExpiresAt:  row.ExpiresAt,
			LastUsedAt: row.LastUsedAt,
		})
	}
	return sessions, nil
}

// mint generates the opaque refresh token, writes the ephemeral truth
// record, signs the access token, and appends the ledger row best-effort.
func (m *Manager) mint(ctx context.Context, userID int64, tokenVersion uint32, device DeviceInfo) (*Pair, *ledger.Row, error) {
	refreshToken, sessionID, err := newOpaqueToken()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(m.cfg.RefreshTTL)
	tokenHash := hashToken(refreshToken)

	if err := m.store.Set(ctx, m.refreshKey(tokenHash), strconv.FormatInt(userID, 10), m.cfg.RefreshTTL); err != nil {
		return nil, nil, err
	}

	accessToken, _, err := m.tokens.Issue(userID, tokenVersion)
	if err != nil {
		m.rollbackMint(tokenHash)
		return nil, nil, err
	}

	row := &ledger.Row{
		ID:         sessionID,
		TokenHash:  tokenHash,
		UserID:     userID,
		DeviceName: device.Name,
		DeviceType: device.Type,
		IP:         device.IP,
		Location:   device.Location,
		UserAgent:  device.UserAgent,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		LastUsedAt: now,
	}
	if err := m.ledger.Insert(ctx, row); err != nil {
		m.noteLedgerFailure(ctx, userID, err)
	}

	return &Pair{
		SessionID:        sessionID,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: expiresAt,
	}, row, nil
}

// rollbackMint removes the ephemeral record of a half-issued session. Best
// effort; the key expires on its own regardless.
func (m *Manager) rollbackMint(tokenHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.store.Del(ctx, m.refreshKey(tokenHash))
}

// noteNewDevice emits an audit event when the device name has no live
// session yet. Detection is best-effort over the ledger.
func (m *Manager) noteNewDevice(ctx context.Context, userID int64, device DeviceInfo) {
	if m.audit == nil || device.Name == "" {
		return
	}
	rows, err := m.ledger.ListActive(ctx, userID)
	if err != nil {
		return
	}
	for _, row := range rows {
		if row.DeviceName == device.Name && row.DeviceType == device.Type {
			return
		}
	}
	m.emit(ctx, audit.Event{
		EventType: audit.EventNewDevice,
		UserID:    strconv.FormatInt(userID, 10),
		IP:        device.IP,
		Success:   true,
		Metadata:  map[string]string{"device_name": device.Name, "device_type": device.Type},
	})
}

func (m *Manager) noteLedgerFailure(ctx context.Context, userID int64, err error) {
	m.emit(ctx, audit.Event{
		EventType: audit.EventLedgerWriteFailed,
		UserID:    strconv.FormatInt(userID, 10),
		Success:   false,
		Error:     err.Error(),
	})
}

func (m *Manager) emit(ctx context.Context, event audit.Event) {
	if m.audit != nil {
		m.audit.Emit(ctx, event)
	}
}

func (m *Manager) refreshKey(tokenHash string) string {
	return m.store.Key("art", tokenHash)
}

func (m *Manager) blacklistKey(jti string) string {
	return m.store.Key("blk", jti)
}

// newOpaqueToken returns the base64url token and the session id embedded in
// its first 16 bytes.
func newOpaqueToken() (string, uuid.UUID, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", uuid.Nil, fmt.Errorf("generate refresh token: %w", err)
	}

	sessionID, err := uuid.FromBytes(buf[:16])
	if err != nil {
		return "", uuid.Nil, err
	}
	return base64.RawURLEncoding.EncodeToString(buf), sessionID, nil
}

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
