// Package otp issues and verifies one-time codes for named purposes
// (signup, sign-in recovery, PIN reset, email change).
//
// A challenge is single-use: a correct code deletes it, a wrong code burns
// one attempt atomically, and an exhausted budget locks the challenge until
// it expires. Resend replaces the challenge wholesale and grants a fresh
// attempt budget, bounded by a resend-per-window cap so resends cannot be
// used to grind codes.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veltapay/authcore/ephemeral"
)

// Purpose names the flow a challenge belongs to. Challenges are scoped by
// (purpose, subject): a signup code can never satisfy a PIN reset.
type Purpose string

const (
	PurposeSignup         Purpose = "signup"
	PurposeSignInRecovery Purpose = "signin_recovery"
	PurposePinReset       Purpose = "pin_reset"
	PurposeEmailChange    Purpose = "email_change"
)

// Result is the outcome of a Verify call.
type Result int

const (
	// Expired means no live challenge exists for the subject and purpose.
	Expired Result = iota
	// Mismatch means the code was wrong; one attempt was consumed.
	Mismatch
	// Locked means the attempt budget is exhausted. Callers should surface
	// this as rate limiting, distinct from a plain wrong code.
	Locked
	// Verified means the code matched; the challenge has been deleted.
	Verified
)

// ErrResendLimited is returned by Issue when the subject has exceeded the
// resend budget for the window.
var ErrResendLimited = errors.New("otp resend limit reached")

// Config tunes challenge lifetime and attempt accounting.
type Config struct {
	TTL          time.Duration // code lifetime
	MaxAttempts  int           // verify attempts per challenge
	ResendLimit  int           // issues per subject+purpose per window
	ResendWindow time.Duration
}

// Challenge manages one-time codes in the ephemeral store.
type Challenge struct {
	store  *ephemeral.Store
	config Config
}

// New creates a Challenge manager. Zero config fields get conservative
// defaults (5 minute TTL, 3 attempts, 5 resends per hour).
func New(store *ephemeral.Store, cfg Config) *Challenge {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ResendLimit <= 0 {
		cfg.ResendLimit = 5
	}
	if cfg.ResendWindow <= 0 {
		cfg.ResendWindow = time.Hour
	}
	return &Challenge{store: store, config: cfg}
}

const (
	statusExpired  int64 = 0
	statusVerified int64 = 1
	statusMismatch int64 = 2
	statusLocked   int64 = 3
)

// consumeLua performs the whole verify step atomically: read, compare,
// decrement-or-delete. Two concurrent wrong guesses can never both observe
// the same remaining-attempts value.
//
// Record layout: "<attemptsRemaining>:<code>".
// KEYS[1] = challenge key, ARGV[1] = supplied code.
var consumeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end

local sep = string.find(data, ':', 1, true)
local attempts = tonumber(string.sub(data, 1, sep - 1))
local code = string.sub(data, sep + 1)

if attempts <= 0 then
  return 3
end

if code ~= ARGV[1] then
  attempts = attempts - 1
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl <= 0 then
    redis.call('DEL', KEYS[1])
    return 0
  end
  redis.call('SET', KEYS[1], attempts .. ':' .. code, 'PX', ttl)
  if attempts <= 0 then
    return 3
  end
  return 2
end

redis.call('DEL', KEYS[1])
return 1
`)

// Issue creates (or replaces) the challenge for (purpose, subject) and
// returns the plaintext code for delivery. The attempt budget resets to
// the configured maximum.
func (c *Challenge) Issue(ctx context.Context, purpose Purpose, subject string) (string, error) {
	resendKey := c.store.Key("otpr", string(purpose), subject)
	count, err := c.store.IncrWindow(ctx, resendKey, c.config.ResendWindow)
	if err != nil {
		return "", err
	}
	if count > int64(c.config.ResendLimit) {
		return "", ErrResendLimited
	}

	code, err := newCode()
	if err != nil {
		return "", err
	}

	record := fmt.Sprintf("%d:%s", c.config.MaxAttempts, code)
	if err := c.store.Set(ctx, c.key(purpose, subject), record, c.config.TTL); err != nil {
		return "", err
	}
	return code, nil
}

// Resend is equivalent to Issue: the prior challenge is overwritten and
// the attempt budget is reset.
func (c *Challenge) Resend(ctx context.Context, purpose Purpose, subject string) (string, error) {
	return c.Issue(ctx, purpose, subject)
}

// Verify checks a supplied code. The challenge is deleted on success; a
// mismatch consumes one attempt; exhaustion reports Locked.
func (c *Challenge) Verify(ctx context.Context, purpose Purpose, subject, supplied string) (Result, error) {
	result, err := c.store.Eval(ctx, consumeLua, []string{c.key(purpose, subject)}, supplied)
	if err != nil {
		return Expired, err
	}

	status, ok := result.(int64)
	if !ok {
		return Expired, fmt.Errorf("%w: unexpected consume script result", ephemeral.ErrUnavailable)
	}

	switch status {
	case statusVerified:
		return Verified, nil
	case statusMismatch:
		return Mismatch, nil
	case statusLocked:
		return Locked, nil
	default:
		return Expired, nil
	}
}

// Clear drops any live challenge and resend counter for the subject.
func (c *Challenge) Clear(ctx context.Context, purpose Purpose, subject string) error {
	return c.store.Del(ctx,
		c.key(purpose, subject),
		c.store.Key("otpr", string(purpose), subject),
	)
}

func (c *Challenge) key(purpose Purpose, subject string) string {
	return c.store.Key("otp", string(purpose), subject)
}

// newCode generates a 6-digit code with a non-zero leading digit, so the
// displayed code is never ambiguous about its length.
func newCode() (string, error) {
	var b strings.Builder
	b.Grow(6)

	first, err := rand.Int(rand.Reader, big.NewInt(9))
	if err != nil {
		return "", err
	}
	b.WriteByte(byte('1' + first.Int64()))

	ten := big.NewInt(10)
	for i := 0; i < 5; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
