// Package guard tracks failed authentication attempts per principal and
// per network origin, and escalates to timed lockouts.
//
// Both counters are fixed-window: the TTL is set on the first failure in
// the window and is not extended by later failures. This approximates a
// sliding window closely enough for the threat model and keeps every
// operation a single round trip.
package guard

import (
	"context"
	"time"

	"github.com/veltapay/authcore/ephemeral"
)

// Config holds the two independent thresholds. The principal threshold
// drives a durable account lock; the IP ceiling blunts distributed
// guessing across many principals from one origin.
type Config struct {
	PrincipalThreshold int           // failures before account lockout
	PrincipalWindow    time.Duration // counting window per principal
	IPThreshold        int           // failures before origin throttle
	IPWindow           time.Duration // counting window per origin
	LockDuration       time.Duration // durable account lock length
}

// Guard enforces brute-force limits over the ephemeral store.
type Guard struct {
	store  *ephemeral.Store
	config Config
}

// New creates a Guard. Zero config fields get the production defaults:
// 5 failures/1h per principal, 10 failures/15m per IP, 1h lock.
func New(store *ephemeral.Store, cfg Config) *Guard {
	if cfg.PrincipalThreshold <= 0 {
		cfg.PrincipalThreshold = 5
	}
	if cfg.PrincipalWindow <= 0 {
		cfg.PrincipalWindow = time.Hour
	}
	if cfg.IPThreshold <= 0 {
		cfg.IPThreshold = 10
	}
	if cfg.IPWindow <= 0 {
		cfg.IPWindow = 15 * time.Minute
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = time.Hour
	}
	return &Guard{store: store, config: cfg}
}

// LockDuration returns the configured durable lock length, so callers can
// stamp LockUntil on the principal record when RecordFailure trips.
func (g *Guard) LockDuration() time.Duration {
	return g.config.LockDuration
}

// RecordFailure counts one failed attempt against a principal. The bool is
// true once the lockout threshold is reached and stays true for every
// further failure in the window, so a caller whose durable stamp failed
// gets another chance on the next attempt. The caller owns making the lock
// durable on the principal record.
func (g *Guard) RecordFailure(ctx context.Context, principalKey string) (int64, bool, error) {
	count, err := g.store.IncrWindow(ctx, g.principalKey(principalKey), g.config.PrincipalWindow)
	if err != nil {
		return 0, false, err
	}
	return count, count >= int64(g.config.PrincipalThreshold), nil
}

// RecordIPFailure counts one failed attempt against an origin IP.
func (g *Guard) RecordIPFailure(ctx context.Context, ip string) (int64, error) {
	if ip == "" {
		return 0, nil
	}
	return g.store.IncrWindow(ctx, g.ipKey(ip), g.config.IPWindow)
}

// IPThrottled reports whether the origin has exceeded its ceiling and all
// attempts from it should be refused regardless of target principal.
func (g *Guard) IPThrottled(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	count, err := g.store.Counter(ctx, g.ipKey(ip))
	if err != nil {
		return false, err
	}
	return count >= int64(g.config.IPThreshold), nil
}

// FailureCount returns the live failure counter for a principal; a missing
// counter reads as zero and does not reveal account existence.
func (g *Guard) FailureCount(ctx context.Context, principalKey string) (int64, error) {
	return g.store.Counter(ctx, g.principalKey(principalKey))
}

// RecordSuccess clears both counters after a successful authentication.
func (g *Guard) RecordSuccess(ctx context.Context, principalKey, ip string) error {
	keys := []string{g.principalKey(principalKey)}
	if ip != "" {
		keys = append(keys, g.ipKey(ip))
	}
	return g.store.Del(ctx, keys...)
}

func (g *Guard) principalKey(principalKey string) string {
	return g.store.Key("bfp", principalKey)
}

func (g *Guard) ipKey(ip string) string {
	return g.store.Key("bfi", ip)
}
