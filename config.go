package authcore

import (
	"errors"
	"time"

	"github.com/veltapay/authcore/audit"
	"github.com/veltapay/authcore/guard"
	"github.com/veltapay/authcore/keyring"
	"github.com/veltapay/authcore/onboarding"
	"github.com/veltapay/authcore/otp"
	"github.com/veltapay/authcore/password"
	"github.com/veltapay/authcore/session"
	"github.com/veltapay/authcore/token"
)

// Config wires every subsystem. Configure once during initialization and
// treat as immutable afterwards.
type Config struct {
	// RedisPrefix namespaces all ephemeral keys. Defaults to "ac".
	RedisPrefix string

	KeyRing    keyring.Config
	Password   password.Config
	PIN        password.Config
	Token      token.Config
	Session    session.Config
	OTP        otp.Config
	Guard      guard.Config
	Onboarding onboarding.Config
	Audit      audit.Config
}

// DefaultConfig returns production defaults for everything except key and
// signing material, which has no safe default and must be supplied.
func DefaultConfig() Config {
	return Config{
		RedisPrefix: "ac",
		Password: password.Config{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
		},
		PIN: password.Config{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   4,
		},
		Token: token.Config{
			SigningMethod: token.MethodEd25519,
			AccessTTL:     15 * time.Minute,
			Leeway:        30 * time.Second,
		},
		Session: session.DefaultConfig(),
		OTP: otp.Config{
			TTL:          5 * time.Minute,
			MaxAttempts:  3,
			ResendLimit:  5,
			ResendWindow: time.Hour,
		},
		Guard: guard.Config{
			PrincipalThreshold: 5,
			PrincipalWindow:    time.Hour,
			IPThreshold:        10,
			IPWindow:           15 * time.Minute,
			LockDuration:       time.Hour,
		},
		Onboarding: onboarding.DefaultConfig(),
		Audit: audit.Config{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

// Validate rejects configurations the constructors downstream would also
// reject, so failures surface with one clear message before anything is
// built.
func (c *Config) Validate() error {
	if len(c.KeyRing.Secret) < 16 {
		return errors.New("config: keyring secret must be at least 16 bytes")
	}
	if len(c.KeyRing.LookupSalt) < 16 {
		return errors.New("config: keyring lookup salt must be at least 16 bytes")
	}
	if len(c.Token.PrivateKey) == 0 {
		return errors.New("config: token private key is required")
	}
	if c.Token.SigningMethod == token.MethodEd25519 && len(c.Token.PublicKey) == 0 {
		return errors.New("config: ed25519 signing requires a public key")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("config: access ttl must be positive")
	}
	if c.Session.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("config: refresh ttl must exceed access ttl")
	}
	if c.OTP.TTL <= 0 || c.OTP.MaxAttempts <= 0 {
		return errors.New("config: otp ttl and attempts must be positive")
	}
	if c.Guard.PrincipalThreshold <= 0 || c.Guard.LockDuration <= 0 {
		return errors.New("config: guard threshold and lock duration must be positive")
	}
	if c.Onboarding.TTL <= 0 {
		return errors.New("config: onboarding ttl must be positive")
	}
	return nil
}
