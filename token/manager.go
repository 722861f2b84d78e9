// Package token signs and parses the short-lived access tokens carried by
// callers between requests.
//
// Claims are deliberately small: subject id, the principal's token version,
// and a unique jti for blacklisting. Validity beyond the signature (version
// match, blacklist) is the session manager's job.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

var (
	// ErrTokenInvalid covers every parse/verify failure. Callers must not
	// distinguish failure causes to the outside.
	ErrTokenInvalid = errors.New("invalid access token")
	// ErrTokenExpired is ErrTokenInvalid specialized for blacklist math:
	// an already-expired token has nothing left to blacklist.
	ErrTokenExpired = errors.New("access token expired")
)

// Config holds signing material and token shape.
//
// Keys are accepted in exactly one canonical form per method: raw
// ed25519 seed/key bytes or a single PEM block, validated here at
// construction. Nothing is re-tried in alternate formats at verify time.
type Config struct {
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	AccessTTL     time.Duration
	Issuer        string
	Leeway        time.Duration
}

// Claims is the access token payload. Subject and ID (jti) live in the
// registered claims; "tv" is the principal's token version at issue time.
type Claims struct {
	TokenVersion uint32 `json:"tv"`
	jwt.RegisteredClaims
}

// Manager signs and verifies access tokens. Immutable after construction.
type Manager struct {
	config     Config
	signKey    interface{}
	verifyKey  interface{}
	jwtMethod  jwt.SigningMethod
	parserOpts []jwt.ParserOption
}

// NewManager validates the configuration and key material.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access ttl must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	m := &Manager{config: cfg}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a key of at least 32 bytes")
		}
		m.jwtMethod = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		m.verifyKey = cfg.PrivateKey
	case MethodEd25519:
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		pub, err := parseEdPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		m.jwtMethod = jwt.SigningMethodEdDSA
		m.signKey = priv
		m.verifyKey = pub
	default:
		return nil, errors.New("unsupported signing method")
	}

	m.parserOpts = []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.jwtMethod.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		m.parserOpts = append(m.parserOpts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		m.parserOpts = append(m.parserOpts, jwt.WithIssuer(cfg.Issuer))
	}

	return m, nil
}

// Issue signs a token for the subject at the given token version and
// returns the compact token plus its jti.
func (m *Manager) Issue(subjectID int64, tokenVersion uint32) (string, string, error) {
	jti := uuid.NewString()
	now := time.Now()

	claims := Claims{
		TokenVersion: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subjectID, 10),
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	signed, err := jwt.NewWithClaims(m.jwtMethod, claims).SignedString(m.signKey)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// Parse verifies the signature and registered claims and returns the
// decoded claims. All failures collapse into ErrTokenInvalid.
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	parser := jwt.NewParser(m.parserOpts...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.verifyKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ExtractForBlacklist decodes a token without signature verification and
// returns its jti and remaining lifetime. Blacklist writes are bounded by
// the token's own expiry, so an expired token returns ErrTokenExpired.
func (m *Manager) ExtractForBlacklist(tokenStr string) (string, time.Duration, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{m.jwtMethod.Alg()}))
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return "", 0, ErrTokenInvalid
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return "", 0, ErrTokenExpired
	}
	return claims.ID, remaining, nil
}

// SubjectID parses the numeric subject out of verified claims.
func (c *Claims) SubjectID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, ErrTokenInvalid
	}
	return id, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	if len(key) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
