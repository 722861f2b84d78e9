// Package keyring provides versioned field-level encryption and stable
// lookup hashing for data at rest.
//
// Each key class (PII, FINANCIAL, AUTH, SENSITIVE) owns an independently
// rotatable chain of AES-256-GCM keys derived from a configured secret.
// Encrypted values carry the class and key version in-band, so old data
// stays decryptable after rotation and can be re-encrypted lazily.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Class identifies an encryption key chain. Each class rotates
// independently of the others.
type Class string

const (
	ClassPII       Class = "PII"
	ClassFinancial Class = "FINANCIAL"
	ClassAuth      Class = "AUTH"
	ClassSensitive Class = "SENSITIVE"
)

var (
	// ErrMalformedValue is returned when an encrypted value does not match
	// the CLASS:vN:iv:tag:ciphertext layout.
	ErrMalformedValue = errors.New("malformed encrypted value")
	// ErrUnknownKeyVersion is returned when a value names a key version the
	// ring does not hold.
	ErrUnknownKeyVersion = errors.New("unknown key version")
	// ErrDecryptFailed is returned on authentication tag mismatch or a
	// truncated payload. The message never includes ciphertext or key bytes.
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrUnknownClass is returned for a key class the ring was not built with.
	ErrUnknownClass = errors.New("unknown key class")
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	keySize      = 32
)

// Config controls key derivation for a Ring.
//
// Secret is the only input that must be kept confidential. LookupSalt feeds
// the deterministic lookup hash and must never rotate: rotating it would
// orphan every stored hash index.
type Config struct {
	Secret     []byte
	BaseSalt   []byte
	LookupSalt []byte

	// Current key version per class. Missing classes default to 1.
	Versions map[Class]int

	// Argon2id derivation cost. Zero values pick defaults suitable for a
	// once-per-process derivation.
	KDFTime     uint32
	KDFMemoryKB uint32
	KDFThreads  uint8
}

// Ring holds the derived key chains. It is immutable after New and safe
// for unlimited concurrent readers.
type Ring struct {
	aeads     map[Class][]cipher.AEAD // index 0 = version 1
	current   map[Class]int
	lookupKey []byte
}

var allClasses = []Class{ClassPII, ClassFinancial, ClassAuth, ClassSensitive}

// New derives every key version for every class and runs the encrypt/decrypt
// self-test. Construction fails rather than leaving a ring that could fail
// open at request time.
func New(cfg Config) (*Ring, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("keyring secret must be at least 16 bytes")
	}
	if len(cfg.LookupSalt) < 16 {
		return nil, errors.New("keyring lookup salt must be at least 16 bytes")
	}
	if cfg.KDFTime == 0 {
		cfg.KDFTime = 2
	}
	if cfg.KDFMemoryKB == 0 {
		cfg.KDFMemoryKB = 64 * 1024
	}
	if cfg.KDFThreads == 0 {
		cfg.KDFThreads = 2
	}

	r := &Ring{
		aeads:     make(map[Class][]cipher.AEAD, len(allClasses)),
		current:   make(map[Class]int, len(allClasses)),
		lookupKey: deriveLookupKey(cfg),
	}

	for _, class := range allClasses {
		currentVersion := cfg.Versions[class]
		if currentVersion <= 0 {
			currentVersion = 1
		}
		chain := make([]cipher.AEAD, 0, currentVersion)
		for v := 1; v <= currentVersion; v++ {
			key := deriveKey(cfg, class, v)
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, fmt.Errorf("derive %s v%d: %w", class, v, err)
			}
			aead, err := cipher.NewGCM(block)
			if err != nil {
				return nil, fmt.Errorf("derive %s v%d: %w", class, v, err)
			}
			chain = append(chain, aead)
		}
		r.aeads[class] = chain
		r.current[class] = currentVersion
	}

	if err := r.SelfTest(); err != nil {
		return nil, err
	}
	return r, nil
}

func deriveKey(cfg Config, class Class, version int) []byte {
	salt := append(append([]byte{}, cfg.BaseSalt...), []byte(string(class)+":v"+strconv.Itoa(version))...)
	return argon2.IDKey(cfg.Secret, salt, cfg.KDFTime, cfg.KDFMemoryKB, cfg.KDFThreads, keySize)
}

func deriveLookupKey(cfg Config) []byte {
	// The lookup key is intentionally outside the versioned chains: hash
	// indexes must survive encryption key rotation.
	return argon2.IDKey(cfg.Secret, cfg.LookupSalt, cfg.KDFTime, cfg.KDFMemoryKB, cfg.KDFThreads, keySize)
}

// Encrypt seals plaintext under the current key version of the class and
// returns the tagged string CLASS:vN:iv:tag:ciphertext with hex fields.
func (r *Ring) Encrypt(plaintext string, class Class) (string, error) {
	chain, ok := r.aeads[class]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	version := r.current[class]
	aead := chain[version-1]

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), classAAD(class, version))
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return string(class) + ":v" + strconv.Itoa(version) + ":" +
		hex.EncodeToString(nonce) + ":" +
		hex.EncodeToString(tag) + ":" +
		hex.EncodeToString(ct), nil
}

// Decrypt opens a tagged value using the exact key version it names.
func (r *Ring) Decrypt(value string) (string, error) {
	class, version, nonce, tag, ct, err := parseValue(value)
	if err != nil {
		return "", err
	}

	chain, ok := r.aeads[class]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	if version < 1 || version > len(chain) {
		return "", fmt.Errorf("%w: %s v%d", ErrUnknownKeyVersion, class, version)
	}

	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := chain[version-1].Open(nil, nonce, sealed, classAAD(class, version))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Hash returns a deterministic lookup digest of plaintext as lowercase hex.
// It is stable across key rotation and is never reversed.
func (r *Ring) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, r.lookupKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// NeedsReEncryption reports whether the value was sealed under a key version
// below the current one for its class.
func (r *Ring) NeedsReEncryption(value string) (bool, error) {
	class, version, _, _, _, err := parseValue(value)
	if err != nil {
		return false, err
	}
	current, ok := r.current[class]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return version < current, nil
}

// ReEncrypt decrypts a value and seals it again under the current key
// version of the given class.
func (r *Ring) ReEncrypt(value string, class Class) (string, error) {
	plaintext, err := r.Decrypt(value)
	if err != nil {
		return "", err
	}
	return r.Encrypt(plaintext, class)
}

// SelfTest round-trips a canary through every class. Callers should treat a
// failure as fatal at startup.
func (r *Ring) SelfTest() error {
	const canary = "keyring-canary"
	for _, class := range allClasses {
		sealed, err := r.Encrypt(canary, class)
		if err != nil {
			return fmt.Errorf("self-test encrypt %s: %w", class, err)
		}
		opened, err := r.Decrypt(sealed)
		if err != nil {
			return fmt.Errorf("self-test decrypt %s: %w", class, err)
		}
		if opened != canary {
			return fmt.Errorf("self-test mismatch for class %s", class)
		}
	}
	return nil
}

func classAAD(class Class, version int) []byte {
	return []byte(string(class) + ":v" + strconv.Itoa(version))
}

func parseValue(value string) (Class, int, []byte, []byte, []byte, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 5 {
		return "", 0, nil, nil, nil, ErrMalformedValue
	}

	class := Class(parts[0])
	if !strings.HasPrefix(parts[1], "v") {
		return "", 0, nil, nil, nil, ErrMalformedValue
	}
	version, err := strconv.Atoi(parts[1][1:])
	if err != nil || version < 1 {
		return "", 0, nil, nil, nil, ErrMalformedValue
	}

	nonce, err := hex.DecodeString(parts[2])
	if err != nil || len(nonce) != gcmNonceSize {
		return "", 0, nil, nil, nil, ErrMalformedValue
	}
	tag, err := hex.DecodeString(parts[3])
	if err != nil || len(tag) != gcmTagSize {
		return "", 0, nil, nil, nil, ErrMalformedValue
	}
	ct, err := hex.DecodeString(parts[4])
	if err != nil {
		return "", 0, nil, nil, nil, ErrMalformedValue
	}

	return class, version, nonce, tag, ct, nil
}
