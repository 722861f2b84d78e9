package keyring

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(versions map[Class]int) Config {
	return Config{
		Secret:      []byte("0123456789abcdef0123456789abcdef"),
		BaseSalt:    []byte("base-salt-for-tests"),
		LookupSalt:  []byte("lookup-salt-for-tests"),
		Versions:    versions,
		KDFTime:     1,
		KDFMemoryKB: 1024,
		KDFThreads:  1,
	}
}

func newTestRing(t *testing.T, versions map[Class]int) *Ring {
	t.Helper()
	ring, err := New(testConfig(versions))
	require.NoError(t, err)
	return ring
}

func TestRoundTripAllClasses(t *testing.T) {
	ring := newTestRing(t, nil)

	for _, class := range []Class{ClassPII, ClassFinancial, ClassAuth, ClassSensitive} {
		sealed, err := ring.Encrypt("a@b.com", class)
		require.NoError(t, err)

		opened, err := ring.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "a@b.com", opened)
	}
}

func TestEncryptedFormat(t *testing.T) {
	ring := newTestRing(t, nil)

	sealed, err := ring.Encrypt("a@b.com", ClassPII)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^PII:v\d+:[0-9a-f]+:[0-9a-f]+:[0-9a-f]+$`), sealed)
	assert.NotContains(t, sealed, "a@b.com")
}

func TestEncryptNondeterministic(t *testing.T) {
	ring := newTestRing(t, nil)

	first, err := ring.Encrypt("same plaintext", ClassPII)
	require.NoError(t, err)
	second, err := ring.Encrypt("same plaintext", ClassPII)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsTampering(t *testing.T) {
	ring := newTestRing(t, nil)

	sealed, err := ring.Encrypt("sensitive", ClassAuth)
	require.NoError(t, err)

	parts := strings.Split(sealed, ":")
	require.Len(t, parts, 5)

	// Flip a ciphertext nibble.
	ct := []byte(parts[4])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	parts[4] = string(ct)

	_, err = ring.Decrypt(strings.Join(parts, ":"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptRejectsWrongClassTag(t *testing.T) {
	ring := newTestRing(t, nil)

	sealed, err := ring.Encrypt("sensitive", ClassPII)
	require.NoError(t, err)

	// Relabelling the class must fail: the class is bound into the AAD and
	// the key chain.
	relabelled := "FINANCIAL" + strings.TrimPrefix(sealed, "PII")
	_, err = ring.Decrypt(relabelled)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptMalformed(t *testing.T) {
	ring := newTestRing(t, nil)

	for _, value := range []string{
		"",
		"PII:v1:deadbeef",
		"PII:1:aa:bb:cc",
		"PII:v0:aa:bb:cc",
		"PII:v1:zz:bb:cc",
	} {
		_, err := ring.Decrypt(value)
		assert.ErrorIs(t, err, ErrMalformedValue, "value %q", value)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	v2 := newTestRing(t, map[Class]int{ClassPII: 2})
	v1 := newTestRing(t, nil)

	sealed, err := v2.Encrypt("rotated", ClassPII)
	require.NoError(t, err)

	_, err = v1.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrUnknownKeyVersion)
}

func TestHashStableAcrossRotation(t *testing.T) {
	v1 := newTestRing(t, nil)
	v2 := newTestRing(t, map[Class]int{ClassPII: 2})

	assert.Equal(t, v1.Hash("x@y.com"), v2.Hash("x@y.com"))
	assert.NotEqual(t, v1.Hash("x@y.com"), v1.Hash("x@y.net"))
}

func TestRotationAndReEncrypt(t *testing.T) {
	v1 := newTestRing(t, nil)
	v2 := newTestRing(t, map[Class]int{ClassPII: 2})

	sealed, err := v1.Encrypt("old data", ClassPII)
	require.NoError(t, err)

	// The rotated ring still reads v1 values.
	opened, err := v2.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "old data", opened)

	stale, err := v2.NeedsReEncryption(sealed)
	require.NoError(t, err)
	assert.True(t, stale)

	fresh, err := v2.ReEncrypt(sealed, ClassPII)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh, "PII:v2:"))

	stale, err = v2.NeedsReEncryption(fresh)
	require.NoError(t, err)
	assert.False(t, stale)

	opened, err = v2.Decrypt(fresh)
	require.NoError(t, err)
	assert.Equal(t, "old data", opened)
}

func TestNewRejectsWeakConfig(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Secret = []byte("short")
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(nil)
	cfg.LookupSalt = []byte("short")
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestSelfTest(t *testing.T) {
	ring := newTestRing(t, map[Class]int{ClassPII: 3, ClassAuth: 2})
	assert.NoError(t, ring.SelfTest())
}
