package vault

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veltapay/authcore/keyring"
	"github.com/veltapay/authcore/password"
)

// memStore is an in-memory Store that counts which lookups ran, so tests
// can assert that hash-indexed operations never touch full records.
type memStore struct {
	records map[int64]*Record
	nextID  int64

	getByIDCalls    int
	existsHashCalls int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[int64]*Record), nextID: 1}
}

func (s *memStore) Create(_ context.Context, record *Record) (int64, error) {
	id := s.nextID
	s.nextID++
	clone := *record
	clone.ID = id
	s.records[id] = &clone
	return id, nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (*Record, error) {
	s.getByIDCalls++
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *memStore) GetByPhone(_ context.Context, phone string) (*Record, error) {
	for _, record := range s.records {
		if record.Phone == phone {
			clone := *record
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) GetByEmailHash(_ context.Context, emailHash string) (*Record, error) {
	for _, record := range s.records {
		if record.EmailHash == emailHash {
			clone := *record
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) ExistsByEmailHash(_ context.Context, emailHash string) (bool, error) {
	s.existsHashCalls++
	for _, record := range s.records {
		if record.EmailHash == emailHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ExistsByPhone(_ context.Context, phone string) (bool, error) {
	for _, record := range s.records {
		if record.Phone == phone {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Update(_ context.Context, record *Record) error {
	if _, ok := s.records[record.ID]; !ok {
		return ErrNotFound
	}
	clone := *record
	s.records[record.ID] = &clone
	return nil
}

func (s *memStore) SetLockUntil(_ context.Context, id int64, until *time.Time) error {
	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	record.LockUntil = until
	return nil
}

func (s *memStore) BumpTokenVersion(_ context.Context, id int64) (uint32, error) {
	record, ok := s.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	record.TokenVersion++
	return record.TokenVersion, nil
}

func testRing(t *testing.T, versions map[keyring.Class]int) *keyring.Ring {
	t.Helper()
	ring, err := keyring.New(keyring.Config{
		Secret:      []byte("0123456789abcdef0123456789abcdef"),
		BaseSalt:    []byte("base-salt-for-tests"),
		LookupSalt:  []byte("lookup-salt-for-tests"),
		Versions:    versions,
		KDFTime:     1,
		KDFMemoryKB: 1024,
		KDFThreads:  1,
	})
	require.NoError(t, err)
	return ring
}

func testHasher(t *testing.T, minLength int) *password.Hasher {
	t.Helper()
	h, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   minLength,
	})
	require.NoError(t, err)
	return h
}

func newTestVault(t *testing.T) (*Vault, *memStore) {
	t.Helper()
	store := newMemStore()
	v := New(testRing(t, nil), store, testHasher(t, 10), testHasher(t, 4))
	return v, store
}

func sampleInput() EnrollInput {
	return EnrollInput{
		Phone:       "15551234",
		FirstName:   "Ada",
		LastName:    "Obi",
		Email:       "ada@example.com",
		DateOfBirth: "1994-03-12",
		Address:     "12 Marina Rd",
		Password:    "correct horse battery",
	}
}

func TestEnrollEncryptsAtRest(t *testing.T) {
	v, store := newTestVault(t)
	ctx := context.Background()

	principal, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, "Ada", principal.FirstName)
	assert.Equal(t, "ada@example.com", principal.Email)

	record := store.records[principal.ID]
	require.NotNil(t, record)
	assert.True(t, strings.HasPrefix(record.FirstName, "PII:v1:"))
	assert.True(t, strings.HasPrefix(record.Email, "PII:v1:"))
	assert.NotContains(t, record.Email, "ada@example.com")
	assert.True(t, strings.HasPrefix(record.PasswordHash, "$argon2id$"))
	assert.NotEmpty(t, record.EmailHash)
}

func TestEnrollDuplicateEmail(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	dup := sampleInput()
	dup.Phone = "15559999"
	_, err = v.Enroll(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestEnrollDuplicatePhone(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	dup := sampleInput()
	dup.Email = "other@example.com"
	_, err = v.Enroll(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicatePhone)
}

func TestExistsByEmailUsesHashOnly(t *testing.T) {
	v, store := newTestVault(t)
	ctx := context.Background()

	_, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	store.getByIDCalls = 0
	store.existsHashCalls = 0

	exists, err := v.ExistsByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = v.ExistsByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	// Both checks answered from the hash index without loading a record.
	assert.Equal(t, 2, store.existsHashCalls)
	assert.Zero(t, store.getByIDCalls)
}

func TestExistsByPhone(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	exists, err := v.ExistsByPhone(ctx, sampleInput().Phone)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = v.ExistsByPhone(ctx, "19990000")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFindByEmail(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	enrolled, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	found, err := v.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, enrolled.ID, found.ID)
	assert.Equal(t, "Ada", found.FirstName)

	_, err = v.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyPassword(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	principal, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	ok, err := v.VerifyPassword(ctx, principal.ID, "correct horse battery")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyPassword(ctx, principal.ID, "wrong horse battery")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnrollWithoutPassword(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	input := sampleInput()
	input.Password = ""
	principal, err := v.Enroll(ctx, input)
	require.NoError(t, err)

	// No password yet: verification fails without an error.
	ok, err := v.VerifyPassword(ctx, principal.ID, "anything at all!")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, v.SetPassword(ctx, principal.ID, "correct horse battery"))
	ok, err = v.VerifyPassword(ctx, principal.ID, "correct horse battery")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPINLifecycle(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	principal, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)
	assert.False(t, principal.HasPIN)

	_, err = v.VerifyPIN(ctx, principal.ID, "4821")
	assert.ErrorIs(t, err, ErrNoPIN)

	require.NoError(t, v.SetPIN(ctx, principal.ID, "4821"))

	ok, err := v.VerifyPIN(ctx, principal.ID, "4821")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyPIN(ctx, principal.ID, "0000")
	require.NoError(t, err)
	assert.False(t, ok)

	reloaded, err := v.GetPrincipal(ctx, principal.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.HasPIN)
}

func TestUpdateEmail(t *testing.T) {
	v, store := newTestVault(t)
	ctx := context.Background()

	principal, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)
	oldHash := store.records[principal.ID].EmailHash

	require.NoError(t, v.UpdateEmail(ctx, principal.ID, "new@example.com"))

	record := store.records[principal.ID]
	assert.NotEqual(t, oldHash, record.EmailHash)

	found, err := v.FindByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, principal.ID, found.ID)

	_, err = v.FindByEmail(ctx, "ada@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEmailConflict(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	first, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	second := sampleInput()
	second.Phone = "15559999"
	second.Email = "other@example.com"
	if _, err := v.Enroll(ctx, second); err != nil {
		t.Fatal(err)
	}

	err = v.UpdateEmail(ctx, first.ID, "other@example.com")
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestCorruptedRecordFailsLoudly(t *testing.T) {
	v, store := newTestVault(t)
	ctx := context.Background()

	principal, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	// Corrupt a stored ciphertext nibble.
	record := store.records[principal.ID]
	record.Email = record.Email[:len(record.Email)-1] + flipHex(record.Email[len(record.Email)-1])

	_, err = v.GetPrincipal(ctx, principal.ID)
	assert.ErrorIs(t, err, ErrCorruptedRecord)
}

func flipHex(b byte) string {
	if b == 'a' {
		return "b"
	}
	return "a"
}

func TestLockUntil(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	principal, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)
	assert.False(t, principal.Locked())

	until := time.Now().Add(time.Hour)
	require.NoError(t, v.SetLockUntil(ctx, principal.ID, &until))

	locked, err := v.GetPrincipal(ctx, principal.ID)
	require.NoError(t, err)
	assert.True(t, locked.Locked())

	require.NoError(t, v.SetLockUntil(ctx, principal.ID, nil))
	unlocked, err := v.GetPrincipal(ctx, principal.ID)
	require.NoError(t, err)
	assert.False(t, unlocked.Locked())
}

func TestTokenVersion(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	principal, err := v.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	version, err := v.TokenVersion(ctx, principal.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), version)

	bumped, err := v.BumpTokenVersion(ctx, principal.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bumped)

	version, err = v.TokenVersion(ctx, principal.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), version)
}

func TestReEncryptRecord(t *testing.T) {
	store := newMemStore()
	v1 := New(testRing(t, nil), store, testHasher(t, 10), testHasher(t, 4))
	ctx := context.Background()

	principal, err := v1.Enroll(ctx, sampleInput())
	require.NoError(t, err)

	// Rotate PII to v2 and sweep.
	v2 := New(testRing(t, map[keyring.Class]int{keyring.ClassPII: 2}), store, testHasher(t, 10), testHasher(t, 4))

	changed, err := v2.ReEncryptRecord(ctx, principal.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	record := store.records[principal.ID]
	assert.True(t, strings.HasPrefix(record.Email, "PII:v2:"))

	// Lookup hash survived the rotation.
	found, err := v2.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, principal.ID, found.ID)

	// Second sweep is a no-op.
	changed, err = v2.ReEncryptRecord(ctx, principal.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}
