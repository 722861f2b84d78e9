// Package vault wraps principal identity records: PII fields are encrypted
// on write and decrypted on read, and equality lookups (does this email
// already exist) run against lookup hashes, never against plaintext.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veltapay/authcore/keyring"
	"github.com/veltapay/authcore/password"
)

var (
	// ErrNotFound is returned when no principal matches.
	ErrNotFound = errors.New("principal not found")
	// ErrDuplicateEmail is returned when an email hash already exists.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicatePhone is returned when a phone number already exists.
	ErrDuplicatePhone = errors.New("phone already registered")
	// ErrCorruptedRecord is returned when a stored field cannot be
	// decrypted. The record id belongs in the log line, never ciphertext.
	ErrCorruptedRecord = errors.New("corrupted principal record")
	// ErrNoPIN is returned when verifying a PIN for a principal that has
	// not set one.
	ErrNoPIN = errors.New("pin not configured")
)

// Record is the stored form of a principal: PII fields hold tagged
// encrypted values, EmailHash is the lookup index for Email.
type Record struct {
	ID           int64
	Phone        string
	FirstName    string
	LastName     string
	Email        string
	EmailHash    string
	DateOfBirth  string
	Address      string
	PasswordHash string
	PINHash      string
	TokenVersion uint32
	LockUntil    *time.Time
	CreatedAt    time.Time
}

// Principal is the decrypted view handed to callers.
type Principal struct {
	ID           int64
	Phone        string
	FirstName    string
	LastName     string
	Email        string
	DateOfBirth  string
	Address      string
	TokenVersion uint32
	LockUntil    *time.Time
	HasPIN       bool
	CreatedAt    time.Time
}

// Locked reports whether the principal is under a live durable lockout.
func (p *Principal) Locked() bool {
	return p.LockUntil != nil && p.LockUntil.After(time.Now())
}

// Store is the persistence contract the embedding service implements.
// Lookups by email go through the hash column only.
type Store interface {
	Create(ctx context.Context, record *Record) (int64, error)
	GetByID(ctx context.Context, id int64) (*Record, error)
	GetByPhone(ctx context.Context, phone string) (*Record, error)
	GetByEmailHash(ctx context.Context, emailHash string) (*Record, error)
	ExistsByEmailHash(ctx context.Context, emailHash string) (bool, error)
	ExistsByPhone(ctx context.Context, phone string) (bool, error)
	Update(ctx context.Context, record *Record) error
	SetLockUntil(ctx context.Context, id int64, until *time.Time) error
	BumpTokenVersion(ctx context.Context, id int64) (uint32, error)
}

// EnrollInput is the plaintext identity captured during onboarding.
// Password may be empty when the flow sets it in a later step.
type EnrollInput struct {
	Phone       string
	FirstName   string
	LastName    string
	Email       string
	DateOfBirth string
	Address     string
	Password    string
}

// Vault encrypts principal records against a key ring and hashes
// credentials. Immutable after construction.
type Vault struct {
	ring      *keyring.Ring
	store     Store
	passwords *password.Hasher
	pins      *password.Hasher
}

// New wires a Vault.
func New(ring *keyring.Ring, store Store, passwords, pins *password.Hasher) *Vault {
	return &Vault{ring: ring, store: store, passwords: passwords, pins: pins}
}

// Enroll encrypts the identity fields, hashes the password, and creates
// the principal. Duplicate email and phone surface as typed conflicts
// before any write.
func (v *Vault) Enroll(ctx context.Context, input EnrollInput) (*Principal, error) {
	emailHash := v.ring.Hash(input.Email)

	exists, err := v.store.ExistsByEmailHash(ctx, emailHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateEmail
	}
	exists, err = v.store.ExistsByPhone(ctx, input.Phone)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicatePhone
	}

	var passwordHash string
	if input.Password != "" {
		passwordHash, err = v.passwords.Hash(input.Password)
		if err != nil {
			return nil, err
		}
	}

	record := &Record{
		Phone:        input.Phone,
		EmailHash:    emailHash,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := v.sealInto(record, input.FirstName, input.LastName, input.Email, input.DateOfBirth, input.Address); err != nil {
		return nil, err
	}

	id, err := v.store.Create(ctx, record)
	if err != nil {
		return nil, err
	}
	record.ID = id

	return v.open(record)
}

// GetPrincipal loads and decrypts a principal by id.
func (v *Vault) GetPrincipal(ctx context.Context, id int64) (*Principal, error) {
	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.open(record)
}

// FindByPhone loads and decrypts a principal by phone identifier.
func (v *Vault) FindByPhone(ctx context.Context, phone string) (*Principal, error) {
	record, err := v.store.GetByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	return v.open(record)
}

// FindByEmail resolves a principal through the email lookup hash.
func (v *Vault) FindByEmail(ctx context.Context, email string) (*Principal, error) {
	record, err := v.store.GetByEmailHash(ctx, v.ring.Hash(email))
	if err != nil {
		return nil, err
	}
	return v.open(record)
}

// ExistsByEmail answers the uniqueness check by hash equality only. No
// stored value is decrypted.
func (v *Vault) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return v.store.ExistsByEmailHash(ctx, v.ring.Hash(email))
}

// ExistsByPhone answers the uniqueness check for a phone number.
func (v *Vault) ExistsByPhone(ctx context.Context, phone string) (bool, error) {
	return v.store.ExistsByPhone(ctx, phone)
}

// VerifyPassword checks a sign-in password against the stored hash. A
// principal that never finished password setup fails verification.
func (v *Vault) VerifyPassword(ctx context.Context, id int64, supplied string) (bool, error) {
	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if record.PasswordHash == "" {
		return false, nil
	}
	return v.passwords.Verify(supplied, record.PasswordHash)
}

// SetPassword replaces the stored password hash.
func (v *Vault) SetPassword(ctx context.Context, id int64, newPassword string) error {
	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	hash, err := v.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	record.PasswordHash = hash
	return v.store.Update(ctx, record)
}

// SetPIN hashes and stores the transaction PIN.
func (v *Vault) SetPIN(ctx context.Context, id int64, pin string) error {
	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	hash, err := v.pins.Hash(pin)
	if err != nil {
		return err
	}
	record.PINHash = hash
	return v.store.Update(ctx, record)
}

// VerifyPIN checks a supplied PIN. Principals without a PIN get ErrNoPIN.
func (v *Vault) VerifyPIN(ctx context.Context, id int64, supplied string) (bool, error) {
	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if record.PINHash == "" {
		return false, ErrNoPIN
	}
	return v.pins.Verify(supplied, record.PINHash)
}

// UpdateEmail re-encrypts the email field and refreshes its lookup hash,
// refusing an address already registered to another principal.
func (v *Vault) UpdateEmail(ctx context.Context, id int64, newEmail string) error {
	newHash := v.ring.Hash(newEmail)
	exists, err := v.store.ExistsByEmailHash(ctx, newHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEmail
	}

	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	sealed, err := v.ring.Encrypt(newEmail, keyring.ClassPII)
	if err != nil {
		return err
	}
	record.Email = sealed
	record.EmailHash = newHash
	return v.store.Update(ctx, record)
}

// SetLockUntil stamps (or clears, with nil) the durable lockout on the
// principal record.
func (v *Vault) SetLockUntil(ctx context.Context, id int64, until *time.Time) error {
	return v.store.SetLockUntil(ctx, id, until)
}

// TokenVersion reads the current counter without decrypting the record.
func (v *Vault) TokenVersion(ctx context.Context, id int64) (uint32, error) {
	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return record.TokenVersion, nil
}

// BumpTokenVersion advances the monotonic counter that invalidates every
// outstanding access token, returning the new value.
func (v *Vault) BumpTokenVersion(ctx context.Context, id int64) (uint32, error) {
	return v.store.BumpTokenVersion(ctx, id)
}

// ReEncryptRecord refreshes any field sealed under a rotated-out key
// version. Returns whether anything changed. Intended for a background
// rotation sweep.
func (v *Vault) ReEncryptRecord(ctx context.Context, id int64) (bool, error) {
	record, err := v.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}

	changed := false
	for _, field := range []*string{&record.FirstName, &record.LastName, &record.Email, &record.DateOfBirth, &record.Address} {
		if *field == "" {
			continue
		}
		stale, err := v.ring.NeedsReEncryption(*field)
		if err != nil {
			return false, fmt.Errorf("%w: principal %d", ErrCorruptedRecord, id)
		}
		if !stale {
			continue
		}
		fresh, err := v.ring.ReEncrypt(*field, keyring.ClassPII)
		if err != nil {
			return false, fmt.Errorf("%w: principal %d", ErrCorruptedRecord, id)
		}
		*field = fresh
		changed = true
	}

	if !changed {
		return false, nil
	}
	return true, v.store.Update(ctx, record)
}

func (v *Vault) sealInto(record *Record, firstName, lastName, email, dob, address string) error {
	var err error
	if record.FirstName, err = v.ring.Encrypt(firstName, keyring.ClassPII); err != nil {
		return err
	}
	if record.LastName, err = v.ring.Encrypt(lastName, keyring.ClassPII); err != nil {
		return err
	}
	if record.Email, err = v.ring.Encrypt(email, keyring.ClassPII); err != nil {
		return err
	}
	if record.DateOfBirth, err = v.ring.Encrypt(dob, keyring.ClassPII); err != nil {
		return err
	}
	if record.Address, err = v.ring.Encrypt(address, keyring.ClassPII); err != nil {
		return err
	}
	return nil
}

// open decrypts a stored record. A failed field decrypt is a loud,
// per-record failure; ciphertext is never passed through as plaintext.
func (v *Vault) open(record *Record) (*Principal, error) {
	p := &Principal{
		ID:           record.ID,
		Phone:        record.Phone,
		TokenVersion: record.TokenVersion,
		LockUntil:    record.LockUntil,
		HasPIN:       record.PINHash != "",
		CreatedAt:    record.CreatedAt,
	}

	fields := []struct {
		sealed string
		dst    *string
	}{
		{record.FirstName, &p.FirstName},
		{record.LastName, &p.LastName},
		{record.Email, &p.Email},
		{record.DateOfBirth, &p.DateOfBirth},
		{record.Address, &p.Address},
	}
	for _, f := range fields {
		if f.sealed == "" {
			continue
		}
		plain, err := v.ring.Decrypt(f.sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: principal %d", ErrCorruptedRecord, record.ID)
		}
		*f.dst = plain
	}
	return p, nil
}
