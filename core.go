package authcore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veltapay/authcore/audit"
	"github.com/veltapay/authcore/ephemeral"
	"github.com/veltapay/authcore/guard"
	"github.com/veltapay/authcore/keyring"
	"github.com/veltapay/authcore/ledger"
	"github.com/veltapay/authcore/onboarding"
	"github.com/veltapay/authcore/otp"
	"github.com/veltapay/authcore/password"
	"github.com/veltapay/authcore/session"
	"github.com/veltapay/authcore/token"
	"github.com/veltapay/authcore/vault"
)

// Options carries the external collaborators the Core is built around.
type Options struct {
	Redis      redis.UniversalClient
	DB         *sql.DB
	Principals vault.Store

	// MigrateLedger runs the embedded schema migrations during New.
	MigrateLedger bool

	// Optional; nil picks the no-op implementation.
	AuditSink audit.Sink
	Notifier  NotificationSender
	Wallets   WalletProvisioner
	Geo       GeoLookup
}

// Core is the credential and session lifecycle facade. Construct once with
// New; safe for concurrent use.
type Core struct {
	cfg      Config
	ring     *keyring.Ring
	vault    *vault.Vault
	store    *ephemeral.Store
	ledger   *ledger.Ledger
	otps     *otp.Challenge
	guard    *guard.Guard
	sessions *session.Manager
	progress *onboarding.Tracker
	audit    *audit.Dispatcher
	notify   NotificationSender
	wallets  WalletProvisioner
	geo      GeoLookup
}

// New validates the configuration and builds every subsystem, failing fast
// on anything that would otherwise fail at request time (bad key material,
// an unencryptable key ring).
func New(cfg Config, opts Options) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Redis == nil {
		return nil, errors.New("authcore: redis client is required")
	}
	if opts.DB == nil {
		return nil, errors.New("authcore: database handle is required")
	}
	if opts.Principals == nil {
		return nil, errors.New("authcore: principal store is required")
	}

	ring, err := keyring.New(cfg.KeyRing)
	if err != nil {
		return nil, fmt.Errorf("authcore: build keyring: %w", err)
	}
	passwords, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("authcore: build password hasher: %w", err)
	}
	pins, err := password.NewHasher(cfg.PIN)
	if err != nil {
		return nil, fmt.Errorf("authcore: build pin hasher: %w", err)
	}
	tokens, err := token.NewManager(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("authcore: build token manager: %w", err)
	}

	if opts.MigrateLedger {
		if err := ledger.Migrate(opts.DB); err != nil {
			return nil, fmt.Errorf("authcore: %w", err)
		}
	}

	c := &Core{
		cfg:     cfg,
		ring:    ring,
		store:   ephemeral.New(opts.Redis, cfg.RedisPrefix),
		ledger:  ledger.New(opts.DB),
		audit:   audit.NewDispatcher(cfg.Audit, opts.AuditSink),
		notify:  opts.Notifier,
		wallets: opts.Wallets,
		geo:     opts.Geo,
	}
	if c.notify == nil {
		c.notify = NoOpNotifier{}
	}
	if c.wallets == nil {
		c.wallets = NoOpWallets{}
	}
	if c.geo == nil {
		c.geo = NoOpGeo{}
	}

	c.vault = vault.New(ring, opts.Principals, passwords, pins)
	c.otps = otp.New(c.store, cfg.OTP)
	c.guard = guard.New(c.store, cfg.Guard)

	c.sessions, err = session.NewManager(cfg.Session, c.store, c.ledger, tokens, c.vault, c.audit)
	if err != nil {
		return nil, fmt.Errorf("authcore: build session manager: %w", err)
	}
	c.progress, err = onboarding.New(cfg.Onboarding, c.store, c.audit)
	if err != nil {
		return nil, fmt.Errorf("authcore: build onboarding tracker: %w", err)
	}
	return c, nil
}

// Close drains the audit dispatcher. The Redis client and database handle
// belong to the caller.
func (c *Core) Close() {
	c.audit.Close()
}

/*
====================================
SIGN-IN
====================================
*/

// SignIn authenticates an identifier (phone or email) and password and
// issues a token pair. An unknown identifier and a wrong password are
// indistinguishable to the caller.
func (c *Core) SignIn(ctx context.Context, identifier, suppliedPassword string, device session.DeviceInfo) (*session.Pair, error) {
	throttled, err := c.guard.IPThrottled(ctx, device.IP)
	if err != nil {
		return nil, c.classify(err)
	}
	if throttled {
		c.emit(ctx, audit.Event{EventType: audit.EventIPThrottled, IP: device.IP})
		return nil, ErrRateLimited
	}

	principal, err := c.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			// Burn an IP attempt so enumeration costs the same as guessing.
			_, _ = c.guard.RecordIPFailure(ctx, device.IP)
			c.emit(ctx, audit.Event{EventType: audit.EventSignInFailure, IP: device.IP})
			return nil, ErrUnauthorized
		}
		return nil, c.classify(err)
	}

	if principal.Locked() {
		c.emit(ctx, audit.Event{
			EventType: audit.EventSignInFailure,
			UserID:    strconv.FormatInt(principal.ID, 10),
			IP:        device.IP,
			Error:     "account locked",
		})
		return nil, ErrAccountLocked
	}

	ok, err := c.vault.VerifyPassword(ctx, principal.ID, suppliedPassword)
	if err != nil {
		return nil, c.classify(err)
	}
	if !ok {
		return nil, c.failedAttempt(ctx, principal, device.IP)
	}

	if err := c.clearFailureState(ctx, principal, device.IP); err != nil {
		return nil, c.classify(err)
	}

	pair, err := c.issue(ctx, principal.ID, device)
	if err != nil {
		return nil, c.classify(err)
	}
	c.emit(ctx, audit.Event{
		EventType: audit.EventSignInSuccess,
		UserID:    strconv.FormatInt(principal.ID, 10),
		SessionID: pair.SessionID.String(),
		IP:        device.IP,
		Success:   true,
	})
	return pair, nil
}

// RequestSignInRecovery issues a recovery code to the account's phone. The
// response is identical whether or not the identifier exists.
func (c *Core) RequestSignInRecovery(ctx context.Context, identifier string) error {
	principal, err := c.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil
		}
		return c.classify(err)
	}

	code, err := c.otps.Issue(ctx, otp.PurposeSignInRecovery, strconv.FormatInt(principal.ID, 10))
	if err != nil {
		return c.classify(err)
	}
	c.sendSMS(ctx, principal.Phone, "Your recovery code is "+code)
	c.emit(ctx, audit.Event{
		EventType: audit.EventOTPIssued,
		UserID:    strconv.FormatInt(principal.ID, 10),
		Success:   true,
		Metadata:  map[string]string{"purpose": string(otp.PurposeSignInRecovery)},
	})
	return nil
}

// VerifySignInRecovery trades a valid recovery code for a session, clearing
// any durable lockout in the process.
func (c *Core) VerifySignInRecovery(ctx context.Context, identifier, code string, device session.DeviceInfo) (*session.Pair, error) {
	principal, err := c.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, c.classify(err)
	}

	subject := strconv.FormatInt(principal.ID, 10)
	if err := c.verifyOTP(ctx, otp.PurposeSignInRecovery, subject, code); err != nil {
		return nil, err
	}

	if err := c.clearFailureState(ctx, principal, device.IP); err != nil {
		return nil, c.classify(err)
	}
	pair, err := c.issue(ctx, principal.ID, device)
	if err != nil {
		return nil, c.classify(err)
	}
	c.emit(ctx, audit.Event{
		EventType: audit.EventSignInSuccess,
		UserID:    subject,
		SessionID: pair.SessionID.String(),
		IP:        device.IP,
		Success:   true,
		Metadata:  map[string]string{"method": "recovery_otp"},
	})
	return pair, nil
}

/*
====================================
SESSIONS
====================================
*/

// Refresh rotates a refresh token into a new pair.
func (c *Core) Refresh(ctx context.Context, refreshToken string, device session.DeviceInfo) (*session.Pair, error) {
	c.annotateLocation(ctx, &device)
	pair, err := c.sessions.Refresh(ctx, refreshToken, device)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			return nil, ErrUnauthorized
		}
		return nil, c.classify(err)
	}
	return pair, nil
}

// SignOut ends one session: the access token is blacklisted for its
// remaining lifetime and the refresh token is revoked.
func (c *Core) SignOut(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken != "" {
		if err := c.sessions.BlacklistAccessToken(ctx, accessToken); err != nil && !errors.Is(err, token.ErrTokenInvalid) {
			return c.classify(err)
		}
	}
	if refreshToken != "" {
		if err := c.sessions.RevokeByToken(ctx, refreshToken); err != nil && !errors.Is(err, session.ErrInvalidToken) {
			return c.classify(err)
		}
	}
	return nil
}

// SignOutAll revokes every session for the user. The token version bump
// invalidates all outstanding access tokens immediately.
func (c *Core) SignOutAll(ctx context.Context, userID int64) error {
	return c.classify(c.sessions.RevokeAll(ctx, userID))
}

// ValidateAccess checks an access token and loads its principal.
func (c *Core) ValidateAccess(ctx context.Context, accessToken string) (*vault.Principal, error) {
	userID, _, err := c.sessions.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	principal, err := c.vault.GetPrincipal(ctx, userID)
	if err != nil {
		return nil, c.classify(err)
	}
	return principal, nil
}

// ListSessions returns the user's active device sessions.
func (c *Core) ListSessions(ctx context.Context, userID int64) ([]session.Session, error) {
	sessions, err := c.sessions.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, c.classify(err)
	}
	return sessions, nil
}

// RevokeSession ends one session by id, scoped to the owning user.
func (c *Core) RevokeSession(ctx context.Context, userID int64, sessionID uuid.UUID) error {
	return c.classify(c.sessions.RevokeOne(ctx, userID, sessionID))
}

/*
====================================
SIGNUP / ONBOARDING
====================================
*/

// StartSignup opens the enrollment flow for a phone number and sends the
// first verification code. Restarting an in-flight signup just reissues
// the code.
func (c *Core) StartSignup(ctx context.Context, phone string) error {
	taken, err := c.vault.ExistsByPhone(ctx, phone)
	if err != nil {
		return c.classify(err)
	}
	if taken {
		return ErrConflict
	}

	if _, err := c.progress.Start(ctx, phone, onboarding.StepData{Phone: phone}); err != nil && !errors.Is(err, onboarding.ErrAlreadyStarted) {
		return c.classify(err)
	}

	code, err := c.otps.Issue(ctx, otp.PurposeSignup, phone)
	if err != nil {
		return c.classify(err)
	}
	c.sendSMS(ctx, phone, "Your verification code is "+code)
	c.emit(ctx, audit.Event{
		EventType: audit.EventOTPIssued,
		UserID:    phone,
		Success:   true,
		Metadata:  map[string]string{"purpose": string(otp.PurposeSignup)},
	})
	return nil
}

// VerifySignupPhone consumes the signup code and advances the flow.
func (c *Core) VerifySignupPhone(ctx context.Context, phone, code string) error {
	if err := c.verifyOTP(ctx, otp.PurposeSignup, phone, code); err != nil {
		return err
	}
	_, err := c.progress.Advance(ctx, phone, onboarding.StepPhoneVerified, onboarding.StepData{})
	return c.classify(err)
}

// SubmitBasicInfo creates the principal record from the collected identity
// and provisions the wallet best-effort.
func (c *Core) SubmitBasicInfo(ctx context.Context, phone string, input vault.EnrollInput) (*vault.Principal, error) {
	input.Phone = phone

	principal, err := c.vault.Enroll(ctx, input)
	if err != nil {
		return nil, c.classify(err)
	}

	walletCreated := false
	if err := c.wallets.CreateWallet(ctx, principal.ID); err == nil {
		walletCreated = true
	}

	_, err = c.progress.Advance(ctx, phone, onboarding.StepBasicInfo, onboarding.StepData{
		PrincipalID:   principal.ID,
		Email:         input.Email,
		WalletCreated: walletCreated,
	})
	if err != nil {
		return nil, c.classify(err)
	}
	return principal, nil
}

// SetupPassword stores the sign-in password for the enrolling principal.
func (c *Core) SetupPassword(ctx context.Context, phone, newPassword string) error {
	principalID, err := c.enrollingPrincipal(ctx, phone)
	if err != nil {
		return err
	}
	if err := c.vault.SetPassword(ctx, principalID, newPassword); err != nil {
		return c.classify(err)
	}
	_, err = c.progress.Advance(ctx, phone, onboarding.StepPasswordSetup, onboarding.StepData{PasswordSet: true})
	return c.classify(err)
}

// SetupPIN stores the transaction PIN for the enrolling principal.
func (c *Core) SetupPIN(ctx context.Context, phone, pin string) error {
	principalID, err := c.enrollingPrincipal(ctx, phone)
	if err != nil {
		return err
	}
	if err := c.vault.SetPIN(ctx, principalID, pin); err != nil {
		return c.classify(err)
	}
	_, err = c.progress.Advance(ctx, phone, onboarding.StepPinSetup, onboarding.StepData{PINSet: true})
	return c.classify(err)
}

// BeginIdentityVerification records that an external verification was
// started with the named provider.
func (c *Core) BeginIdentityVerification(ctx context.Context, phone, provider, reference string) error {
	_, err := c.progress.Advance(ctx, phone, onboarding.StepVerificationInitiated, onboarding.StepData{
		VerificationProvider:  provider,
		VerificationReference: reference,
	})
	return c.classify(err)
}

// MarkVerificationPending records that the provider accepted the submission.
func (c *Core) MarkVerificationPending(ctx context.Context, phone string) error {
	_, err := c.progress.Advance(ctx, phone, onboarding.StepVerificationPending, onboarding.StepData{})
	return c.classify(err)
}

// CompleteIdentityVerification records the provider's verdict. A failed
// verification routes the subject back into the verification sub-flow.
func (c *Core) CompleteIdentityVerification(ctx context.Context, phone string, verified bool) error {
	toStep := onboarding.StepVerificationSuccess
	if !verified {
		toStep = onboarding.StepVerificationFailed
	}
	_, err := c.progress.Advance(ctx, phone, toStep, onboarding.StepData{})
	return c.classify(err)
}

// FinishSignup completes the flow and issues the first session.
func (c *Core) FinishSignup(ctx context.Context, phone string, device session.DeviceInfo) (*session.Pair, error) {
	state, err := c.progress.Advance(ctx, phone, onboarding.StepCompleted, onboarding.StepData{})
	if err != nil {
		return nil, c.classify(err)
	}
	if state.Data.PrincipalID == 0 {
		return nil, ErrNotFound
	}
	pair, err := c.issue(ctx, state.Data.PrincipalID, device)
	if err != nil {
		return nil, c.classify(err)
	}
	return pair, nil
}

// ResumeSignup tells a returning client where to pick the flow back up.
// Nil means there is nothing to resume.
func (c *Core) ResumeSignup(ctx context.Context, phone string) (*onboarding.ResumeInfo, error) {
	info, err := c.progress.Resume(ctx, phone)
	if err != nil {
		return nil, c.classify(err)
	}
	return info, nil
}

// SweepOnboarding removes orphaned onboarding state. Safe to run
// periodically from multiple instances.
func (c *Core) SweepOnboarding(ctx context.Context) (int, error) {
	removed, err := c.progress.SweepExpired(ctx)
	return removed, c.classify(err)
}

/*
====================================
CREDENTIAL CHANGES
====================================
*/

// RequestPinReset sends a PIN reset code to the account's phone.
func (c *Core) RequestPinReset(ctx context.Context, userID int64) error {
	principal, err := c.vault.GetPrincipal(ctx, userID)
	if err != nil {
		return c.classify(err)
	}
	code, err := c.otps.Issue(ctx, otp.PurposePinReset, strconv.FormatInt(userID, 10))
	if err != nil {
		return c.classify(err)
	}
	c.sendSMS(ctx, principal.Phone, "Your PIN reset code is "+code)
	return nil
}

// ConfirmPinReset consumes the reset code and stores the new PIN.
func (c *Core) ConfirmPinReset(ctx context.Context, userID int64, code, newPIN string) error {
	if err := c.verifyOTP(ctx, otp.PurposePinReset, strconv.FormatInt(userID, 10), code); err != nil {
		return err
	}
	return c.classify(c.vault.SetPIN(ctx, userID, newPIN))
}

// VerifyPIN checks a transaction PIN for an authenticated principal.
func (c *Core) VerifyPIN(ctx context.Context, userID int64, pin string) error {
	ok, err := c.vault.VerifyPIN(ctx, userID, pin)
	if err != nil {
		return c.classify(err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// RequestEmailChange sends a confirmation code to the new address.
func (c *Core) RequestEmailChange(ctx context.Context, userID int64, newEmail string) error {
	taken, err := c.vault.ExistsByEmail(ctx, newEmail)
	if err != nil {
		return c.classify(err)
	}
	if taken {
		return ErrConflict
	}
	code, err := c.otps.Issue(ctx, otp.PurposeEmailChange, strconv.FormatInt(userID, 10))
	if err != nil {
		return c.classify(err)
	}
	c.sendEmail(ctx, newEmail, "Confirm your new email",
		"Your confirmation code is "+code, "")
	return nil
}

// ConfirmEmailChange consumes the confirmation code and re-encrypts the
// email under the current key with a fresh lookup hash.
func (c *Core) ConfirmEmailChange(ctx context.Context, userID int64, newEmail, code string) error {
	if err := c.verifyOTP(ctx, otp.PurposeEmailChange, strconv.FormatInt(userID, 10), code); err != nil {
		return err
	}
	return c.classify(c.vault.UpdateEmail(ctx, userID, newEmail))
}

/*
====================================
INTERNAL
====================================
*/

// lookup resolves phone-or-email identifiers. "@" routing is a heuristic,
// not validation; a miss either way reads as not found.
func (c *Core) lookup(ctx context.Context, identifier string) (*vault.Principal, error) {
	if strings.ContainsRune(identifier, '@') {
		return c.vault.FindByEmail(ctx, identifier)
	}
	return c.vault.FindByPhone(ctx, identifier)
}

func (c *Core) issue(ctx context.Context, userID int64, device session.DeviceInfo) (*session.Pair, error) {
	c.annotateLocation(ctx, &device)
	return c.sessions.Issue(ctx, userID, device)
}

func (c *Core) annotateLocation(ctx context.Context, device *session.DeviceInfo) {
	if device.Location != "" || device.IP == "" {
		return
	}
	if loc, err := c.geo.Locate(ctx, device.IP); err == nil {
		device.Location = loc
	}
}

// failedAttempt records a wrong password against both counters and makes
// the lock durable when the principal threshold trips.
func (c *Core) failedAttempt(ctx context.Context, principal *vault.Principal, ip string) error {
	subject := strconv.FormatInt(principal.ID, 10)
	_, _ = c.guard.RecordIPFailure(ctx, ip)

	_, reachedThreshold, err := c.guard.RecordFailure(ctx, subject)
	if err != nil {
		return c.classify(err)
	}
	if reachedThreshold {
		until := time.Now().Add(c.guard.LockDuration())
		if err := c.vault.SetLockUntil(ctx, principal.ID, &until); err != nil {
			return c.classify(err)
		}
		c.emit(ctx, audit.Event{EventType: audit.EventAccountLocked, UserID: subject, IP: ip})
		c.sendSMS(ctx, principal.Phone,
			"Your account was locked after too many failed sign-in attempts.")
		return ErrAccountLocked
	}

	c.emit(ctx, audit.Event{EventType: audit.EventSignInFailure, UserID: subject, IP: ip})
	return ErrUnauthorized
}

// clearFailureState resets the counters and lifts any durable lock after a
// successful authentication.
func (c *Core) clearFailureState(ctx context.Context, principal *vault.Principal, ip string) error {
	if err := c.guard.RecordSuccess(ctx, strconv.FormatInt(principal.ID, 10), ip); err != nil {
		return err
	}
	if principal.LockUntil != nil {
		return c.vault.SetLockUntil(ctx, principal.ID, nil)
	}
	return nil
}

// verifyOTP maps challenge results onto the caller-facing taxonomy.
func (c *Core) verifyOTP(ctx context.Context, purpose otp.Purpose, subject, code string) error {
	result, err := c.otps.Verify(ctx, purpose, subject, code)
	if err != nil {
		return c.classify(err)
	}
	switch result {
	case otp.Verified:
		return nil
	case otp.Mismatch:
		return ErrOTPInvalid
	case otp.Locked:
		c.emit(ctx, audit.Event{
			EventType: audit.EventOTPLocked,
			UserID:    subject,
			Metadata:  map[string]string{"purpose": string(purpose)},
		})
		return ErrRateLimited
	default:
		return ErrOTPExpired
	}
}

// enrollingPrincipal reads the principal id accumulated in onboarding state.
func (c *Core) enrollingPrincipal(ctx context.Context, phone string) (int64, error) {
	state, err := c.progress.Get(ctx, phone)
	if err != nil {
		return 0, c.classify(err)
	}
	if state.Data.PrincipalID == 0 {
		return 0, ErrNotFound
	}
	return state.Data.PrincipalID, nil
}

func (c *Core) sendSMS(ctx context.Context, to, body string) {
	if err := c.notify.SendSMS(ctx, to, body); err != nil {
		c.emit(ctx, audit.Event{EventType: audit.EventSignInFailure, Error: "sms delivery failed: " + err.Error()})
	}
}

func (c *Core) sendEmail(ctx context.Context, to, subject, text, html string) {
	_ = c.notify.SendEmail(ctx, to, subject, text, html)
}

func (c *Core) emit(ctx context.Context, event audit.Event) {
	c.audit.Emit(ctx, event)
}

// classify maps subsystem sentinels onto the package taxonomy. Unmatched
// errors pass through unchanged.
func (c *Core) classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ephemeral.ErrUnavailable), errors.Is(err, ledger.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	case errors.Is(err, vault.ErrDuplicateEmail), errors.Is(err, vault.ErrDuplicatePhone), errors.Is(err, ledger.ErrDuplicateToken):
		return ErrConflict
	case errors.Is(err, vault.ErrCorruptedRecord):
		return ErrCorruptedRecord
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, onboarding.ErrNotFound), errors.Is(err, session.ErrSessionNotFound):
		return ErrNotFound
	case errors.Is(err, onboarding.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	case errors.Is(err, password.ErrSecretTooShort):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	case errors.Is(err, otp.ErrResendLimited):
		return ErrRateLimited
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrUnauthorized), errors.Is(err, token.ErrTokenInvalid):
		return ErrUnauthorized
	default:
		return err
	}
}
