package authcore

import (
	"errors"
	"fmt"
)

// Root taxonomy. The finer-grained sentinels below wrap one of these, so
// errors.Is against the coarse class always matches.
var (
	// ErrUnauthorized is the single answer for any failed authentication:
	// unknown identifier, wrong password, bad or revoked token. Causes are
	// never distinguished to the caller.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited covers IP throttling, exhausted OTP attempts, and
	// resend caps.
	ErrRateLimited = errors.New("rate limited")
	// ErrConflict is returned when an email or phone is already registered.
	ErrConflict = errors.New("identifier already registered")
	// ErrNotFound is returned for a missing principal, session, or
	// onboarding record.
	ErrNotFound = errors.New("not found")
	// ErrDependencyUnavailable indicates a store failure. Per fail-closed
	// policy it always denies the operation.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrCorruptedRecord is returned when stored encrypted data cannot be
	// decrypted.
	ErrCorruptedRecord = errors.New("corrupted record")
	// ErrValidation is returned for rejected input, such as a password or
	// PIN below the configured minimum length.
	ErrValidation = errors.New("validation failed")
)

var (
	// ErrAccountLocked is returned while a durable lockout is live. A
	// lockout is a rate limit on the whole account.
	ErrAccountLocked = fmt.Errorf("%w: account locked", ErrRateLimited)
	// ErrOTPInvalid is returned for a wrong (but not exhausted) code.
	ErrOTPInvalid = fmt.Errorf("%w: invalid verification code", ErrUnauthorized)
	// ErrOTPExpired is returned when no live challenge exists.
	ErrOTPExpired = fmt.Errorf("%w: verification code expired", ErrUnauthorized)
	// ErrInvalidTransition is returned for an onboarding step that is not
	// reachable from the current one.
	ErrInvalidTransition = fmt.Errorf("%w: invalid onboarding transition", ErrValidation)
)
