package authcore

import (
	"errors"
	"testing"
)

// Callers matching only the coarse classes must still catch the
// finer-grained sentinels.
func TestErrorTaxonomyChains(t *testing.T) {
	cases := []struct {
		name string
		err  error
		root error
	}{
		{"account locked is rate limited", ErrAccountLocked, ErrRateLimited},
		{"otp invalid is unauthorized", ErrOTPInvalid, ErrUnauthorized},
		{"otp expired is unauthorized", ErrOTPExpired, ErrUnauthorized},
		{"invalid transition is validation", ErrInvalidTransition, ErrValidation},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.root) {
			t.Errorf("%s: %v does not match %v", tc.name, tc.err, tc.root)
		}
	}

	// The chains stay disjoint across classes.
	if errors.Is(ErrAccountLocked, ErrUnauthorized) {
		t.Error("account locked leaked into unauthorized")
	}
	if errors.Is(ErrOTPInvalid, ErrRateLimited) {
		t.Error("otp invalid leaked into rate limited")
	}
}
