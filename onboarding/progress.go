// Package onboarding tracks a subject's progress through the enrollment
// step machine, stored as JSON in the ephemeral store so an interrupted
// signup can resume on any instance.
package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/veltapay/authcore/audit"
	"github.com/veltapay/authcore/ephemeral"
)

// Step is one stage of the enrollment flow.
type Step string

const (
	StepPhoneVerification     Step = "phone_verification"
	StepPhoneVerified         Step = "phone_verified"
	StepBasicInfo             Step = "basic_info"
	StepPasswordSetup         Step = "password_setup"
	StepPinSetup              Step = "pin_setup"
	StepVerificationInitiated Step = "verification_initiated"
	StepVerificationPending   Step = "verification_pending"
	StepVerificationSuccess   Step = "verification_success"
	StepVerificationFailed    Step = "verification_failed"
	StepCompleted             Step = "completed"
)

// transitions is the set of allowed forward moves. VerificationFailed is
// recoverable: it routes back into the verification sub-flow rather than
// ending the machine.
var transitions = map[Step][]Step{
	StepPhoneVerification:     {StepPhoneVerified},
	StepPhoneVerified:         {StepBasicInfo},
	StepBasicInfo:             {StepPasswordSetup},
	StepPasswordSetup:         {StepPinSetup},
	StepPinSetup:              {StepVerificationInitiated},
	StepVerificationInitiated: {StepVerificationPending},
	StepVerificationPending:   {StepVerificationSuccess, StepVerificationFailed},
	StepVerificationSuccess:   {StepCompleted},
	StepVerificationFailed:    {StepVerificationInitiated},
}

var (
	// ErrNotFound is returned when no onboarding state exists for the subject.
	ErrNotFound = errors.New("onboarding state not found")
	// ErrInvalidTransition is returned when toStep is not reachable from the
	// current step.
	ErrInvalidTransition = errors.New("invalid onboarding transition")
	// ErrAlreadyStarted is returned when starting a subject that has live state.
	ErrAlreadyStarted = errors.New("onboarding already started")
)

// StepData carries the typed facts accumulated across steps. Zero-valued
// fields in a patch leave the stored value untouched.
type StepData struct {
	Phone                 string `json:"phone,omitempty"`
	Email                 string `json:"email,omitempty"`
	PrincipalID           int64  `json:"principal_id,omitempty"`
	PasswordSet           bool   `json:"password_set,omitempty"`
	PINSet                bool   `json:"pin_set,omitempty"`
	VerificationProvider  string `json:"verification_provider,omitempty"`
	VerificationReference string `json:"verification_reference,omitempty"`
	VerificationCompleted bool   `json:"verification_completed,omitempty"`
	WalletCreated         bool   `json:"wallet_created,omitempty"`
}

// State is the stored progress record for one enrolling subject.
type State struct {
	SubjectKey     string    `json:"subject_key"`
	CurrentStep    Step      `json:"current_step"`
	CompletedSteps []Step    `json:"completed_steps"`
	Data           StepData  `json:"data"`
	CreatedAt      time.Time `json:"created_at"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ResumeInfo tells a returning client where to pick the flow back up. A nil
// ResumeInfo means there is nothing to resume.
type ResumeInfo struct {
	CurrentStep    Step
	CompletedSteps []Step
	Data           StepData
	LastUpdated    time.Time
}

// Config bounds the lifetime of onboarding state.
type Config struct {
	// TTL caps how long an unfinished enrollment survives.
	TTL time.Duration
	// CompletionGrace is how long completed state lingers so late duplicate
	// completion signals find it instead of erroring.
	CompletionGrace time.Duration
}

// DefaultConfig returns the standard lifetimes.
func DefaultConfig() Config {
	return Config{
		TTL:             100 * 24 * time.Hour,
		CompletionGrace: time.Hour,
	}
}

// Tracker runs the step machine over the ephemeral store.
type Tracker struct {
	cfg   Config
	store *ephemeral.Store
	audit *audit.Dispatcher
}

// New wires a Tracker. The audit dispatcher may be nil.
func New(cfg Config, store *ephemeral.Store, auditor *audit.Dispatcher) (*Tracker, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("onboarding ttl must be positive")
	}
	if cfg.CompletionGrace <= 0 {
		cfg.CompletionGrace = time.Hour
	}
	if store == nil {
		return nil, errors.New("onboarding requires an ephemeral store")
	}
	return &Tracker{cfg: cfg, store: store, audit: auditor}, nil
}

// Start creates fresh state at the first step.
func (t *Tracker) Start(ctx context.Context, subjectKey string, data StepData) (*State, error) {
	existing, err := t.load(ctx, subjectKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyStarted
	}

	now := time.Now().UTC()
	state := &State{
		SubjectKey:  subjectKey,
		CurrentStep: StepPhoneVerification,
		Data:        data,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := t.save(ctx, state, t.cfg.TTL); err != nil {
		return nil, err
	}
	return state, nil
}

// Advance moves the subject to toStep. The step being left is appended to
// CompletedSteps exactly once, and the patch is merged into the stored data.
func (t *Tracker) Advance(ctx context.Context, subjectKey string, toStep Step, patch StepData) (*State, error) {
	state, err := t.load(ctx, subjectKey)
	if err != nil {
		return nil, err
	}

	// A late duplicate completion signal finds the stored state instead of
	// erroring; the grace window exists for exactly this.
	if state.CurrentStep == StepCompleted && toStep == StepCompleted {
		return state, nil
	}

	if !allowed(state.CurrentStep, toStep) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.CurrentStep, toStep)
	}

	if !contains(state.CompletedSteps, state.CurrentStep) {
		state.CompletedSteps = append(state.CompletedSteps, state.CurrentStep)
	}
	state.CurrentStep = toStep
	state.Data = merge(state.Data, patch)
	state.LastUpdated = time.Now().UTC()

	if toStep == StepVerificationFailed {
		// The subject re-enters the verification sub-flow from scratch.
		state.Data.VerificationCompleted = false
	}
	if toStep == StepVerificationSuccess {
		state.Data.VerificationCompleted = true
	}

	ttl := t.remainingTTL(ctx, subjectKey)
	if toStep == StepCompleted {
		ttl = t.cfg.CompletionGrace
	}
	if err := t.save(ctx, state, ttl); err != nil {
		return nil, err
	}

	if t.audit != nil {
		t.audit.Emit(ctx, audit.Event{
			EventType: audit.EventOnboardingStep,
			UserID:    subjectKey,
			Success:   true,
			Metadata:  map[string]string{"step": string(toStep)},
		})
	}
	return state, nil
}

// Resume returns where to pick the flow back up, or nil when there is no
// live state or the flow already completed.
func (t *Tracker) Resume(ctx context.Context, subjectKey string) (*ResumeInfo, error) {
	state, err := t.load(ctx, subjectKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if state.CurrentStep == StepCompleted {
		return nil, nil
	}
	return &ResumeInfo{
		CurrentStep:    state.CurrentStep,
		CompletedSteps: state.CompletedSteps,
		Data:           state.Data,
		LastUpdated:    state.LastUpdated,
	}, nil
}

// Get returns the raw state.
func (t *Tracker) Get(ctx context.Context, subjectKey string) (*State, error) {
	return t.load(ctx, subjectKey)
}

// Clear drops the state outright.
func (t *Tracker) Clear(ctx context.Context, subjectKey string) error {
	return t.store.Del(ctx, t.key(subjectKey))
}

// SweepExpired deletes onboarding keys that lost their expiry. Idempotent
// and safe to run from multiple instances concurrently; it only deletes.
func (t *Tracker) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	err := t.store.Scan(ctx, t.key("*"), func(keys []string) error {
		for _, key := range keys {
			ttl, err := t.store.PTTL(ctx, key)
			if err != nil {
				return err
			}
			// A key without expiry would otherwise live forever.
			if ttl == ephemeral.NoExpiry {
				if err := t.store.Del(ctx, key); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (t *Tracker) key(subjectKey string) string {
	return t.store.Key("onb", subjectKey)
}

func (t *Tracker) load(ctx context.Context, subjectKey string) (*State, error) {
	raw, err := t.store.Get(ctx, t.key(subjectKey))
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode onboarding state: %w", err)
	}
	return &state, nil
}

func (t *Tracker) save(ctx context.Context, state *State, ttl time.Duration) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode onboarding state: %w", err)
	}
	return t.store.Set(ctx, t.key(state.SubjectKey), string(raw), ttl)
}

// remainingTTL keeps the original expiry instead of sliding it forward on
// every write; an enrollment cannot outlive the configured ceiling by
// staying barely active.
func (t *Tracker) remainingTTL(ctx context.Context, subjectKey string) time.Duration {
	ttl, err := t.store.TTL(ctx, t.key(subjectKey))
	if err != nil || ttl <= 0 {
		return t.cfg.TTL
	}
	return ttl
}

func allowed(from, to Step) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func contains(steps []Step, step Step) bool {
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

func merge(base, patch StepData) StepData {
	if patch.Phone != "" {
		base.Phone = patch.Phone
	}
	if patch.Email != "" {
		base.Email = patch.Email
	}
	if patch.PrincipalID != 0 {
		base.PrincipalID = patch.PrincipalID
	}
	if patch.PasswordSet {
		base.PasswordSet = true
	}
	if patch.PINSet {
		base.PINSet = true
	}
	if patch.VerificationProvider != "" {
		base.VerificationProvider = patch.VerificationProvider
	}
	if patch.VerificationReference != "" {
		base.VerificationReference = patch.VerificationReference
	}
	if patch.VerificationCompleted {
		base.VerificationCompleted = true
	}
	if patch.WalletCreated {
		base.WalletCreated = true
	}
	return base
}
