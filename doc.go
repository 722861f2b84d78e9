// Package authcore is a transport-agnostic credential and session
// lifecycle engine for account systems that keep PII encrypted at rest.
//
// It covers versioned field-level encryption with rotatable key chains,
// hash-indexed lookups over encrypted fields, OTP challenges, brute-force
// lockouts, refresh-token rotation across a Redis fast store and a durable
// SQL ledger, and a resumable onboarding step machine.
//
// The package exposes no HTTP or gRPC surface. Embed Core behind whatever
// transport the service uses and implement vault.Store for principal
// persistence.
package authcore
