package authcore

import "context"

// NotificationSender delivers codes and security notices. Fire-and-forget:
// failures are audited, never allowed to change an authentication result.
type NotificationSender interface {
	SendSMS(ctx context.Context, to, body string) error
	SendEmail(ctx context.Context, to, subject, text, html string) error
}

// WalletProvisioner creates the principal's wallet once basic info is
// complete. Best-effort; a failure does not fail the enrollment step.
type WalletProvisioner interface {
	CreateWallet(ctx context.Context, principalID int64) error
}

// GeoLookup annotates session metadata with a display location for an IP.
// It never gates authorization.
type GeoLookup interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// NoOpNotifier discards all notifications.
type NoOpNotifier struct{}

func (NoOpNotifier) SendSMS(context.Context, string, string) error { return nil }

func (NoOpNotifier) SendEmail(context.Context, string, string, string, string) error { return nil }

// NoOpWallets skips wallet provisioning.
type NoOpWallets struct{}

func (NoOpWallets) CreateWallet(context.Context, int64) error { return nil }

// NoOpGeo resolves every IP to an empty location.
type NoOpGeo struct{}

func (NoOpGeo) Locate(context.Context, string) (string, error) { return "", nil }
