package reconciler

import (
	"context"
	"errors"
)

// ErrMalformedResponse marks a remote reply that could not be understood.
// It is never retried.
var ErrMalformedResponse = errors.New("malformed response from subscription service")

// Subscription is a remote address-activity webhook.
type Subscription struct {
	ID         string
	Network    string
	URL        string
	SigningKey string
	Active     bool
	Addresses  []string
}

// Service is the remote subscription provider.
type Service interface {
	// List returns every subscription of the account without addresses.
	List(ctx context.Context) ([]Subscription, error)
	// Addresses returns the addresses watched by subscription id.
	Addresses(ctx context.Context, id string) ([]string, error)
	Create(ctx context.Context, network, callbackURL string, addresses []string) (Subscription, error)
	AddAddresses(ctx context.Context, id string, addresses []string) error
	RemoveAddresses(ctx context.Context, id string, addresses []string) error
	Delete(ctx context.Context, id string) error
}

// WalletSource supplies the wallets of currently authenticated sessions.
type WalletSource interface {
	Wallets() []string
}
