// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import "context"

// Directory defines read-only access to the recipient (user) store.
// Query methods return an empty slice, never an error, when nothing matches.
type Directory interface {
	// FindByID returns ErrNotFound (wrapped) if the recipient does not exist.
	FindByID(ctx context.Context, id string) (Recipient, error)
	FindByGroupCode(ctx context.Context, code string) ([]Recipient, error)
	FindByRole(ctx context.Context, role string) ([]Recipient, error)
	FindByGroupCodeAndRole(ctx context.Context, code, role string) ([]Recipient, error)
}

// TokenLookup is the secondary keyed token store (deviceTokens/{id}).
type TokenLookup interface {
	// LookupToken returns "" with a nil error when no token is stored.
	LookupToken(ctx context.Context, recipientID string) (string, error)
}

// LocationStore is the keyed store of last-known positions (GPSLocation/{id}).
type LocationStore interface {
	// FetchLocation returns nil with a nil error when nothing is stored.
	FetchLocation(ctx context.Context, recipientID string) (map[string]interface{}, error)
}

// Gateway is the remote push primitive. One call is one best-effort attempt.
type Gateway interface {
	Send(ctx context.Context, token string, payload Payload) (string, error)
}

// MulticastGateway is implemented by gateways that can push one payload to many
// tokens in a single call. Results are index-aligned with tokens.
type MulticastGateway interface {
	Gateway
	SendMulticast(ctx context.Context, tokens []string, payload Payload) ([]SendResult, error)
}
