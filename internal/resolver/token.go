// Package resolver turns a recipient into a delivery token by walking an ordered
// list of sources.
package resolver

import (
	"context"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// Strategy is one token source. It reports found, absent (found == false, nil
// error) or failed.
type Strategy interface {
	Name() string
	Lookup(ctx context.Context, r dispatch.Recipient) (token string, found bool, err error)
}

// Inline reads the token stored on the user document itself.
type Inline struct{}

func (Inline) Name() string { return "inline" }

func (Inline) Lookup(_ context.Context, r dispatch.Recipient) (string, bool, error) {
	if r.InlineToken == "" {
		return "", false, nil
	}
	return r.InlineToken, true, nil
}

// Keyed reads the secondary store indexed by recipient id.
type Keyed struct {
	Store dispatch.TokenLookup
}

func (Keyed) Name() string { return "keyed" }

func (k Keyed) Lookup(ctx context.Context, r dispatch.Recipient) (string, bool, error) {
	tok, err := k.Store.LookupToken(ctx, r.ID)
	if err != nil {
		return "", false, err
	}
	return tok, tok != "", nil
}

// TokenResolver tries each strategy in order and stops at the first token found.
type TokenResolver struct {
	strategies []Strategy
}

func New(strategies ...Strategy) *TokenResolver {
	return &TokenResolver{strategies: strategies}
}

// NewDefault builds the inline-then-keyed chain.
func NewDefault(secondary dispatch.TokenLookup) *TokenResolver {
	return New(Inline{}, Keyed{Store: secondary})
}

// Resolve returns the first token found. An error from a strategy stops the walk.
func (tr *TokenResolver) Resolve(ctx context.Context, r dispatch.Recipient) (string, bool, error) {
	for _, s := range tr.strategies {
		tok, found, err := s.Lookup(ctx, r)
		if err != nil {
			return "", false, err
		}
		if found {
			return tok, true, nil
		}
	}
	return "", false, nil
}
