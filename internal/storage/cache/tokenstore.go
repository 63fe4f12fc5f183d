// --- File: internal/storage/cache/tokenstore.go ---
// Package cache adds a Redis read-aside layer in front of the keyed token store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CachedTokenLookup is a decorator that adds read-aside caching to any TokenLookup.
type CachedTokenLookup struct {
	realStore dispatch.TokenLookup
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedTokenLookup(realStore dispatch.TokenLookup, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenLookup {
	return &CachedTokenLookup{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenLookup"),
	}
}

func (s *CachedTokenLookup) LookupToken(ctx context.Context, recipientID string) (string, error) {
	key := s.cacheKey(recipientID)

	// 1. Try Cache. Any error (miss or Redis down) falls through to the store.
	var cached string
	err := s.cache.Get(ctx, key, &cached)
	switch {
	case err == nil && cached != "":
		return cached, nil
	case err != nil && !errors.Is(err, ErrMiss):
		s.logger.Warn("Token cache read failed, using store", "recipient_id", recipientID, "err", err)
	}

	// 2. Source of truth
	token, err := s.realStore.LookupToken(ctx, recipientID)
	if err != nil {
		return "", err
	}

	// 3. Populate. Absent tokens are not cached so a fresh registration is seen at once.
	if token != "" {
		if err := s.cache.Set(ctx, key, token, s.ttl); err != nil {
			s.logger.Debug("Token cache write failed", "recipient_id", recipientID, "err", err)
		}
	}
	return token, nil
}

func (s *CachedTokenLookup) cacheKey(recipientID string) string {
	return fmt.Sprintf("circle:tokens:%s", recipientID)
}
