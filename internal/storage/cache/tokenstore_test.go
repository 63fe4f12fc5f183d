// --- File: internal/storage/cache/tokenstore_test.go ---
package cache_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-circle-notifier/internal/storage/cache"
	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	if fill, ok := args.Get(1).(string); ok && args.Error(0) == nil {
		*(dest.(*string)) = fill
	}
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

type MockRealStore struct {
	mock.Mock
}

func (m *MockRealStore) LookupToken(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedTokenLookup(t *testing.T) {
	ctx := context.Background()
	cacheKey := "circle:tokens:u1"

	t.Run("Cache hit skips the store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedTokenLookup(mockDB, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(nil, "tok-cached")

		tok, err := store.LookupToken(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "tok-cached", tok)
		mockDB.AssertNotCalled(t, "LookupToken", mock.Anything, mock.Anything)
	})

	t.Run("Cache miss reads the store and populates", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedTokenLookup(mockDB, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrMiss, nil)
		mockDB.On("LookupToken", ctx, "u1").Return("tok-fresh", nil)
		mockCache.On("Set", ctx, cacheKey, "tok-fresh", time.Hour).Return(nil)

		tok, err := store.LookupToken(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "tok-fresh", tok)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Absent token is not cached", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedTokenLookup(mockDB, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrMiss, nil)
		mockDB.On("LookupToken", ctx, "u1").Return("", nil)

		tok, err := store.LookupToken(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, tok)
		mockCache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Redis outage falls through and store error propagates", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockRealStore)
		store := cache.NewCachedTokenLookup(mockDB, mockCache, time.Hour, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(assert.AnError, nil)
		mockDB.On("LookupToken", ctx, "u1").Return("", dispatch.ErrDependency)

		_, err := store.LookupToken(ctx, "u1")
		assert.ErrorIs(t, err, dispatch.ErrDependency)
	})
}
