// Package rtdb reads the keyed stores kept in the Firebase Realtime Database:
// device tokens and last-known GPS locations, both indexed by user id.
package rtdb

import (
	"context"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/db"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

const (
	DefaultTokensPath   = "deviceTokens"
	DefaultLocationPath = "GPSLocation"
)

// Reader defines the subset of the Realtime Database API we use.
// This allows mocking for unit tests.
type Reader interface {
	Read(ctx context.Context, path string, dest interface{}) error
}

type clientReader struct {
	client *db.Client
}

func (r clientReader) Read(ctx context.Context, path string, dest interface{}) error {
	return r.client.NewRef(path).Get(ctx, dest)
}

// KeyStore implements dispatch.TokenLookup and dispatch.LocationStore.
type KeyStore struct {
	reader       Reader
	tokensPath   string
	locationPath string
}

// NewKeyStore wraps a Realtime Database client. Empty paths fall back to the defaults.
func NewKeyStore(client *db.Client, tokensPath, locationPath string) *KeyStore {
	return NewKeyStoreWithReader(clientReader{client: client}, tokensPath, locationPath)
}

func NewKeyStoreWithReader(reader Reader, tokensPath, locationPath string) *KeyStore {
	if tokensPath == "" {
		tokensPath = DefaultTokensPath
	}
	if locationPath == "" {
		locationPath = DefaultLocationPath
	}
	return &KeyStore{
		reader:       reader,
		tokensPath:   strings.Trim(tokensPath, "/"),
		locationPath: strings.Trim(locationPath, "/"),
	}
}

// LookupToken reads deviceTokens/{id}. The node may hold the bare token or an
// object with a "token" or "fcmToken" field.
func (s *KeyStore) LookupToken(ctx context.Context, recipientID string) (string, error) {
	var raw interface{}
	if err := s.reader.Read(ctx, s.tokensPath+"/"+recipientID, &raw); err != nil {
		return "", fmt.Errorf("%w: read device token for %s: %v", dispatch.ErrDependency, recipientID, err)
	}

	switch v := raw.(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		for _, key := range []string{"token", "fcmToken"} {
			if tok, ok := v[key].(string); ok && tok != "" {
				return tok, nil
			}
		}
	}
	return "", nil
}

// FetchLocation reads GPSLocation/{id}. A missing node or a non-object value is nil.
func (s *KeyStore) FetchLocation(ctx context.Context, recipientID string) (map[string]interface{}, error) {
	var raw interface{}
	if err := s.reader.Read(ctx, s.locationPath+"/"+recipientID, &raw); err != nil {
		return nil, fmt.Errorf("%w: read location for %s: %v", dispatch.ErrDependency, recipientID, err)
	}
	loc, _ := raw.(map[string]interface{})
	return loc, nil
}
