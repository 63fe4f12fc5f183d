// Package firestore implements the recipient directory on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// DefaultUsersCollection is the root collection holding user documents.
const DefaultUsersCollection = "users"

const (
	fieldGroupCode = "joinedCircleCode"
	fieldRole      = "role"
)

// Directory implements dispatch.Directory over a users collection.
type Directory struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

func NewDirectory(client *firestore.Client, collection string, logger *slog.Logger) *Directory {
	if collection == "" {
		collection = DefaultUsersCollection
	}
	return &Directory{
		client:     client,
		collection: collection,
		logger:     logger.With("component", "FirestoreDirectory"),
	}
}

// userRecord is the stored shape of a user document. Other fields are ignored.
type userRecord struct {
	UID              string `firestore:"uid"`
	JoinedCircleCode string `firestore:"joinedCircleCode"`
	Role             string `firestore:"role"`
	FCMToken         string `firestore:"fcmToken"`
}

func (d *Directory) FindByID(ctx context.Context, id string) (dispatch.Recipient, error) {
	doc, err := d.client.Collection(d.collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return dispatch.Recipient{}, fmt.Errorf("%w: user %s", dispatch.ErrNotFound, id)
		}
		return dispatch.Recipient{}, fmt.Errorf("%w: firestore get user %s: %v", dispatch.ErrDependency, id, err)
	}
	if !doc.Exists() {
		return dispatch.Recipient{}, fmt.Errorf("%w: user %s", dispatch.ErrNotFound, id)
	}
	return d.toRecipient(doc), nil
}

func (d *Directory) FindByGroupCode(ctx context.Context, code string) ([]dispatch.Recipient, error) {
	q := d.client.Collection(d.collection).Where(fieldGroupCode, "==", code)
	return d.collect(ctx, q)
}

func (d *Directory) FindByRole(ctx context.Context, role string) ([]dispatch.Recipient, error) {
	q := d.client.Collection(d.collection).Where(fieldRole, "==", role)
	return d.collect(ctx, q)
}

func (d *Directory) FindByGroupCodeAndRole(ctx context.Context, code, role string) ([]dispatch.Recipient, error) {
	q := d.client.Collection(d.collection).
		Where(fieldGroupCode, "==", code).
		Where(fieldRole, "==", role)
	return d.collect(ctx, q)
}

func (d *Directory) collect(ctx context.Context, q firestore.Query) ([]dispatch.Recipient, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	recipients := make([]dispatch.Recipient, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: firestore query failed: %v", dispatch.ErrDependency, err)
		}

		recipients = append(recipients, d.toRecipient(doc))
	}
	return recipients, nil
}

// toRecipient never drops a document: when the typed decode fails, the string
// fields that are well formed are kept so the recipient still gets a result.
func (d *Directory) toRecipient(doc *firestore.DocumentSnapshot) dispatch.Recipient {
	var rec userRecord
	if err := doc.DataTo(&rec); err != nil {
		d.logger.Warn("Malformed user document, using readable fields", "doc_id", doc.Ref.ID, "err", err)
		return recipientFromData(doc.Ref.ID, doc.Data())
	}
	return recipientFromRecord(doc.Ref.ID, rec)
}

func recipientFromRecord(docID string, rec userRecord) dispatch.Recipient {
	id := rec.UID
	if id == "" {
		id = docID
	}
	return dispatch.Recipient{
		ID:          id,
		GroupCode:   rec.JoinedCircleCode,
		Role:        rec.Role,
		InlineToken: rec.FCMToken,
	}
}

func recipientFromData(docID string, data map[string]interface{}) dispatch.Recipient {
	str := func(key string) string {
		v, _ := data[key].(string)
		return v
	}
	return recipientFromRecord(docID, userRecord{
		UID:              str("uid"),
		JoinedCircleCode: str(fieldGroupCode),
		Role:             str(fieldRole),
		FCMToken:         str("fcmToken"),
	})
}
