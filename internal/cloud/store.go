package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/cardfolio/backend/internal/binder"
)

// DocumentKey addresses one binder document in the remote store. The key is
// a deterministic function of the owning principal and the binder id.
type DocumentKey struct {
	OwnerID  string
	BinderID string
}

// KeyFor derives the document key for an owner/binder pair.
func KeyFor(ownerID, binderID string) DocumentKey {
	return DocumentKey{
		OwnerID:  strings.TrimSpace(ownerID),
		BinderID: strings.TrimSpace(binderID),
	}
}

// String renders the storage key, matching the historical
// "<owner>_<binder>" document naming.
func (k DocumentKey) String() string {
	return fmt.Sprintf("%s_%s", k.OwnerID, k.BinderID)
}

// StoreEvent notifies subscribers that a remote document changed.
type StoreEvent struct {
	Key     DocumentKey
	Deleted bool
	Version int64
}

// DocumentStore is the remote document store contract consumed by the sync
// engine. Put has full-document overwrite semantics; implementations backed
// by partitioned storage must reassemble the full card mapping on reads.
type DocumentStore interface {
	Get(ctx context.Context, key DocumentKey) (binder.Binder, error)
	Put(ctx context.Context, key DocumentKey, b binder.Binder) error
	Delete(ctx context.Context, key DocumentKey) error
	Query(ctx context.Context, ownerID string, includeArchived bool) ([]binder.Binder, error)
	Subscribe(ctx context.Context, key DocumentKey) (<-chan StoreEvent, func())
}
