package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Entity is one row or document returned by the remote store.
type Entity map[string]any

// RemoteStore is the datastore records are reconciled against.
//
// QueryByKey and Probe fail with a transport error when the collection is
// unreachable or does not exist. Update fails when the store refuses the
// write, including when no entity has the given identifier.
type RemoteStore interface {
	QueryByKey(ctx context.Context, collection, keyField, keyValue string) ([]Entity, error)
	Probe(ctx context.Context, collection string) error
	Update(ctx context.Context, collection, entityID string, payload map[string]any) error
}

// entityID reads the identifier field from an entity as a string.
func entityID(e Entity, field string) (string, bool) {
	v, ok := e[field]
	if !ok || v == nil {
		return "", false
	}
	var id string
	switch t := v.(type) {
	case string:
		id = t
	case []byte:
		id = string(t)
	case [16]byte:
		id = uuid.UUID(t).String()
	case fmt.Stringer:
		id = t.String()
	default:
		id = fmt.Sprint(t)
	}
	if id == "" {
		return "", false
	}
	return id, true
}
