// Package docstore is the document persistence seam shared by the tenant,
// invitation, membership and idempotency records. Documents are plain structs
// tagged with matching `json` and `dynamodbav` names.
package docstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("docstore: document not found")
	ErrAlreadyExists  = errors.New("docstore: document already exists")
	ErrTxConflict     = errors.New("docstore: transaction conflict")
	ErrReadAfterWrite = errors.New("docstore: transaction read after write")
)

// Store is a collection/key addressed document store.
type Store interface {
	// Get decodes the document into dst or returns ErrNotFound.
	Get(ctx context.Context, collection, key string, dst any) error
	// Set writes doc, replacing any existing document.
	Set(ctx context.Context, collection, key string, doc any) error
	// Create writes doc only when no document exists at key.
	Create(ctx context.Context, collection, key string, doc any) error
	// Update merges the given top-level fields into an existing document.
	Update(ctx context.Context, collection, key string, patch map[string]any) error
	Delete(ctx context.Context, collection, key string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	// RunTransaction runs fn and commits its writes atomically. fn may be
	// invoked more than once when a concurrent writer wins the race.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view handed to RunTransaction. Every Get must
// happen before the first write.
type Tx interface {
	Get(collection, key string, dst any) error
	Set(collection, key string, doc any) error
	Create(collection, key string, doc any) error
	Update(collection, key string, patch map[string]any) error
	Delete(collection, key string) error
}

type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Query struct {
	Collection string
	Filters    []Filter
	Limit      int
}

// Where appends an equality filter.
func (q Query) Where(field string, value any) Query {
	q.Filters = append(q.Filters, Filter{Field: field, Op: OpEqual, Value: value})
	return q
}

// Document is one query hit.
type Document struct {
	Key    string
	decode func(dst any) error
}

func (d Document) Decode(dst any) error { return d.decode(dst) }
