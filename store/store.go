// Package store defines the linearizable document/collection abstraction:
// get/query/conditional-batched-write plus a change feed on
// participant and contribution documents. It is deliberately backend
// agnostic — package store/pebblestore supplies the production
// implementation on top of github.com/cockroachdb/pebble, and this package
// also exports an in-memory Memory implementation used by every other
// component's tests (constructor-injected per the design notes' "restate
// global handles as dependencies" guidance).
package store

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Get when no document exists at (collection, id).
var ErrNotFound = errors.New("store: document not found")

// ErrConditionFailed is returned by Write when a ConditionalUpdate's
// expected LastUpdated does not match the stored document, signalling the
// caller should retry.
var ErrConditionFailed = errors.New("store: conditional update precondition failed")

// OpKind selects the kind of a batched write operation.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpConditionalUpdate
)

// Op is one operation within a Write batch. Value is marshaled to JSON for
// storage. For OpConditionalUpdate, ExpectedLastUpdated must match the
// document's current "lastUpdated" field or the whole batch is rejected.
type Op struct {
	Kind                OpKind
	Collection          string
	ID                  string
	Value               any
	ExpectedLastUpdated int64
}

// FilterOp is a comparison operator for Query filters.
type FilterOp int

const (
	FilterEq FilterOp = iota
	FilterGte
	FilterLte
	FilterNeq
)

// Filter restricts Query to documents whose Field compares to Value per Op.
// Fields are matched against the document's top-level JSON keys.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Store is the persistence collaborator every core component depends on.
// A batch passed to Write either commits wholly or leaves every target
// document unchanged.
type Store interface {
	Get(ctx context.Context, collection, id string, out any) error
	Query(ctx context.Context, collection string, filters []Filter, out any) error
	Write(ctx context.Context, batch []Op) error
	Close() error
}

// ChangeStream is implemented by stores capable of emitting at-least-once
// (before, after) snapshots for documents written to collection. The
// Scheduler (package scheduler) subscribes to participant collections; the
// post-verification refresh handler (package verifier) subscribes to
// contribution collections.
type ChangeStream interface {
	Watch(ctx context.Context, collection string) (<-chan Change, error)
}

// Change is one (before, after) delivery. Before is nil on document
// creation. Both are raw JSON so callers unmarshal into their own type.
type Change struct {
	Collection string
	ID         string
	Before     json.RawMessage
	After      json.RawMessage
}

// CeremonyCollection returns the collection name scoped to one ceremony,
// "<ceremonyId>/<collection>", for implementations which flatten
// (ceremonyId, collection) pairs into one namespace. Exported so alternate backends can
// share the convention.
func CeremonyCollection(ceremonyID, collection string) string {
	return ceremonyID + "/" + collection
}

// Common collection name constants shared across the core components.
const (
	CollectionCeremonies   = "ceremonies"
	CollectionCircuits     = "circuits"
	CollectionParticipants = "participants"
	CollectionContributions = "contributions"
	CollectionTimeouts     = "timeouts"
)
