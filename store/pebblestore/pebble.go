// Package pebblestore is the production store.Store implementation, backed
// by github.com/cockroachdb/pebble (an embedded LSM engine). Pebble gives
// us the single-node linearizable compare-and-set the Store abstraction
// assumes: the persistent document store is assumed linearizable for
// per-document conditional updates, and cross-replica consensus is out of
// scope, so one pebble instance satisfies the contract without needing a
// distributed backend.
//
// Documents are stored under keys "<collection>/<id>" as JSON values. Write
// holds the store's mutex from reading each existing value's "lastUpdated"
// field until the pebble.Batch carrying the write has committed, so two
// concurrent Write calls touching the same document serialize: the second
// observes the first's commit and its expectation fails with
// store.ErrConditionFailed.
package pebblestore

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// Store is a store.Store backed by a pebble.DB.
type Store struct {
	db *pebble.DB

	mu   sync.Mutex
	subs map[string][]chan store.Change
}

var _ store.Store = (*Store)(nil)
var _ store.ChangeStream = (*Store)(nil)

// Open opens (or creates) a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "pebblestore: open")
	}
	return &Store{db: db, subs: make(map[string][]chan store.Change)}, nil
}

func docKey(collection, id string) []byte {
	return []byte(collection + "/" + id)
}

func (s *Store) Get(_ context.Context, collection, id string, out any) error {
	v, closer, err := s.db.Get(docKey(collection, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "pebblestore: get")
	}
	defer closer.Close()
	return json.Unmarshal(v, out)
}

func (s *Store) Query(_ context.Context, collection string, filters []store.Filter, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return errors.New("pebblestore: Query out must be a pointer to a slice")
	}
	sliceType := rv.Elem().Type()
	elemType := sliceType.Elem()
	result := reflect.MakeSlice(sliceType, 0, 0)

	prefix := []byte(collection + "/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return errors.Wrap(err, "pebblestore: query iter")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val := append([]byte(nil), iter.Value()...)
		var generic map[string]any
		if err := json.Unmarshal(val, &generic); err != nil {
			return err
		}
		if !matchesAll(generic, filters) {
			continue
		}
		elemPtr := reflect.New(elemType)
		if err := json.Unmarshal(val, elemPtr.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, elemPtr.Elem())
	}
	rv.Elem().Set(result)
	return iter.Error()
}

// prefixUpperBound returns the smallest key greater than every key sharing
// prefix, the standard pebble idiom for a prefix-bounded scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

func (s *Store) Write(_ context.Context, ops []store.Op) error {
	s.mu.Lock()
	locked := true
	defer func() {
		if locked {
			s.mu.Unlock()
		}
	}()

	batch := s.db.NewBatch()
	defer batch.Close()

	type pending struct {
		collection, id string
		before, after  json.RawMessage
	}
	var changes []pending

	for _, op := range ops {
		key := docKey(op.Collection, op.ID)
		var before json.RawMessage
		existing, closer, err := s.db.Get(key)
		switch {
		case err == nil:
			before = append(json.RawMessage(nil), existing...)
			closer.Close()
		case errors.Is(err, pebble.ErrNotFound):
			// no prior document
		default:
			return errors.Wrap(err, "pebblestore: write/get")
		}

		if op.Kind == store.OpConditionalUpdate {
			if before == nil {
				return store.ErrConditionFailed
			}
			var cur struct {
				LastUpdated int64 `json:"lastUpdated"`
			}
			if err := json.Unmarshal(before, &cur); err != nil {
				return err
			}
			if cur.LastUpdated != op.ExpectedLastUpdated {
				return store.ErrConditionFailed
			}
		}

		raw, err := json.Marshal(op.Value)
		if err != nil {
			return err
		}
		if err := batch.Set(key, raw, nil); err != nil {
			return errors.Wrap(err, "pebblestore: batch set")
		}
		changes = append(changes, pending{op.Collection, op.ID, before, raw})
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "pebblestore: commit")
	}

	subsByColl := make(map[string][]chan store.Change)
	for _, c := range changes {
		if _, ok := subsByColl[c.collection]; ok {
			continue
		}
		subsByColl[c.collection] = append([]chan store.Change(nil), s.subs[c.collection]...)
	}
	s.mu.Unlock()
	locked = false

	for _, c := range changes {
		ch := store.Change{Collection: c.collection, ID: c.id, Before: c.before, After: c.after}
		for _, sub := range subsByColl[c.collection] {
			sub <- ch
		}
	}
	return nil
}

func (s *Store) Watch(_ context.Context, collection string) (<-chan store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan store.Change, 64)
	s.subs[collection] = append(s.subs[collection], ch)
	return ch, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func matchesAll(doc map[string]any, filters []store.Filter) bool {
	for _, f := range filters {
		if !matchOne(doc[f.Field], f) {
			return false
		}
	}
	return true
}

func matchOne(v any, f store.Filter) bool {
	lv, lok := toFloat(v)
	rv, rok := toFloat(f.Value)
	if lok && rok {
		switch f.Op {
		case store.FilterEq:
			return lv == rv
		case store.FilterNeq:
			return lv != rv
		case store.FilterGte:
			return lv >= rv
		case store.FilterLte:
			return lv <= rv
		}
	}
	switch f.Op {
	case store.FilterEq:
		return v == f.Value
	case store.FilterNeq:
		return v != f.Value
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
