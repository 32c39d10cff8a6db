package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Memory keeps documents as JSON in process memory. Transactions hold the
// store lock for their whole duration, so they are serializable.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{docs: map[string]map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, collection, key string, dst any) error {
	m.mu.Lock()
	raw, ok := m.lookup(collection, key)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

func (m *Memory) Set(_ context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, key, raw)
	return nil
}

func (m *Memory) Create(_ context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(collection, key); ok {
		return ErrAlreadyExists
	}
	m.put(collection, key, raw)
	return nil
}

func (m *Memory) Update(_ context.Context, collection, key string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.lookup(collection, key)
	if !ok {
		return ErrNotFound
	}
	merged, err := applyPatch(raw, patch)
	if err != nil {
		return fmt.Errorf("patch %s/%s: %w", collection, key, err)
	}
	m.put(collection, key, merged)
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], key)
	return nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Document, error) {
	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		v, err := normalize(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		filters[i] = Filter{Field: f.Field, Op: f.Op, Value: v}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.docs[q.Collection]
	keys := make([]string, 0, len(coll))
	for k := range coll {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Document
	for _, k := range keys {
		raw := coll[k]
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", q.Collection, k, err)
		}
		if !matches(fields, filters) {
			continue
		}
		out = append(out, Document{Key: k, decode: func(dst any) error {
			return json.Unmarshal(raw, dst)
		}})
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, w := range tx.writes {
		if w.raw == nil {
			delete(m.docs[w.collection], w.key)
			continue
		}
		m.put(w.collection, w.key, w.raw)
	}
	return nil
}

// lookup and put expect m.mu to be held.
func (m *Memory) lookup(collection, key string) ([]byte, bool) {
	raw, ok := m.docs[collection][key]
	return raw, ok
}

func (m *Memory) put(collection, key string, raw []byte) {
	coll, ok := m.docs[collection]
	if !ok {
		coll = map[string][]byte{}
		m.docs[collection] = coll
	}
	coll[key] = raw
}

type memoryWrite struct {
	collection string
	key        string
	raw        []byte // nil deletes
}

type memoryTx struct {
	m      *Memory
	writes []memoryWrite
}

func (tx *memoryTx) Get(collection, key string, dst any) error {
	if len(tx.writes) > 0 {
		return ErrReadAfterWrite
	}
	raw, ok := tx.m.lookup(collection, key)
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

// current sees the transaction's own pending writes.
func (tx *memoryTx) current(collection, key string) ([]byte, bool) {
	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		if w.collection == collection && w.key == key {
			return w.raw, w.raw != nil
		}
	}
	return tx.m.lookup(collection, key)
}

func (tx *memoryTx) Set(collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	tx.writes = append(tx.writes, memoryWrite{collection: collection, key: key, raw: raw})
	return nil
}

func (tx *memoryTx) Create(collection, key string, doc any) error {
	if _, ok := tx.current(collection, key); ok {
		return ErrAlreadyExists
	}
	return tx.Set(collection, key, doc)
}

func (tx *memoryTx) Update(collection, key string, patch map[string]any) error {
	raw, ok := tx.current(collection, key)
	if !ok {
		return ErrNotFound
	}
	merged, err := applyPatch(raw, patch)
	if err != nil {
		return fmt.Errorf("patch %s/%s: %w", collection, key, err)
	}
	tx.writes = append(tx.writes, memoryWrite{collection: collection, key: key, raw: merged})
	return nil
}

func (tx *memoryTx) Delete(collection, key string) error {
	tx.writes = append(tx.writes, memoryWrite{collection: collection, key: key})
	return nil
}

func applyPatch(raw []byte, patch map[string]any) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range patch {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = nv
	}
	return json.Marshal(fields)
}

// normalize round-trips v through JSON so it compares equal to stored fields.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func matches(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := fields[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpArrayContains:
			list, ok := got.([]any)
			if !ok {
				return false
			}
			found := false
			for _, item := range list {
				if reflect.DeepEqual(item, f.Value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if !reflect.DeepEqual(got, f.Value) {
				return false
			}
		}
	}
	return true
}
