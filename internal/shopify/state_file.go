package shopify

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"hyperush/internal/filestore"
)

// FileStateStore keeps states in a JSON file. It is only safe with a single
// writer process per file.
type FileStateStore struct {
	path   string
	signer stateSigner
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	loaded bool
	states map[string]StateRecord
}

func NewFileStateStore(path string, opts StateOptions) (*FileStateStore, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &FileStateStore{
		path:   path,
		signer: stateSigner{secret: []byte(opts.Secret)},
		ttl:    opts.TTL,
		now:    opts.Now,
	}, nil
}

func (s *FileStateStore) Generate(_ context.Context, shop string) (StateGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return StateGrant{}, err
	}
	now := s.now()
	rec, err := s.signer.issue(shop, now, s.ttl)
	if err != nil {
		return StateGrant{}, err
	}

	next := maps.Clone(s.states)
	pruneExpired(next, now)
	next[rec.State] = rec
	if err := s.persist(next); err != nil {
		return StateGrant{}, err
	}
	s.states = next
	return StateGrant{State: rec.State, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *FileStateStore) Consume(_ context.Context, state string) (*StateRecord, error) {
	if !s.signer.verify(state) {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	rec, ok := s.states[state]
	if !ok {
		return nil, nil
	}
	next := maps.Clone(s.states)
	delete(next, state)
	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.states = next
	if rec.expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *FileStateStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	states, _, err := filestore.Load[map[string]StateRecord](s.path)
	if err != nil {
		return fmt.Errorf("load oauth states: %w", err)
	}
	if states == nil {
		states = map[string]StateRecord{}
	}
	if pruneExpired(states, s.now()) > 0 {
		if err := s.persist(states); err != nil {
			return err
		}
	}
	s.states = states
	s.loaded = true
	return nil
}

func pruneExpired(states map[string]StateRecord, now time.Time) int {
	n := 0
	for k, rec := range states {
		if rec.expired(now) {
			delete(states, k)
			n++
		}
	}
	return n
}

func (s *FileStateStore) persist(states map[string]StateRecord) error {
	if err := filestore.Save(s.path, states); err != nil {
		return fmt.Errorf("persist oauth states: %w", err)
	}
	return nil
}
