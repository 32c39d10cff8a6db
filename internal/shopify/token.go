package shopify

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"hyperush/internal/filestore"
	"hyperush/internal/security"
)

// TokenRecord is the offline access token of one installed shop.
type TokenRecord struct {
	Shop        string    `json:"shop"`
	AccessToken string    `json:"accessToken"`
	Scope       string    `json:"scope"`
	InstalledAt time.Time `json:"installedAt"`
}

// TokenStore keeps the latest token per shop. Get reports a missing shop
// with found=false, never an error.
type TokenStore interface {
	Save(ctx context.Context, rec TokenRecord) error
	Get(ctx context.Context, shop string) (rec TokenRecord, found bool, err error)
}

// storedToken is the on-disk form. With a sealer configured AccessToken is
// empty and AccessTokenEnc holds the sealed value.
type storedToken struct {
	Shop           string    `json:"shop"`
	AccessToken    string    `json:"accessToken,omitempty"`
	AccessTokenEnc string    `json:"accessTokenEnc,omitempty"`
	Scope          string    `json:"scope"`
	InstalledAt    time.Time `json:"installedAt"`
}

type FileTokenStore struct {
	path   string
	sealer *security.Sealer

	mu     sync.Mutex
	loaded bool
	tokens map[string]storedToken
}

// NewFileTokenStore stores tokens at path. sealer may be nil for plaintext
// local development files.
func NewFileTokenStore(path string, sealer *security.Sealer) *FileTokenStore {
	return &FileTokenStore{path: path, sealer: sealer}
}

func (s *FileTokenStore) Save(_ context.Context, rec TokenRecord) error {
	st := storedToken{Shop: rec.Shop, Scope: rec.Scope, InstalledAt: rec.InstalledAt.UTC()}
	if s.sealer != nil {
		enc, err := s.sealer.Seal(rec.AccessToken, rec.Shop)
		if err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
		st.AccessTokenEnc = enc
	} else {
		st.AccessToken = rec.AccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	next := maps.Clone(s.tokens)
	next[rec.Shop] = st
	if err := filestore.Save(s.path, next); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	s.tokens = next
	return nil
}

func (s *FileTokenStore) Get(_ context.Context, shop string) (TokenRecord, bool, error) {
	s.mu.Lock()
	if err := s.loadLocked(); err != nil {
		s.mu.Unlock()
		return TokenRecord{}, false, err
	}
	st, ok := s.tokens[shop]
	s.mu.Unlock()
	if !ok {
		return TokenRecord{}, false, nil
	}

	rec := TokenRecord{Shop: st.Shop, AccessToken: st.AccessToken, Scope: st.Scope, InstalledAt: st.InstalledAt}
	if st.AccessTokenEnc != "" {
		if s.sealer == nil {
			return TokenRecord{}, false, fmt.Errorf("token for %s is encrypted and no key is configured", shop)
		}
		tok, err := s.sealer.Open(st.AccessTokenEnc, st.Shop)
		if err != nil {
			return TokenRecord{}, false, fmt.Errorf("decrypt token for %s: %w", shop, err)
		}
		rec.AccessToken = tok
	}
	return rec, true, nil
}

func (s *FileTokenStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	tokens, _, err := filestore.Load[map[string]storedToken](s.path)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	if tokens == nil {
		tokens = map[string]storedToken{}
	}
	s.tokens = tokens
	s.loaded = true
	return nil
}
