package shopify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFileStates(t *testing.T, path string, ttl time.Duration, c *clock) *FileStateStore {
	t.Helper()
	s, err := NewFileStateStore(path, StateOptions{Secret: "state-secret", TTL: ttl, Now: c.Now})
	if err != nil {
		t.Fatalf("NewFileStateStore: %v", err)
	}
	return s
}

func TestFileStateSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock()
	s := newFileStates(t, filepath.Join(t.TempDir(), "state.json"), 10*time.Minute, c)

	grant, err := s.Generate(ctx, "shop.myshopify.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !grant.ExpiresAt.Equal(c.Now().Add(10 * time.Minute)) {
		t.Fatalf("ExpiresAt = %s", grant.ExpiresAt)
	}

	rec, err := s.Consume(ctx, grant.State)
	if err != nil || rec == nil || rec.Shop != "shop.myshopify.com" {
		t.Fatalf("first Consume = %+v, %v", rec, err)
	}
	rec, err = s.Consume(ctx, grant.State)
	if err != nil || rec != nil {
		t.Fatalf("second Consume = %+v, %v; want nil", rec, err)
	}
}

func TestFileStateZeroTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newFileStates(t, filepath.Join(t.TempDir(), "state.json"), 0, newClock())

	grant, err := s.Generate(ctx, "shop.myshopify.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rec, err := s.Consume(ctx, grant.State); err != nil || rec != nil {
		t.Fatalf("Consume with ttl=0 = %+v, %v; want nil", rec, err)
	}
}

func TestFileStateExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock()
	s := newFileStates(t, filepath.Join(t.TempDir(), "state.json"), time.Minute, c)

	grant, _ := s.Generate(ctx, "shop.myshopify.com")
	c.Advance(61 * time.Second)
	if rec, err := s.Consume(ctx, grant.State); err != nil || rec != nil {
		t.Fatalf("Consume after ttl = %+v, %v; want nil", rec, err)
	}
}

func TestFileStateTamperDetection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newFileStates(t, filepath.Join(t.TempDir(), "state.json"), 10*time.Minute, newClock())

	grant, err := s.Generate(ctx, "shop.myshopify.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for i := range grant.State {
		b := []byte(grant.State)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		if rec, err := s.Consume(ctx, string(b)); err != nil || rec != nil {
			t.Fatalf("Consume with byte %d mutated = %+v, %v", i, rec, err)
		}
	}

	// The untouched state is still there: rejected attempts did not consume it.
	if rec, err := s.Consume(ctx, grant.State); err != nil || rec == nil {
		t.Fatalf("Consume original = %+v, %v", rec, err)
	}
}

func TestFileStateRejectsMalformed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newFileStates(t, filepath.Join(t.TempDir(), "state.json"), time.Minute, newClock())

	for _, bad := range []string{"", "nodot", "a.b.c", ".sig", "payload."} {
		if rec, err := s.Consume(ctx, bad); err != nil || rec != nil {
			t.Fatalf("Consume(%q) = %+v, %v", bad, rec, err)
		}
	}
}

func TestFileStateSignatureFromOtherSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	c := newClock()

	a := newFileStates(t, filepath.Join(dir, "a.json"), time.Minute, c)
	b, err := NewFileStateStore(filepath.Join(dir, "a.json"), StateOptions{Secret: "other", TTL: time.Minute, Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}

	grant, _ := a.Generate(ctx, "shop.myshopify.com")
	if rec, _ := b.Consume(ctx, grant.State); rec != nil {
		t.Fatal("state signed with another secret was accepted")
	}
}

func TestFileStateSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	c := newClock()

	first := newFileStates(t, path, 10*time.Minute, c)
	live, _ := first.Generate(ctx, "live.myshopify.com")

	short, err := NewFileStateStore(path, StateOptions{Secret: "state-secret", TTL: time.Second, Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = short.Generate(ctx, "short.myshopify.com")

	c.Advance(2 * time.Second)

	restarted := newFileStates(t, path, 10*time.Minute, c)
	rec, err := restarted.Consume(ctx, live.State)
	if err != nil || rec == nil {
		t.Fatalf("Consume after restart = %+v, %v", rec, err)
	}
	if rec.Shop != "live.myshopify.com" || !rec.CreatedAt.Equal(c.Now().Add(-2*time.Second)) {
		t.Fatalf("record = %+v", rec)
	}
	if n := len(restarted.states); n != 0 {
		t.Fatalf("%d states left, expired entry should have been pruned on load", n)
	}
}

func TestStateFormat(t *testing.T) {
	t.Parallel()
	signer := stateSigner{secret: []byte("k")}
	rec, err := signer.issue("shop.myshopify.com", time.Unix(1700000000, 0), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(rec.State, ".")
	if len(parts) != 2 || len(parts[1]) != 64 {
		t.Fatalf("state = %q", rec.State)
	}
	if len(rec.Nonce) != 32 {
		t.Fatalf("nonce = %q, want 16 bytes hex", rec.Nonce)
	}
	if !signer.verify(rec.State) {
		t.Fatal("issued state does not verify")
	}
}

type fakeStateTable struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue
	deletes int
}

func (f *fakeStateTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[in.Item["State"].(*types.AttributeValueMemberS).Value] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeStateTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	k := in.Key["State"].(*types.AttributeValueMemberS).Value
	old := f.items[k]
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{Attributes: old}, nil
}

func TestDynamoStateStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClock()
	table := &fakeStateTable{items: map[string]map[string]types.AttributeValue{}}
	s, err := NewDynamoStateStore(table, "oauth-state", StateOptions{Secret: "state-secret", TTL: time.Minute, Now: c.Now})
	if err != nil {
		t.Fatal(err)
	}

	grant, err := s.Generate(ctx, "shop.myshopify.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	item := table.items[grant.State]
	if ttl, ok := item["ExpiresAtEpoch"].(*types.AttributeValueMemberN); !ok || ttl.Value == "" {
		t.Fatalf("missing ExpiresAtEpoch: %v", item)
	}

	if rec, _ := s.Consume(ctx, grant.State+"0"); rec != nil {
		t.Fatal("tampered state accepted")
	}
	if table.deletes != 0 {
		t.Fatal("tampered state reached the table")
	}

	rec, err := s.Consume(ctx, grant.State)
	if err != nil || rec == nil || rec.Shop != "shop.myshopify.com" {
		t.Fatalf("Consume = %+v, %v", rec, err)
	}
	if rec, _ := s.Consume(ctx, grant.State); rec != nil {
		t.Fatal("state consumed twice")
	}

	expiring, _ := s.Generate(ctx, "shop.myshopify.com")
	c.Advance(time.Minute)
	if rec, _ := s.Consume(ctx, expiring.State); rec != nil {
		t.Fatal("expired state accepted")
	}
}

// unwritablePath returns a path whose parent is a regular file, so saves fail.
func unwritablePath(t *testing.T) string {
	t.Helper()
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(blocker, "store.json")
}

func TestFileStateConsumeKeepsStateWhenPersistFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s := newFileStates(t, path, 10*time.Minute, newClock())

	grant, err := s.Generate(ctx, "acme.myshopify.com")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	s.path = unwritablePath(t)
	if rec, err := s.Consume(ctx, grant.State); err == nil || rec != nil {
		t.Fatalf("Consume with failing save = %+v, %v", rec, err)
	}
	if _, err := s.Generate(ctx, "other.myshopify.com"); err == nil {
		t.Fatal("Generate with failing save should error")
	}
	if n := len(s.states); n != 1 {
		t.Fatalf("%d states in memory after failed saves, want 1", n)
	}

	s.path = path
	if rec, err := s.Consume(ctx, grant.State); err != nil || rec == nil {
		t.Fatalf("Consume after recovery = %+v, %v", rec, err)
	}
}
