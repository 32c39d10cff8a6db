package shopify

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"hyperush/internal/filestore"
)

type WebhookRecord struct {
	ID         string    `json:"id"`
	Shop       string    `json:"shop,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// FileWebhookLedger is a bounded ledger in a JSON file. Once more than
// maxEntries ids are held the oldest by receivedAt are evicted, and a
// redelivery of an evicted id counts as fresh again.
type FileWebhookLedger struct {
	path       string
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	loaded  bool
	records []WebhookRecord // insertion order
	seen    map[string]struct{}
}

func NewFileWebhookLedger(path string, maxEntries int) *FileWebhookLedger {
	return &FileWebhookLedger{path: path, maxEntries: maxEntries, now: time.Now}
}

func (l *FileWebhookLedger) MarkHandled(_ context.Context, id string, meta WebhookMeta) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadLocked(); err != nil {
		return false, err
	}
	if _, ok := l.seen[id]; ok {
		return false, nil
	}

	records := append(slices.Clone(l.records), WebhookRecord{
		ID:         id,
		Shop:       meta.Shop,
		Topic:      meta.Topic,
		ReceivedAt: l.now().UTC(),
	})
	records = l.evict(records)

	if err := filestore.Save(l.path, records); err != nil {
		return false, fmt.Errorf("persist webhook ledger: %w", err)
	}
	l.setLocked(records)
	return true, nil
}

// evict returns records trimmed to the newest maxEntries by receivedAt.
func (l *FileWebhookLedger) evict(records []WebhookRecord) []WebhookRecord {
	if l.maxEntries <= 0 || len(records) <= l.maxEntries {
		return records
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReceivedAt.Before(records[j].ReceivedAt)
	})
	return append([]WebhookRecord(nil), records[len(records)-l.maxEntries:]...)
}

func (l *FileWebhookLedger) loadLocked() error {
	if l.loaded {
		return nil
	}
	records, _, err := filestore.Load[[]WebhookRecord](l.path)
	if err != nil {
		return fmt.Errorf("load webhook ledger: %w", err)
	}
	l.setLocked(records)
	l.loaded = true
	return nil
}

func (l *FileWebhookLedger) setLocked(records []WebhookRecord) {
	l.records = records
	l.seen = make(map[string]struct{}, len(records))
	for _, r := range records {
		l.seen[r.ID] = struct{}{}
	}
}
