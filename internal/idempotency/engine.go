// Package idempotency runs an operation at most once per client key and
// replays its stored result on retries.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hyperush/internal/apperr"
	"hyperush/internal/docstore"

	"go.uber.org/zap"
)

// Collection holds one Record per hashed key.
const Collection = "idempotency"

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Record is the stored claim. Result is the exact JSON the first execution
// produced.
type Record struct {
	Hash        string    `json:"hash" dynamodbav:"hash"`
	Status      string    `json:"status" dynamodbav:"status"`
	ActorID     string    `json:"actorId,omitempty" dynamodbav:"actorId,omitempty"`
	BodyHash    string    `json:"bodyHash,omitempty" dynamodbav:"bodyHash,omitempty"`
	Result      string    `json:"result,omitempty" dynamodbav:"result,omitempty"`
	CreatedAt   time.Time `json:"createdAt" dynamodbav:"createdAt"`
	CompletedAt time.Time `json:"completedAt,omitempty" dynamodbav:"completedAt,omitempty"`
}

type Options struct {
	ActorID  string
	BodyHash string
}

// Outcome carries the operation result. Raw is the stored JSON, identical
// between the first run and every replay.
type Outcome[T any] struct {
	FromCache bool
	Result    T
	Raw       json.RawMessage
}

type Engine struct {
	store docstore.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewEngine(store docstore.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log, now: time.Now}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Do executes op once for key. The key is claimed with an atomic create
// before op runs, so concurrent callers with the same key never both execute
// it: the losers see either the completed result or an in-progress conflict.
// A failed op releases the claim so the client can retry.
func Do[T any](ctx context.Context, e *Engine, key string, opts Options, op func(ctx context.Context) (T, error)) (Outcome[T], error) {
	var zero Outcome[T]
	hash := HashKey(key)

	claim := Record{
		Hash:      hash,
		Status:    StatusPending,
		ActorID:   opts.ActorID,
		BodyHash:  opts.BodyHash,
		CreatedAt: e.now().UTC(),
	}
	err := e.store.Create(ctx, Collection, hash, claim)
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return replay[T](ctx, e, hash, opts)
	}
	if err != nil {
		return zero, fmt.Errorf("claim idempotency key: %w", err)
	}

	result, err := op(ctx)
	if err != nil {
		if derr := e.store.Delete(ctx, Collection, hash); derr != nil {
			e.log.Error("release idempotency claim", zap.String("hash", hash), zap.Error(derr))
		}
		return zero, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("encode idempotent result: %w", err)
	}
	err = e.store.Update(ctx, Collection, hash, map[string]any{
		"status":      StatusCompleted,
		"result":      string(raw),
		"completedAt": e.now().UTC(),
	})
	if err != nil {
		// The side effects already happened; leaving the claim pending keeps
		// retries from running op again.
		e.log.Error("complete idempotency record", zap.String("hash", hash), zap.Error(err))
	}

	return Outcome[T]{FromCache: false, Result: result, Raw: raw}, nil
}

func replay[T any](ctx context.Context, e *Engine, hash string, opts Options) (Outcome[T], error) {
	var zero Outcome[T]

	var rec Record
	if err := e.store.Get(ctx, Collection, hash, &rec); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			// The claim was released between our create and this read.
			return zero, apperr.NewConflict("idempotency_in_progress", "request with this idempotency key is in progress, retry")
		}
		return zero, fmt.Errorf("load idempotency record: %w", err)
	}

	if opts.BodyHash != "" && rec.BodyHash != "" && opts.BodyHash != rec.BodyHash {
		return zero, apperr.NewConflict("idempotency_conflict", "idempotency key was already used with a different request")
	}
	if rec.Status != StatusCompleted {
		return zero, apperr.NewConflict("idempotency_in_progress", "request with this idempotency key is in progress, retry")
	}

	var result T
	if err := json.Unmarshal([]byte(rec.Result), &result); err != nil {
		return zero, fmt.Errorf("decode idempotent result: %w", err)
	}
	return Outcome[T]{FromCache: true, Result: result, Raw: json.RawMessage(rec.Result)}, nil
}
