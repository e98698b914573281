package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medlar/approvals/model"
)

// ExecutionResult is the cached outcome of an action execution.
type ExecutionResult struct {
	Instance model.WorkflowInstance `json:"instance"`
	Events   []model.Event          `json:"events"`
}

// IdempotencyStore provides deduplication for action execution.
// The key format is "idem:{instanceId}:{action}:{key}".
type IdempotencyStore interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a conflict error.
	Check(ctx context.Context, key string, inputHash string) (result *ExecutionResult, found bool, err error)

	// Store saves an execution result keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, result ExecutionResult, ttl time.Duration) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash string          `json:"input_hash"`
	Result    ExecutionResult `json:"result"`
}

// IdempotentExecutor wraps the engine's Execute with replay deduplication.
// A replayed key with identical input returns the first result without a
// second journal entry; a replayed key with different input fails CONFLICT.
type IdempotentExecutor struct {
	engine *Engine
	store  IdempotencyStore
	ttl    time.Duration
}

// NewIdempotentExecutor creates an executor with the given dedup store and TTL.
func NewIdempotentExecutor(engine *Engine, store IdempotencyStore, ttl time.Duration) *IdempotentExecutor {
	return &IdempotentExecutor{engine: engine, store: store, ttl: ttl}
}

// Execute runs the action, deduplicating on the idempotency key when one is
// supplied. An empty key bypasses deduplication entirely.
func (x *IdempotentExecutor) Execute(
	ctx context.Context,
	actor *model.ActorContext,
	instanceID string,
	action string,
	params map[string]any,
	notes string,
	idempotencyKey string,
) (model.WorkflowInstance, []model.Event, error) {
	if idempotencyKey == "" || x.store == nil {
		return x.engine.Execute(ctx, actor, instanceID, action, params, notes)
	}

	key := FormatIdempotencyKey(instanceID, action, idempotencyKey)
	hash := hashInput(actor.SubjectID, params, notes)

	cached, found, err := x.store.Check(ctx, key, hash)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	if found {
		return cached.Instance, cached.Events, nil
	}

	inst, events, err := x.engine.Execute(ctx, actor, instanceID, action, params, notes)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}

	if err := x.store.Store(ctx, key, hash, ExecutionResult{Instance: inst, Events: events}, x.ttl); err != nil {
		return model.WorkflowInstance{}, nil, fmt.Errorf("store idempotency result: %w", err)
	}
	return inst, events, nil
}

// hashInput fingerprints the request so a reused key with different input is
// detectable.
func hashInput(actorID string, params map[string]any, notes string) string {
	payload, _ := json.Marshal(struct {
		ActorID string         `json:"actor_id"`
		Params  map[string]any `json:"params"`
		Notes   string         `json:"notes"`
	}{actorID, params, notes})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memIdemEntry
}

type memIdemEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memIdemEntry),
	}
}

// Check looks up a cached result. Returns conflict error if input hash differs.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (*ExecutionResult, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if entry.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	result := entry.data.Result
	return &result, true, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result ExecutionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memIdemEntry{
		data: idempotencyEntry{
			InputHash: inputHash,
			Result:    result,
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached result in Redis. Returns conflict error if input hash differs.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (*ExecutionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if entry.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	return &entry.Result, true, nil
}

// Store saves a result in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result ExecutionResult, ttl time.Duration) error {
	entry := idempotencyEntry{
		InputHash: inputHash,
		Result:    result,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(instanceID, action, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", instanceID, action, key)
}
