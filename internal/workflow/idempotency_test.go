package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/medlar/approvals/internal/capability"
	"github.com/medlar/approvals/model"
)

func newIdempotentFixture(t *testing.T, store IdempotencyStore) (*engineFixture, *IdempotentExecutor) {
	t.Helper()
	f := newEngineFixture(t, capability.ScopeAll, Options{})
	return f, NewIdempotentExecutor(f.engine, store, time.Minute)
}

func TestIdempotentExecuteReplayReturnsFirstResult(t *testing.T) {
	f, x := newIdempotentFixture(t, NewMemoryIdempotencyStore())
	creator := actor("u1", model.RoleCommercial)
	ctx := context.Background()

	inst := f.mustCreate(t, creator, model.KindContract, nil)

	first, _, err := x.Execute(ctx, creator, inst.ID, "submit", nil, "", "key-1")
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// The replay must not fail INVALID_STATE and must not journal twice.
	second, _, err := x.Execute(ctx, creator, inst.ID, "submit", nil, "", "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.State != first.State || second.Version != first.Version {
		t.Errorf("replay returned %s/v%d, want %s/v%d", second.State, second.Version, first.State, first.Version)
	}

	trail, _ := f.store.GetTransitions(ctx, inst.ID)
	if len(trail) != 1 {
		t.Errorf("journal has %d entries after replay, want 1", len(trail))
	}
}

func TestIdempotentExecuteKeyReuseWithDifferentInput(t *testing.T) {
	f, x := newIdempotentFixture(t, NewMemoryIdempotencyStore())
	creator := actor("u1", model.RoleCommercial)
	ctx := context.Background()

	inst := f.mustCreate(t, creator, model.KindContract, nil)

	if _, _, err := x.Execute(ctx, creator, inst.ID, "submit", nil, "", "key-1"); err != nil {
		t.Fatal(err)
	}

	_, _, err := x.Execute(ctx, creator, inst.ID, "submit", nil, "different notes", "key-1")
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrConflict)
	}
}

func TestIdempotentExecuteEmptyKeyBypasses(t *testing.T) {
	f, x := newIdempotentFixture(t, NewMemoryIdempotencyStore())
	creator := actor("u1", model.RoleCommercial)
	ctx := context.Background()

	inst := f.mustCreate(t, creator, model.KindContract, nil)

	if _, _, err := x.Execute(ctx, creator, inst.ID, "submit", nil, "", ""); err != nil {
		t.Fatal(err)
	}
	// Without a key the second submit is a plain re-execution and fails.
	_, _, err := x.Execute(ctx, creator, inst.ID, "submit", nil, "", "")
	if model.CodeOf(err) != model.ErrInvalidState {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrInvalidState)
	}
}

func TestIdempotentExecuteFailedActionNotCached(t *testing.T) {
	f, x := newIdempotentFixture(t, NewMemoryIdempotencyStore())
	creator := actor("u1", model.RoleCommercial)
	legal := actor("u2", model.RoleLegal)
	ctx := context.Background()

	inst := f.mustCreate(t, creator, model.KindContract, nil)

	// begin_review from draft is illegal and must not be cached.
	if _, _, err := x.Execute(ctx, legal, inst.ID, "begin_review", nil, "", "key-1"); err == nil {
		t.Fatal("expected failure")
	}

	if _, _, err := x.Execute(ctx, creator, inst.ID, "submit", nil, "", ""); err != nil {
		t.Fatal(err)
	}

	// The same key now succeeds because the failure left no entry behind.
	got, _, err := x.Execute(ctx, legal, inst.ID, "begin_review", nil, "", "key-1")
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if got.State != "legal_review" {
		t.Errorf("state = %q, want legal_review", got.State)
	}
}

func TestRedisIdempotencyStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisIdempotencyStore(client)
	ctx := context.Background()

	key := FormatIdempotencyKey("i-1", "submit", "key-1")
	result := ExecutionResult{
		Instance: seedInstance("i-1", model.KindContract, "pending_approval", "u1", 2),
	}

	if _, found, err := s.Check(ctx, key, "hash-a"); err != nil || found {
		t.Fatalf("Check before store: found=%v err=%v", found, err)
	}

	if err := s.Store(ctx, key, "hash-a", result, time.Minute); err != nil {
		t.Fatal(err)
	}

	cached, found, err := s.Check(ctx, key, "hash-a")
	if err != nil || !found {
		t.Fatalf("Check after store: found=%v err=%v", found, err)
	}
	if cached.Instance.State != "pending_approval" || cached.Instance.Version != 2 {
		t.Errorf("cached = %+v", cached.Instance)
	}

	// Same key, different input hash.
	_, found, err = s.Check(ctx, key, "hash-b")
	if !found || model.CodeOf(err) != model.ErrConflict {
		t.Errorf("hash mismatch: found=%v code=%q, want conflict", found, model.CodeOf(err))
	}

	// TTL expiry clears the key.
	mr.FastForward(2 * time.Minute)
	if _, found, _ := s.Check(ctx, key, "hash-a"); found {
		t.Error("entry should have expired")
	}
}
