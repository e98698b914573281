package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/medlar/approvals/model"
)

func sampleEvents() []model.Event {
	return []model.Event{
		{
			ID:             "evt-1",
			InstanceID:     "inst-1",
			Kind:           model.KindContract,
			Action:         "approve",
			FromState:      "commercial_review",
			ToState:        "pending_director_approval",
			ActorID:        "user-1",
			RecipientRoles: []string{model.RoleDirector},
		},
		{
			ID:           "evt-2",
			InstanceID:   "inst-1",
			Kind:         model.KindContract,
			Action:       "approve",
			RecipientIDs: []string{"user-creator"},
		},
	}
}

func TestLogNotifierDispatch(t *testing.T) {
	n := NewLogNotifier(nil)
	if err := n.Dispatch(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestRedisNotifierPushesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	n := NewRedisNotifier(client, "approvals:notifications", nil, nil)
	if err := n.Dispatch(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	items, err := mr.List("approvals:notifications")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("queue has %d items, want 2", len(items))
	}

	var evt model.Event
	if err := json.Unmarshal([]byte(items[0]), &evt); err != nil {
		t.Fatalf("queued item is not valid JSON: %v", err)
	}
	if evt.InstanceID != "inst-1" {
		t.Errorf("InstanceID = %q, want inst-1", evt.InstanceID)
	}
}

func TestRedisNotifierEmptyBatch(t *testing.T) {
	n := NewRedisNotifier(nil, "q", nil, nil)
	if err := n.Dispatch(context.Background(), nil); err != nil {
		t.Fatalf("Dispatch(nil): %v", err)
	}
}

func TestRedisNotifierBreakerOpensAndRecovers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	breaker := NewCircuitBreaker(2, 1, 50*time.Millisecond)
	n := NewRedisNotifier(client, "q", breaker, nil)
	ctx := context.Background()

	// Two failed dispatches trip the breaker.
	mr.Close()
	for i := 0; i < 2; i++ {
		if err := n.Dispatch(ctx, sampleEvents()); err == nil {
			t.Fatal("expected dispatch failure against closed redis")
		}
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("breaker state = %v, want open", breaker.State())
	}

	// While open, dispatch is rejected without touching redis.
	if err := n.Dispatch(ctx, sampleEvents()); err == nil {
		t.Fatal("expected rejection while breaker is open")
	}

	// After the timeout a probe is let through and success closes the loop.
	time.Sleep(60 * time.Millisecond)
	mr.Restart()
	if err := n.Dispatch(ctx, sampleEvents()); err != nil {
		t.Fatalf("probe dispatch after recovery: %v", err)
	}
	if breaker.State() != BreakerClosed {
		t.Errorf("breaker state = %v, want closed", breaker.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 1, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(15 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow after timeout: %v", err)
	}

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Errorf("state after half-open failure = %v, want open", cb.State())
	}
}
