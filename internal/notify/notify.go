// Package notify dispatches the notification intents the workflow engine
// emits after each transition. Delivery is best effort: a failed dispatch
// never rolls back the transition that produced it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medlar/approvals/model"
)

// Notifier delivers notification events to interested parties.
type Notifier interface {
	Dispatch(ctx context.Context, events []model.Event) error
}

// LogNotifier writes events to the structured log. The default sink for
// development and single-instance deployments.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Dispatch logs each event.
func (n *LogNotifier) Dispatch(_ context.Context, events []model.Event) error {
	for _, evt := range events {
		n.logger.Info("workflow notification",
			zap.String("event_id", evt.ID),
			zap.String("instance_id", evt.InstanceID),
			zap.String("kind", evt.Kind),
			zap.String("action", evt.Action),
			zap.String("from_state", evt.FromState),
			zap.String("to_state", evt.ToState),
			zap.Strings("recipient_roles", evt.RecipientRoles),
			zap.Strings("recipient_ids", evt.RecipientIDs),
		)
	}
	return nil
}

// RedisNotifier pushes events as JSON onto a Redis list for an external
// delivery worker to drain. A circuit breaker shields the engine's request
// path from a struggling Redis.
type RedisNotifier struct {
	client  redis.Cmdable
	queue   string
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewRedisNotifier creates a Redis-backed notifier publishing to queue.
func NewRedisNotifier(client redis.Cmdable, queue string, breaker *CircuitBreaker, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, queue: queue, breaker: breaker, logger: logger}
}

// Dispatch pushes each event onto the queue. Events dropped while the
// breaker is open are logged and counted as a single error.
func (n *RedisNotifier) Dispatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	if n.breaker != nil {
		if err := n.breaker.Allow(); err != nil {
			n.logger.Warn("notification dispatch skipped",
				zap.Int("dropped", len(events)),
				zap.Error(err),
			)
			return fmt.Errorf("notification queue unavailable: %w", err)
		}
	}

	payloads := make([]any, 0, len(events))
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal notification event %q: %w", evt.ID, err)
		}
		payloads = append(payloads, data)
	}

	if err := n.client.LPush(ctx, n.queue, payloads...).Err(); err != nil {
		if n.breaker != nil {
			n.breaker.RecordFailure()
		}
		return fmt.Errorf("push notifications to %q: %w", n.queue, err)
	}
	if n.breaker != nil {
		n.breaker.RecordSuccess()
	}
	return nil
}

// HealthCheck pings the queue backend for readiness probes.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
