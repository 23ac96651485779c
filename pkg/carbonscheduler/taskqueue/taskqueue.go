// Package taskqueue is the thin contract over the persistent delayed-task
// queue: enqueue a (target URL, payload, not-before) tuple and receive a
// task id. Delivery guarantees (at-least-one attempt at or after not-before,
// bounded retry on 5xx, drop on 4xx) belong to the external queue service.
package taskqueue

import (
	"context"
	"fmt"
	"time"
)

// Task is one enqueued delayed delivery.
type Task struct {
	ID           string    `json:"task_id"`
	TargetURL    string    `json:"target_url"`
	Payload      []byte    `json:"payload"`
	NotBeforeUTC time.Time `json:"not_before_utc"`
}

// Queue accepts delayed tasks.
type Queue interface {
	// Enqueue registers a delivery of payload to targetURL at or after
	// notBefore and returns the queue-assigned task id. notBefore must not
	// precede the current time.
	Enqueue(ctx context.Context, targetURL string, payload []byte, notBefore time.Time) (string, error)
}

// validateNotBefore enforces the queue contract shared by all backends.
func validateNotBefore(notBefore, now time.Time) error {
	if notBefore.Before(now.Truncate(time.Second)) {
		return fmt.Errorf("not-before %s precedes enqueue time %s",
			notBefore.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return nil
}
