package taskqueue

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
)

// MemoryQueue is an in-process queue for local runs and tests. Tasks are
// delivered by a timer goroutine with a single best-effort POST; there is
// no persistence, so pending tasks die with the process.
type MemoryQueue struct {
	httpClient HTTPClient
	clock      clock.Clock
	deliver    bool

	mu    sync.Mutex
	tasks map[string]Task
}

// MemoryOption allows customizing the queue.
type MemoryOption func(*MemoryQueue)

// WithMemoryHTTPClient allows injecting a custom HTTP client
func WithMemoryHTTPClient(hc HTTPClient) MemoryOption {
	return func(q *MemoryQueue) { q.httpClient = hc }
}

// WithMemoryClock allows injecting a custom clock
func WithMemoryClock(clk clock.Clock) MemoryOption {
	return func(q *MemoryQueue) { q.clock = clk }
}

// WithoutDelivery records tasks but never posts them. Used by tests that
// only assert on what was enqueued.
func WithoutDelivery() MemoryOption {
	return func(q *MemoryQueue) { q.deliver = false }
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clock.RealClock{},
		deliver:    true,
		tasks:      make(map[string]Task),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue registers the task and arms a delivery timer.
func (q *MemoryQueue) Enqueue(_ context.Context, targetURL string, payload []byte, notBefore time.Time) (string, error) {
	now := q.clock.Now()
	if err := validateNotBefore(notBefore, now); err != nil {
		return "", err
	}

	task := Task{
		ID:           uuid.NewString(),
		TargetURL:    targetURL,
		Payload:      append([]byte(nil), payload...),
		NotBeforeUTC: notBefore.UTC(),
	}

	q.mu.Lock()
	q.tasks[task.ID] = task
	q.mu.Unlock()

	if q.deliver {
		time.AfterFunc(notBefore.Sub(now), func() { q.deliverTask(task.ID) })
	}
	return task.ID, nil
}

// Pending returns the tasks not yet delivered, for tests and /health.
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

func (q *MemoryQueue) deliverTask(id string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	delete(q.tasks, id)
	q.mu.Unlock()
	if !ok {
		return
	}

	req, err := http.NewRequest(http.MethodPost, task.TargetURL, bytes.NewReader(task.Payload))
	if err != nil {
		klog.ErrorS(err, "Failed to build delayed delivery", "taskID", task.ID)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		klog.ErrorS(err, "Delayed delivery failed", "taskID", task.ID, "target", task.TargetURL)
		return
	}
	resp.Body.Close()
	klog.V(2).InfoS("Delivered delayed task", "taskID", task.ID, "status", resp.StatusCode)
}
