package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPQueue enqueues tasks against the external queue service.
type HTTPQueue struct {
	cfg        config.TaskQueueConfig
	httpClient HTTPClient
	clock      clock.Clock
	recorder   telemetry.Recorder
}

// HTTPOption allows customizing the queue client.
type HTTPOption func(*HTTPQueue)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(hc HTTPClient) HTTPOption {
	return func(q *HTTPQueue) { q.httpClient = hc }
}

// WithClock allows injecting a custom clock
func WithClock(clk clock.Clock) HTTPOption {
	return func(q *HTTPQueue) { q.clock = clk }
}

// WithRecorder allows injecting a telemetry recorder
func WithRecorder(rec telemetry.Recorder) HTTPOption {
	return func(q *HTTPQueue) { q.recorder = rec }
}

// NewHTTPQueue creates a queue client.
func NewHTTPQueue(cfg config.TaskQueueConfig, opts ...HTTPOption) *HTTPQueue {
	q := &HTTPQueue{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      clock.RealClock{},
		recorder:   telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type enqueueRequest struct {
	TargetURL    string          `json:"target_url"`
	Payload      json.RawMessage `json:"payload"`
	NotBeforeUTC time.Time       `json:"not_before_utc"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

// Enqueue registers a delayed delivery with the queue service.
func (q *HTTPQueue) Enqueue(ctx context.Context, targetURL string, payload []byte, notBefore time.Time) (string, error) {
	if err := validateNotBefore(notBefore, q.clock.Now()); err != nil {
		return "", err
	}

	body, err := json.Marshal(enqueueRequest{
		TargetURL:    targetURL,
		Payload:      payload,
		NotBeforeUTC: notBefore.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode enqueue request: %v", err)
	}

	var taskID string
	err = retry.Do(
		func() error {
			var err error
			taskID, err = q.doEnqueue(ctx, body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(common.RetryMaxAttempts),
		retry.Delay(common.RetryBaseDelay),
		retry.MaxDelay(common.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			klog.V(2).InfoS("Enqueue failed, retrying", "attempt", attempt+1, "error", err)
			telemetry.ExternalRetries.WithLabelValues("queue").Inc()
			q.recorder.Record(telemetry.Event{
				Kind:       telemetry.KindRetry,
				Detail:     "queue enqueue",
				RetryCount: int(attempt) + 1,
			})
		}),
	)
	if err != nil {
		return "", err
	}

	klog.V(2).InfoS("Enqueued delayed task", "taskID", taskID, "notBefore", notBefore.UTC())
	return taskID, nil
}

func (q *HTTPQueue) doEnqueue(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if q.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+q.cfg.Token)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("queue unavailable: status %d", resp.StatusCode)
	default:
		return "", retry.Unrecoverable(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var result enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %v", err)
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("queue returned empty task id")
	}
	return result.TaskID, nil
}
