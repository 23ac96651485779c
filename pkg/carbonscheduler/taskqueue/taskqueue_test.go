package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
)

// MockHTTPClient is a mock implementation of HTTPClient for testing
type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

// Do implements the HTTPClient interface
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	return nil, errors.New("mock http client not implemented")
}

var queueNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func queueConfig() config.TaskQueueConfig {
	return config.TaskQueueConfig{
		Backend: "http",
		URL:     "https://queue.example/enqueue",
		Token:   "queue-token",
		Timeout: 5 * time.Second,
	}
}

func TestHTTPEnqueue(t *testing.T) {
	notBefore := queueNow.Add(3 * time.Hour)
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if got := req.Header.Get("Authorization"); got != "Bearer queue-token" {
				t.Errorf("Authorization = %q", got)
			}
			var body enqueueRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body.TargetURL != "https://fn.example/f1" {
				t.Errorf("TargetURL = %s", body.TargetURL)
			}
			if !body.NotBeforeUTC.Equal(notBefore) {
				t.Errorf("NotBeforeUTC = %s, want %s", body.NotBeforeUTC, notBefore)
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"task_id":"task-42"}`)),
			}, nil
		},
	}

	q := NewHTTPQueue(queueConfig(), WithHTTPClient(mock), WithClock(clock.NewMockClock(queueNow)))
	id, err := q.Enqueue(context.Background(), "https://fn.example/f1", []byte(`{"n":1}`), notBefore)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != "task-42" {
		t.Errorf("task id = %q", id)
	}
}

func TestHTTPEnqueueRejectsPastNotBefore(t *testing.T) {
	q := NewHTTPQueue(queueConfig(), WithClock(clock.NewMockClock(queueNow)))
	if _, err := q.Enqueue(context.Background(), "https://fn.example/f1", nil, queueNow.Add(-time.Minute)); err == nil {
		t.Fatal("Expected error for not-before in the past")
	}
}

func TestHTTPEnqueueRetriesServerErrors(t *testing.T) {
	var calls int
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: io.NopCloser(strings.NewReader(""))}, nil
			}
			return &http.Response{
				StatusCode: http.StatusCreated,
				Body:       io.NopCloser(strings.NewReader(`{"task_id":"task-1"}`)),
			}, nil
		},
	}

	q := NewHTTPQueue(queueConfig(), WithHTTPClient(mock), WithClock(clock.NewMockClock(queueNow)))
	id, err := q.Enqueue(context.Background(), "https://fn.example/f1", nil, queueNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id != "task-1" || calls != 2 {
		t.Errorf("id=%q calls=%d, want task-1 after one retry", id, calls)
	}
}

func TestHTTPEnqueueClientErrorNotRetried(t *testing.T) {
	var calls int
	mock := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			return &http.Response{StatusCode: http.StatusBadRequest, Body: io.NopCloser(strings.NewReader(""))}, nil
		},
	}

	q := NewHTTPQueue(queueConfig(), WithHTTPClient(mock), WithClock(clock.NewMockClock(queueNow)))
	if _, err := q.Enqueue(context.Background(), "https://fn.example/f1", nil, queueNow.Add(time.Hour)); err == nil {
		t.Fatal("Expected error on 4xx")
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls)
	}
}

func TestMemoryQueueRecordsTasks(t *testing.T) {
	q := NewMemoryQueue(WithMemoryClock(clock.NewMockClock(queueNow)), WithoutDelivery())

	notBefore := queueNow.Add(2 * time.Hour)
	id, err := q.Enqueue(context.Background(), "https://fn.example/f1", []byte(`{"x":1}`), notBefore)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a task id")
	}

	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("Pending = %d tasks, want 1", len(pending))
	}
	if pending[0].ID != id || !pending[0].NotBeforeUTC.Equal(notBefore) {
		t.Errorf("pending = %+v", pending[0])
	}

	// Distinct enqueues produce distinct ids.
	id2, _ := q.Enqueue(context.Background(), "https://fn.example/f1", nil, notBefore)
	if id2 == id {
		t.Error("Task ids must be unique")
	}
}

func TestMemoryQueueRejectsPastNotBefore(t *testing.T) {
	q := NewMemoryQueue(WithMemoryClock(clock.NewMockClock(queueNow)), WithoutDelivery())
	if _, err := q.Enqueue(context.Background(), "https://fn.example/f1", nil, queueNow.Add(-time.Hour)); err == nil {
		t.Fatal("Expected error for not-before in the past")
	}
}
