// Package dispatch implements the request-facing service: per incoming
// request it loads the function's active schedule, picks the effective slot
// and either forwards the payload to the deployed region now or defers it
// through the delayed-task queue. Decisions are idempotent per caller
// request id within a rolling 24 hour window.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/plancache"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/taskqueue"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatch results recorded per request.
const (
	resultForwarded = "forwarded"
	resultDeferred  = "deferred"
	resultNoSlot    = "no_slot"
	resultUnknown   = "unknown_function"
	resultTargetErr = "target_error"
	resultReplay    = "idempotent_replay"
)

// Decision is the cached outcome of one request id.
type Decision struct {
	Result          string    `json:"result"`
	StatusCode      int       `json:"status_code,omitempty"`
	Body            []byte    `json:"-"`
	TaskID          string    `json:"task_id,omitempty"`
	ScheduledForUTC time.Time `json:"scheduled_for_utc,omitempty"`
	Region          string    `json:"region,omitempty"`
}

// Dispatcher serves POST /dispatch/:function_id.
type Dispatcher struct {
	cfg        config.DispatcherConfig
	store      store.Interface
	queue      taskqueue.Queue
	httpClient HTTPClient
	clock      clock.Clock
	recorder   telemetry.Recorder

	schedules *gocache.Cache // function id -> *types.Schedule
	decisions *gocache.Cache // function id + request id -> *Decision
}

// Option allows customizing the dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(hc HTTPClient) Option {
	return func(d *Dispatcher) { d.httpClient = hc }
}

// WithClock allows injecting a custom clock
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

// WithRecorder allows injecting a telemetry recorder
func WithRecorder(rec telemetry.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = rec }
}

// New creates a dispatcher.
func New(cfg config.DispatcherConfig, s store.Interface, queue taskqueue.Queue, opts ...Option) *Dispatcher {
	scheduleTTL := cfg.ScheduleCacheTTL
	if scheduleTTL <= 0 {
		scheduleTTL = common.ScheduleCacheTTL
	}
	forwardTimeout := cfg.ForwardTimeout
	if forwardTimeout <= 0 {
		forwardTimeout = common.DefaultCallTimeout
	}
	d := &Dispatcher{
		cfg:        cfg,
		store:      s,
		queue:      queue,
		httpClient: &http.Client{Timeout: forwardTimeout},
		clock:      clock.RealClock{},
		recorder:   telemetry.Nop{},
		schedules:  gocache.New(scheduleTTL, 5*time.Minute),
		decisions:  gocache.New(common.IdempotencyWindow, time.Hour),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs the dispatch route on the engine.
func (d *Dispatcher) Register(r *gin.Engine) {
	r.POST("/dispatch/:function_id", d.handleDispatch)
}

func (d *Dispatcher) handleDispatch(c *gin.Context) {
	functionID := c.Param("function_id")
	requestID := c.GetHeader("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-Id", requestID)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	deadline := requestDeadline(payload)

	decisionKey := functionID + "#" + requestID
	if cached, ok := d.decisions.Get(decisionKey); ok {
		d.replay(c, functionID, requestID, cached.(*Decision))
		return
	}

	sched, err := d.loadSchedule(c.Request.Context(), functionID)
	if err != nil {
		d.record(functionID, requestID, resultUnknown, "", "", err.Error(), nil)
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no schedule for function %s", functionID)})
		return
	}

	now := d.clock.Now().UTC()
	decision, err := d.decide(c.Request.Context(), functionID, requestID, sched, payload, now, deadline)
	if err != nil {
		d.record(functionID, requestID, resultNoSlot, "", "", err.Error(), nil)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	switch decision.Result {
	case resultForwarded:
		d.decisions.SetDefault(decisionKey, decision)
		c.Data(decision.StatusCode, "application/json", decision.Body)
	case resultDeferred:
		d.decisions.SetDefault(decisionKey, decision)
		c.JSON(http.StatusAccepted, gin.H{
			"task_id":           decision.TaskID,
			"scheduled_for_utc": decision.ScheduledForUTC,
		})
	case resultTargetErr:
		// Target failures are never cached; a retry may succeed.
		c.JSON(http.StatusBadGateway, gin.H{"error": "target invocation failed"})
	}
}

// replay returns the cached decision for a repeated request id.
func (d *Dispatcher) replay(c *gin.Context, functionID, requestID string, decision *Decision) {
	klog.V(2).InfoS("Replaying idempotent decision",
		"function", functionID, "requestID", requestID, "result", decision.Result)
	d.record(functionID, requestID, resultReplay, decision.Region, decision.TaskID, "", nil)

	if decision.Result == resultForwarded {
		c.Data(decision.StatusCode, "application/json", decision.Body)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":           decision.TaskID,
		"scheduled_for_utc": decision.ScheduledForUTC,
	})
}

// loadSchedule fetches the function's schedule through the short-TTL cache.
func (d *Dispatcher) loadSchedule(ctx context.Context, functionID string) (*types.Schedule, error) {
	if cached, ok := d.schedules.Get(functionID); ok {
		return cached.(*types.Schedule), nil
	}
	var sched types.Schedule
	if err := store.GetJSON(ctx, d.store, plancache.ObjectName(functionID), &sched); err != nil {
		return nil, err
	}
	d.schedules.SetDefault(functionID, &sched)
	return &sched, nil
}

// decide picks the effective slot and executes it. Recommendations whose
// region has no deployed URL are skipped in favor of the next-ranked one.
// A request deadline drops future slots it cannot wait for.
func (d *Dispatcher) decide(ctx context.Context, functionID, requestID string, sched *types.Schedule, payload []byte, now time.Time, deadline *time.Time) (*Decision, error) {
	recs := append([]types.Recommendation(nil), sched.Recommendations...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })

	// The effective slot is the first recommendation whose hour contains
	// now; failing that, the nearest future one.
	ordered := make([]types.Recommendation, 0, len(recs))
	for _, rec := range recs {
		if isCurrent(rec, now) {
			ordered = append(ordered, rec)
		}
	}
	future := futureByHour(recs, now)
	if deadline != nil {
		kept := future[:0]
		for _, rec := range future {
			if !rec.HourStartUTC.After(*deadline) {
				kept = append(kept, rec)
			}
		}
		future = kept
	}
	// A deadline that leaves no deferral room clamps to "run now": every
	// slot becomes an immediate-forward candidate in priority order.
	runNow := deadline != nil && len(future) == 0
	if runNow {
		ordered = recs
	} else {
		ordered = append(ordered, future...)
	}

	if len(ordered) == 0 {
		return nil, fmt.Errorf("no viable slot in schedule")
	}

	var lastErr error
	for _, rec := range ordered {
		dep, ok := sched.Deployment[rec.Region]
		if !ok || dep.URL == "" {
			klog.V(3).InfoS("Skipping slot without deployed URL",
				"function", functionID, "region", rec.Region)
			continue
		}

		if runNow || isCurrent(rec, now) || !rec.HourStartUTC.After(now) {
			decision, err := d.forward(ctx, functionID, requestID, rec, dep.URL, payload)
			if err != nil {
				lastErr = err
				continue
			}
			return decision, nil
		}
		return d.enqueueDeferral(ctx, functionID, requestID, rec, dep.URL, payload, now)
	}

	if lastErr != nil {
		// All current-hour targets failed; surface as a gateway error.
		klog.ErrorS(lastErr, "All forward targets failed", "function", functionID)
		telemetry.DispatchResults.WithLabelValues(resultTargetErr).Inc()
		d.record(functionID, requestID, resultTargetErr, "", "", lastErr.Error(), nil)
		return &Decision{Result: resultTargetErr}, nil
	}
	return nil, fmt.Errorf("no deployed region available for function %s", functionID)
}

// requestDeadline extracts an optional deadline_utc field from the payload.
// The payload stays opaque otherwise and is forwarded verbatim.
func requestDeadline(payload []byte) *time.Time {
	var hint struct {
		DeadlineUTC *time.Time `json:"deadline_utc"`
	}
	if err := json.Unmarshal(payload, &hint); err != nil {
		return nil
	}
	return hint.DeadlineUTC
}

// isCurrent reports whether the slot's hour contains now.
func isCurrent(rec types.Recommendation, now time.Time) bool {
	return !rec.HourStartUTC.After(now) && now.Sub(rec.HourStartUTC) < time.Hour
}

// futureByHour returns the future recommendations sorted by hour start,
// priority breaking ties, so the nearest slot is tried first.
func futureByHour(recs []types.Recommendation, now time.Time) []types.Recommendation {
	var future []types.Recommendation
	for _, rec := range recs {
		if rec.HourStartUTC.After(now) {
			future = append(future, rec)
		}
	}
	sort.Slice(future, func(i, j int) bool {
		if !future[i].HourStartUTC.Equal(future[j].HourStartUTC) {
			return future[i].HourStartUTC.Before(future[j].HourStartUTC)
		}
		return future[i].Priority < future[j].Priority
	})
	return future
}

// forward posts the payload to the deployed URL and captures the response.
func (d *Dispatcher) forward(ctx context.Context, functionID, requestID string, rec types.Recommendation, url string, payload []byte) (*Decision, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create forward request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s failed: %v", rec.Region, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("target in %s returned status %d", rec.Region, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read target response: %v", err)
	}

	klog.V(2).InfoS("Forwarded request",
		"function", functionID, "region", rec.Region, "status", resp.StatusCode, "requestID", requestID)
	telemetry.DispatchResults.WithLabelValues(resultForwarded).Inc()
	d.record(functionID, requestID, resultForwarded, rec.Region, "", "", &rec)

	return &Decision{
		Result:     resultForwarded,
		StatusCode: resp.StatusCode,
		Body:       body,
		Region:     rec.Region,
	}, nil
}

// enqueueDeferral enqueues a delayed task for a future slot.
func (d *Dispatcher) enqueueDeferral(ctx context.Context, functionID, requestID string, rec types.Recommendation, url string, payload []byte, now time.Time) (*Decision, error) {
	taskID, err := d.queue.Enqueue(ctx, url, payload, rec.HourStartUTC)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue deferral: %v", err)
	}

	delay := rec.HourStartUTC.Sub(now)
	klog.V(2).InfoS("Deferred request",
		"function", functionID, "region", rec.Region,
		"scheduledFor", rec.HourStartUTC, "taskID", taskID, "requestID", requestID)
	telemetry.DispatchResults.WithLabelValues(resultDeferred).Inc()
	telemetry.DeferralDelay.Observe(delay.Hours())
	d.record(functionID, requestID, resultDeferred, rec.Region, taskID, "", &rec)

	return &Decision{
		Result:          resultDeferred,
		TaskID:          taskID,
		ScheduledForUTC: rec.HourStartUTC,
		Region:          rec.Region,
	}, nil
}

// record emits the dispatch event; when a slot was chosen, rec carries its
// carbon and cost attribution into the event.
func (d *Dispatcher) record(functionID, requestID, result, region, taskID, detail string, rec *types.Recommendation) {
	if result == resultUnknown || result == resultNoSlot || result == resultReplay {
		telemetry.DispatchResults.WithLabelValues(result).Inc()
	}
	event := telemetry.Event{
		Time:       d.clock.Now().UTC(),
		Kind:       telemetry.KindDispatch,
		FunctionID: functionID,
		RequestID:  requestID,
		State:      result,
		Region:     region,
		TaskID:     taskID,
		Detail:     detail,
	}
	if rec != nil {
		event.Region = rec.Region
		event.HourStart = rec.HourStartUTC
		event.ForecastCI = rec.CarbonIntensity
		event.CarbonG = rec.EmissionsG
		event.CostUSD = rec.TransferCostUSD
	}
	d.recorder.Record(event)
}
