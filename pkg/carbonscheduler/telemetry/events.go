// Package telemetry records structured events per invocation and per
// planner run, persisted to SQLite for the downstream evaluation pipeline,
// and exposes Prometheus metrics for live observation.
package telemetry

import "time"

// Event kinds.
const (
	KindPlannerFunction = "planner_function" // one per function per cycle
	KindPlannerCycle    = "planner_cycle"    // one per cycle
	KindDispatch        = "dispatch"         // one per incoming request
	KindDeploy          = "deploy"           // one per deployment attempt
	KindRetry           = "external_retry"   // one per retried external call
)

// Event is one structured telemetry record.
type Event struct {
	Time       time.Time `json:"time"`
	Scenario   string    `json:"scenario"`
	Kind       string    `json:"kind"`
	FunctionID string    `json:"function_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Region     string    `json:"region,omitempty"`
	HourStart  time.Time `json:"hour_start_utc,omitempty"`
	ForecastCI float64   `json:"forecast_ci_g_per_kwh,omitempty"`
	CarbonG    float64   `json:"carbon_g,omitempty"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Recorder accepts telemetry events. Recording is best effort; failures
// are logged by implementations and never propagate to callers.
type Recorder interface {
	Record(event Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(Event) {}
