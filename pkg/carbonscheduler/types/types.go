// Package types holds the data model shared by the planner, dispatcher and
// deployment orchestrator: function metadata, candidate scores and the
// schedule document written to the bucket.
package types

import (
	"fmt"
	"time"
)

// Weights are the per-function priority weights over carbon, cost and
// latency. They must be nonnegative and at least one must be positive;
// Normalize scales them to sum to 1.
type Weights struct {
	Carbon  float64 `json:"carbon" yaml:"carbon"`
	Cost    float64 `json:"cost" yaml:"cost"`
	Latency float64 `json:"latency" yaml:"latency"`
}

// Validate checks the weight invariants.
func (w Weights) Validate() error {
	if w.Carbon < 0 || w.Cost < 0 || w.Latency < 0 {
		return fmt.Errorf("weights must be nonnegative, got carbon=%v cost=%v latency=%v", w.Carbon, w.Cost, w.Latency)
	}
	if w.Carbon+w.Cost+w.Latency == 0 {
		return fmt.Errorf("at least one weight must be positive")
	}
	return nil
}

// Normalize returns the weights scaled to sum to 1.
func (w Weights) Normalize() Weights {
	total := w.Carbon + w.Cost + w.Latency
	if total == 0 {
		return w
	}
	return Weights{
		Carbon:  w.Carbon / total,
		Cost:    w.Cost / total,
		Latency: w.Latency / total,
	}
}

// Artifact is an optional deployable source bundle attached to a function.
type Artifact struct {
	Code         string   `json:"code"`
	Requirements []string `json:"requirements"`
}

// FunctionMetadata describes one registered serverless function. It is the
// canonical record the planner consumes; free-text registry entries are
// converted to this shape by the normalizer.
type FunctionMetadata struct {
	FunctionID        string   `json:"function_id" validate:"required"`
	RuntimeMS         float64  `json:"runtime_ms" validate:"gt=0"`
	MemoryMB          int      `json:"memory_mb" validate:"gt=0"`
	VCPUs             float64  `json:"vcpus" validate:"gt=0"`
	GPURequired       bool     `json:"gpu_required"`
	GPUType           string   `json:"gpu_type,omitempty"`
	InputBytes        int64    `json:"input_bytes" validate:"gte=0"`
	OutputBytes       int64    `json:"output_bytes" validate:"gte=0"`
	SourceRegion      string   `json:"source_region" validate:"required"`
	InvocationsPerDay float64  `json:"invocations_per_day" validate:"gte=0"`
	AllowedRegions    []string `json:"allowed_regions" validate:"min=1"`
	Weights           Weights  `json:"weights"`
	DeadlineHours     int      `json:"deadline_hours,omitempty"`
	// CPUUtilization is a measured utilization fraction in (0,1]; zero
	// means unmeasured and the scorer applies its conservative default.
	CPUUtilization float64   `json:"cpu_utilization,omitempty" validate:"gte=0,lte=1"`
	Artifact       *Artifact `json:"artifact,omitempty"`
	Description    string    `json:"description,omitempty"`

	// deadlineExplicit records whether deadline_hours came from input
	// rather than defaulting. Unexported, so hashing never sees it.
	deadlineExplicit bool
}

// EffectiveDeadlineHours returns the declared deferral window, defaulting
// to the 24 hour planning horizon when unset. A zero value with an
// explicit deadline means "must run this hour".
func (m *FunctionMetadata) EffectiveDeadlineHours() int {
	if m.DeadlineHours <= 0 && !m.deadlineExplicit {
		return 24
	}
	return m.DeadlineHours
}

// DeadlineSet reports whether deadline_hours was explicitly provided.
func (m *FunctionMetadata) DeadlineSet() bool {
	return m.deadlineExplicit
}

// MarkDeadlineExplicit records that deadline_hours came from input rather
// than defaulting. Set by the registry during decode.
func (m *FunctionMetadata) MarkDeadlineExplicit() {
	m.deadlineExplicit = true
}

// CandidateScore is the derived score for one (function, region, hour)
// triple. It is never persisted; it is a pure function of metadata,
// catalog and forecast.
type CandidateScore struct {
	FunctionID      string    `json:"function_id"`
	Region          string    `json:"region"`
	HourStartUTC    time.Time `json:"hour_start_utc"`
	EnergyKWh       float64   `json:"energy_kwh"`
	EmissionsG      float64   `json:"emissions_g"`
	TransferCostUSD float64   `json:"transfer_cost_usd"`
	LatencyPenalty  float64   `json:"latency_penalty"`
	CarbonIntensity float64   `json:"carbon_intensity_g_per_kwh"`
	Composite       float64   `json:"composite"`
}

// Recommendation is one ranked slot in a schedule document.
type Recommendation struct {
	Priority        int       `json:"priority"`
	Region          string    `json:"region"`
	HourStartUTC    time.Time `json:"hour_start_utc"`
	CarbonIntensity float64   `json:"carbon_intensity_g_per_kwh"`
	EmissionsG      float64   `json:"emissions_g"`
	TransferCostUSD float64   `json:"transfer_cost_usd"`
	Rationale       string    `json:"rationale"`
}

// RegionDeployment records where a function is currently reachable.
type RegionDeployment struct {
	URL           string    `json:"url"`
	CodeHash      string    `json:"code_hash"`
	DeployedAtUTC time.Time `json:"deployed_at_utc"`
}

// Schedule is the per-function planner output, persisted to the bucket as
// schedule_<function_id>.json. The shape is part of the external contract.
type Schedule struct {
	FunctionID      string                      `json:"function_id"`
	HorizonStartUTC time.Time                   `json:"horizon_start_utc"`
	GeneratedAtUTC  time.Time                   `json:"generated_at_utc"`
	Mode            string                      `json:"mode"`
	Recommendations []Recommendation            `json:"recommendations"`
	Deployment      map[string]RegionDeployment `json:"deployment"`
	MetadataHash    string                      `json:"metadata_hash"`
}

// Validate checks the schedule invariants: priorities are a gapless 1..N
// permutation, slots are unique by (region, hour) and no slot precedes the
// horizon start.
func (s *Schedule) Validate() error {
	seen := make(map[string]struct{}, len(s.Recommendations))
	priorities := make(map[int]struct{}, len(s.Recommendations))
	for _, rec := range s.Recommendations {
		if rec.Priority < 1 || rec.Priority > len(s.Recommendations) {
			return fmt.Errorf("priority %d out of range 1..%d", rec.Priority, len(s.Recommendations))
		}
		if _, dup := priorities[rec.Priority]; dup {
			return fmt.Errorf("duplicate priority %d", rec.Priority)
		}
		priorities[rec.Priority] = struct{}{}

		key := rec.Region + "@" + rec.HourStartUTC.UTC().Format(time.RFC3339)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate slot %s", key)
		}
		seen[key] = struct{}{}

		if rec.HourStartUTC.Before(s.HorizonStartUTC) {
			return fmt.Errorf("slot %s precedes horizon start %s", key, s.HorizonStartUTC.Format(time.RFC3339))
		}
	}
	return nil
}
