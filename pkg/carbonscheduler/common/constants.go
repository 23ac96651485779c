package common

import "time"

// Bucket object names shared by the planner, dispatcher and orchestrator.
const (
	ObjectStaticConfig     = "static_config.json"
	ObjectFunctionMetadata = "function_metadata.json"
	ObjectCarbonForecasts  = "carbon_forecasts.json"

	// SchedulePrefix + function id + ".json" names a per-function schedule.
	SchedulePrefix = "schedule_"

	// FunctionSourcePrefix holds deployable artifacts keyed by code hash.
	FunctionSourcePrefix = "function-source/"
)

// Planning horizon and cache lifetimes.
const (
	HorizonHours       = 24
	ScheduleValidity   = 24 * time.Hour
	PlanCacheMaxAge    = 7 * 24 * time.Hour
	ForecastMaxAge     = 7 * 24 * time.Hour
	ScheduleCacheTTL   = 60 * time.Second
	IdempotencyWindow  = 24 * time.Hour
	DefaultDeadlineHrs = 24
)

// External call behavior (spec'd retry envelope).
const (
	DefaultCallTimeout   = 30 * time.Second
	OracleCallTimeout    = 120 * time.Second
	CycleDeadline        = 4 * time.Minute
	RetryBaseDelay       = 500 * time.Millisecond
	RetryMaxDelay        = 8 * time.Second
	RetryMaxAttempts     = 5
	DefaultConcurrency   = 8
	DefaultDeployRegions = 3
)

// Forecast modes recorded in schedule documents.
const (
	ModeForecast   = "forecast"
	ModeHistorical = "historical"
)

// Conservative utilization defaults applied when no measurement exists.
const (
	DefaultCPUUtilization = 0.10
	DefaultGPUUtilization = 0.10
)

// Memory tiers the normalizer rounds extracted allocations up to.
var MemoryTiersMB = []int{128, 256, 512, 1024, 2048, 4096}

// Planner per-function cycle states.
const (
	StatePending   = "PENDING"
	StateNormalize = "NORMALIZED"
	StateCachedHit = "CACHED_HIT"
	StateScored    = "SCORED"
	StateRanked    = "RANKED"
	StateWritten   = "WRITTEN"
	StateFailed    = "FAILED"
	StateTimeout   = "FAILED_TIMEOUT"
)
