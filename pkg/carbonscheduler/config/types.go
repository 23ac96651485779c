package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for the carbon-scheduler services.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Deployer   DeployerConfig   `yaml:"deployer"`
	TaskQueue  TaskQueueConfig  `yaml:"taskQueue"`
	Planner    PlannerConfig    `yaml:"planner"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// StoreConfig selects and parameterizes the configuration bucket backend.
type StoreConfig struct {
	// Backend is "s3" or "fs".
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	LocalPath string `yaml:"localPath"`
}

// ForecastConfig holds the carbon-intensity provider settings.
type ForecastConfig struct {
	Token        string        `yaml:"token"`
	URL          string        `yaml:"url"`
	HistoryURL   string        `yaml:"historyUrl"`
	Mode         string        `yaml:"mode"` // "forecast" or "historical", chosen at startup
	HorizonHours int           `yaml:"horizonHours"`
	Timeout      time.Duration `yaml:"timeout"`
	Concurrency  int           `yaml:"concurrency"`
}

// OracleConfig holds LLM oracle settings shared by the metadata extractor
// and the oracle-mode ranker.
type OracleConfig struct {
	Token          string        `yaml:"token"`
	URL            string        `yaml:"url"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimit      int           `yaml:"rateLimit"`
	RankingEnabled bool          `yaml:"rankingEnabled"`
}

// DeployerConfig holds the JSON-RPC function deployer settings.
type DeployerConfig struct {
	Token         string        `yaml:"token"`
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	DeployRegions int           `yaml:"deployRegions"` // top-M schedule regions kept deployed
}

// TaskQueueConfig holds the delayed-task queue settings.
type TaskQueueConfig struct {
	// Backend is "http" or "memory".
	Backend string        `yaml:"backend"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// PlannerConfig holds planning-cycle behavior.
type PlannerConfig struct {
	ListenAddr    string        `yaml:"listenAddr"`
	CycleDeadline time.Duration `yaml:"cycleDeadline"`
	Concurrency   int           `yaml:"concurrency"`
	TopN          int           `yaml:"topN"`
	// PlanningRegion is the catalog region this deployment runs in. It is
	// the default source region for submissions that do not name one.
	PlanningRegion string `yaml:"planningRegion"`
}

// DispatcherConfig holds dispatcher behavior.
type DispatcherConfig struct {
	ListenAddr       string        `yaml:"listenAddr"`
	ScheduleCacheTTL time.Duration `yaml:"scheduleCacheTTL"`
	ForwardTimeout   time.Duration `yaml:"forwardTimeout"`
}

// TelemetryConfig holds event-store and metrics settings.
type TelemetryConfig struct {
	DatabasePath string `yaml:"databasePath"`
	ScenarioTag  string `yaml:"scenarioTag"`
}

// Validate performs validation of the configuration. Missing secrets and
// bucket settings are fatal at startup per the external interface contract.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("store bucket is required for the s3 backend")
		}
	case "fs":
		if c.Store.LocalPath == "" {
			return fmt.Errorf("store local path is required for the fs backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Forecast.Token == "" {
		return fmt.Errorf("forecast provider token is required")
	}
	if c.Forecast.Mode != "forecast" && c.Forecast.Mode != "historical" {
		return fmt.Errorf("forecast mode must be \"forecast\" or \"historical\", got %q", c.Forecast.Mode)
	}
	if c.Forecast.HorizonHours <= 0 {
		return fmt.Errorf("forecast horizon must be positive")
	}

	if c.Oracle.Token == "" {
		return fmt.Errorf("oracle token is required")
	}
	if c.Deployer.Token == "" {
		return fmt.Errorf("deployer token is required")
	}
	if c.Deployer.DeployRegions <= 0 {
		return fmt.Errorf("deploy regions must be positive")
	}

	switch c.TaskQueue.Backend {
	case "http":
		if c.TaskQueue.URL == "" {
			return fmt.Errorf("task queue URL is required for the http backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown task queue backend %q", c.TaskQueue.Backend)
	}

	if c.Planner.Concurrency <= 0 {
		return fmt.Errorf("planner concurrency must be positive")
	}
	if c.Planner.TopN <= 0 {
		return fmt.Errorf("planner topN must be positive")
	}
	if c.Planner.PlanningRegion == "" {
		return fmt.Errorf("planning region is required")
	}
	return nil
}
