package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Store: StoreConfig{
			Backend:   getEnvOrDefault("STORE_BACKEND", "s3"),
			Bucket:    os.Getenv("STORE_BUCKET"),
			Endpoint:  os.Getenv("STORE_ENDPOINT"),
			Region:    getEnvOrDefault("STORE_REGION", "eu-west-1"),
			LocalPath: os.Getenv("STORE_LOCAL_PATH"),
		},
		Forecast: ForecastConfig{
			Token:        os.Getenv("ELECTRICITYMAPS_TOKEN"),
			URL:          getEnvOrDefault("ELECTRICITYMAPS_URL", "https://api.electricitymaps.com/v3/carbon-intensity/forecast"),
			HistoryURL:   getEnvOrDefault("ELECTRICITYMAPS_HISTORY_URL", "https://api.electricitymaps.com/v3/carbon-intensity/history"),
			Mode:         getEnvOrDefault("FORECAST_MODE", "forecast"),
			HorizonHours: getIntOrDefault("FORECAST_HORIZON_HOURS", 24),
			Timeout:      getDurationOrDefault("FORECAST_TIMEOUT", 30*time.Second),
			Concurrency:  getIntOrDefault("FORECAST_CONCURRENCY", 8),
		},
		Oracle: OracleConfig{
			Token:          os.Getenv("ORACLE_TOKEN"),
			URL:            getEnvOrDefault("ORACLE_URL", "https://generativelanguage.googleapis.com/v1beta/models"),
			Model:          getEnvOrDefault("ORACLE_MODEL", "gemini-2.5-flash"),
			Timeout:        getDurationOrDefault("ORACLE_TIMEOUT", 120*time.Second),
			RateLimit:      getIntOrDefault("ORACLE_RATE_LIMIT", 2),
			RankingEnabled: getBoolOrDefault("ORACLE_RANKING_ENABLED", false),
		},
		Deployer: DeployerConfig{
			Token:         os.Getenv("DEPLOYER_TOKEN"),
			URL:           getEnvOrDefault("DEPLOYER_URL", "http://localhost:8090/rpc"),
			Timeout:       getDurationOrDefault("DEPLOYER_TIMEOUT", 30*time.Second),
			DeployRegions: getIntOrDefault("DEPLOY_REGIONS", 3),
		},
		TaskQueue: TaskQueueConfig{
			Backend: getEnvOrDefault("TASK_QUEUE_BACKEND", "http"),
			URL:     os.Getenv("TASK_QUEUE_URL"),
			Token:   os.Getenv("TASK_QUEUE_TOKEN"),
			Timeout: getDurationOrDefault("TASK_QUEUE_TIMEOUT", 30*time.Second),
		},
		Planner: PlannerConfig{
			ListenAddr:     getEnvOrDefault("PLANNER_LISTEN_ADDR", ":8080"),
			CycleDeadline:  getDurationOrDefault("CYCLE_DEADLINE", 4*time.Minute),
			Concurrency:    getIntOrDefault("PLANNER_CONCURRENCY", 8),
			TopN:           getIntOrDefault("PLANNER_TOP_N", 24),
			PlanningRegion: os.Getenv("PLANNING_REGION"),
		},
		Dispatcher: DispatcherConfig{
			ListenAddr:       getEnvOrDefault("DISPATCHER_LISTEN_ADDR", ":8081"),
			ScheduleCacheTTL: getDurationOrDefault("SCHEDULE_CACHE_TTL", 60*time.Second),
			ForwardTimeout:   getDurationOrDefault("FORWARD_TIMEOUT", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			DatabasePath: getEnvOrDefault("TELEMETRY_DB_PATH", "/var/lib/carbon-scheduler/telemetry.db"),
			ScenarioTag:  getEnvOrDefault("SCENARIO_TAG", "default"),
		},
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := overlayFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %v", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"storeBackend", cfg.Store.Backend,
		"bucket", cfg.Store.Bucket,
		"forecastMode", cfg.Forecast.Mode,
		"oracleRanking", cfg.Oracle.RankingEnabled,
		"deployRegions", cfg.Deployer.DeployRegions)

	return cfg, nil
}

// overlayFromFile applies a yaml config file on top of env defaults.
func overlayFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %v", path, err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseBool(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
