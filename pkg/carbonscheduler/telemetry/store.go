package telemetry

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
)

// Store persists events to a local SQLite database.
type Store struct {
	db       *sql.DB
	scenario string
	mu       sync.Mutex
}

// NewStore opens (and if needed initializes) the event database.
func NewStore(path, scenario string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry database: %v", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TEXT NOT NULL,
		scenario TEXT NOT NULL,
		kind TEXT NOT NULL,
		function_id TEXT,
		state TEXT,
		region TEXT,
		hour_start_utc TEXT,
		forecast_ci REAL,
		carbon_g REAL,
		cost_usd REAL,
		task_id TEXT,
		request_id TEXT,
		retry_count INTEGER,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_function ON events(function_id, time);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, time);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize telemetry schema: %v", err)
	}

	return &Store{db: db, scenario: scenario}, nil
}

// Record inserts one event. Insert failures are logged, not returned.
func (s *Store) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Scenario == "" {
		event.Scenario = s.scenario
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO events (time, scenario, kind, function_id, state, region, hour_start_utc,
			forecast_ci, carbon_g, cost_usd, task_id, request_id, retry_count, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Time.Format(time.RFC3339Nano),
		event.Scenario,
		event.Kind,
		event.FunctionID,
		event.State,
		event.Region,
		formatHour(event.HourStart),
		event.ForecastCI,
		event.CarbonG,
		event.CostUSD,
		event.TaskID,
		event.RequestID,
		event.RetryCount,
		event.Detail,
	)
	if err != nil {
		klog.ErrorS(err, "Failed to record telemetry event", "kind", event.Kind, "function", event.FunctionID)
	}
}

// CountByState returns per-state event counts for a kind since a cutoff.
// Used by tests and the evaluation pipeline.
func (s *Store) CountByState(kind string, since time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT state, COUNT(*) FROM events WHERE kind = ? AND time >= ? GROUP BY state`,
		kind, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %v", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %v", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatHour(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
