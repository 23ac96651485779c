package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/catalog"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/deployer"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/forecast"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/plancache"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/planner"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/registry"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

var serverNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeFetcher serves a flat forecast for Z1 and Z2.
type fakeFetcher struct {
	err error
}

func (f *fakeFetcher) FetchAndStore(_ context.Context, _ store.Interface, zones []string) (*forecast.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc := &forecast.Document{FetchedAtUTC: serverNow, Mode: common.ModeForecast, Zones: map[string]forecast.ZoneForecast{}}
	intensity := map[string]float64{"Z1": 400, "Z2": 100}
	for _, zone := range zones {
		points := make([]forecast.Point, common.HorizonHours)
		for h := range points {
			points[h] = forecast.Point{
				HourStartUTC:    serverNow.Add(time.Duration(h) * time.Hour),
				CarbonIntensity: intensity[zone],
			}
		}
		doc.Zones[zone] = forecast.ZoneForecast{Zone: zone, Points: points}
	}
	return doc, nil
}

// fakeReconciler records reconcile calls.
type fakeReconciler struct {
	calls []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, meta *types.FunctionMetadata, sched *types.Schedule) []deployer.RegionResult {
	f.calls = append(f.calls, meta.FunctionID)
	region := sched.Recommendations[0].Region
	sched.Deployment[region] = types.RegionDeployment{
		URL:      "https://" + region + ".example/" + meta.FunctionID,
		CodeHash: "hash-1",
	}
	return []deployer.RegionResult{{Region: region, Result: deployer.ResultDeployed, URL: sched.Deployment[region].URL}}
}

func serverConfig() *config.Config {
	return &config.Config{
		Forecast: config.ForecastConfig{Token: "ft"},
		Oracle:   config.OracleConfig{Token: "ot"},
		Deployer: config.DeployerConfig{Token: "dt"},
		Planner:  config.PlannerConfig{PlanningRegion: "r1"},
	}
}

// fakeExtractor returns a fixed canonical record for any description.
type fakeExtractor struct{}

func (fakeExtractor) ExtractMetadata(_ context.Context, functionID, _ string) (*types.FunctionMetadata, error) {
	return &types.FunctionMetadata{
		FunctionID:     functionID,
		RuntimeMS:      1000,
		MemoryMB:       256,
		VCPUs:          1,
		SourceRegion:   "r1",
		AllowedRegions: []string{"r1", "r2"},
		Weights:        types.Weights{Carbon: 1},
	}, nil
}

func newTestServer(t *testing.T, st store.Interface, deploy Reconciler) *Server {
	t.Helper()
	cat, err := catalog.New(catalog.Document{
		NetworkKWhPerGB: 0.001,
		Regions: map[string]catalog.RegionEntry{
			"r1": {Zone: "Z1", DefaultEgressUSDPerGB: 0.05, CPUMinWattsPerVCPU: 1, CPUMaxWattsPerVCPU: 3, MemWattsPerGiB: 0.5, PUE: 1.1},
			"r2": {Zone: "Z2", DefaultEgressUSDPerGB: 0.05, CPUMinWattsPerVCPU: 1, CPUMaxWattsPerVCPU: 3, MemWattsPerGiB: 0.5, PUE: 1.1},
		},
	})
	require.NoError(t, err)

	clk := clock.NewMockClock(serverNow)
	reg := registry.New(st, cat, fakeExtractor{})
	cache := plancache.New(st, clk)
	p := planner.New(
		config.PlannerConfig{CycleDeadline: time.Minute, Concurrency: 2, TopN: 24},
		common.ModeForecast, st, cat, reg, &fakeFetcher{}, cache,
		planner.WithClock(clk),
	)
	return New(serverConfig(), st, cat, p, deploy, WithClock(clk))
}

func serveJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	s.Register(r)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func registryBody(ids ...string) string {
	functions := map[string]interface{}{}
	for _, id := range ids {
		functions[id] = map[string]interface{}{
			"runtime_ms":      1000,
			"memory_mb":       256,
			"vcpus":           1,
			"source_region":   "r1",
			"allowed_regions": []string{"r1", "r2"},
			"weights":         map[string]float64{"carbon": 1},
		}
	}
	raw, _ := json.Marshal(map[string]interface{}{"functions": functions})
	return string(raw)
}

func TestHealthReportsSecretsAndBucket(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), nil)
	w := serveJSON(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Secrets         map[string]bool `json:"secrets"`
		BucketReachable bool            `json:"bucket_reachable"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.BucketReachable)
	assert.True(t, body.Secrets["forecast_token"])
	assert.True(t, body.Secrets["oracle_token"])
	assert.True(t, body.Secrets["deployer_token"])
}

func TestHealthBucketDownReturns503(t *testing.T) {
	mem := store.NewMemory()
	mem.FailPing = true
	s := newTestServer(t, mem, nil)

	w := serveJSON(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "bucket_error")
}

func TestRunWithOverrideDocument(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), nil)
	w := serveJSON(s, http.MethodPost, "/run", registryBody("f1", "f2"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Functions map[string]struct {
			State           string                 `json:"state"`
			Recommendations []types.Recommendation `json:"recommendations"`
		} `json:"functions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Functions, 2)
	for id, fn := range body.Functions {
		assert.Equal(t, common.StateWritten, fn.State, id)
		// The response carries only the top slots, not the whole horizon.
		assert.Len(t, fn.Recommendations, 5, id)
		assert.Equal(t, 1, fn.Recommendations[0].Priority, id)
	}
}

func TestRunReconcilesWrittenFunctions(t *testing.T) {
	mem := store.NewMemory()
	deploy := &fakeReconciler{}
	s := newTestServer(t, mem, deploy)

	w := serveJSON(s, http.MethodPost, "/run", registryBody("f1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, []string{"f1"}, deploy.calls)

	// The reconciled deployment map is persisted for the dispatcher.
	var sched types.Schedule
	require.NoError(t, store.GetJSON(context.Background(), mem, plancache.ObjectName("f1"), &sched))
	assert.NotEmpty(t, sched.Deployment)
}

func TestRunUpdatesHealthLastCycle(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), nil)
	serveJSON(s, http.MethodPost, "/run", registryBody("f1"))

	w := serveJSON(s, http.MethodGet, "/health", "")
	var body struct {
		LastCycle struct {
			States map[string]int `json:"states"`
		} `json:"last_cycle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.LastCycle.States[common.StateWritten])
}

func TestSubmitStructuredFunction(t *testing.T) {
	deploy := &fakeReconciler{}
	s := newTestServer(t, store.NewMemory(), deploy)

	submission := `{
		"function_id": "adhoc-1",
		"code": "def handler(event):\n    return event",
		"requirements": ["requests==2.31.0"],
		"memory_mb": 256,
		"source_region": "r1",
		"allowed_regions": ["r1", "r2"]
	}`
	w := serveJSON(s, http.MethodPost, "/submit", submission)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		FunctionID    string               `json:"function_id"`
		State         string               `json:"state"`
		ScheduledSlot types.Recommendation `json:"scheduled_slot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "adhoc-1", body.FunctionID)
	assert.Equal(t, common.StateWritten, body.State)
	// Z2 is far cleaner, so the top slot lands in r2.
	assert.Equal(t, "r2", body.ScheduledSlot.Region)
	assert.Equal(t, 1, body.ScheduledSlot.Priority)
	assert.Equal(t, []string{"adhoc-1"}, deploy.calls)
}

func TestSubmitWithDeadline(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), nil)

	deadline := serverNow.Add(3 * time.Hour).Format(time.RFC3339)
	submission := `{
		"function_id": "adhoc-2",
		"memory_mb": 128,
		"source_region": "r1",
		"allowed_regions": ["r1", "r2"],
		"deadline_utc": "` + deadline + `"
	}`
	w := serveJSON(s, http.MethodPost, "/submit", submission)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		ScheduledSlot types.Recommendation `json:"scheduled_slot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	// Flat intensities tie on carbon, so the earliest hour ranks first.
	assert.True(t, body.ScheduledSlot.HourStartUTC.Equal(serverNow),
		"top slot = %s, want the current hour", body.ScheduledSlot.HourStartUTC)
}

func TestSubmitRejectionReturns422(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), nil)

	submission := `{
		"function_id": "adhoc-3",
		"memory_mb": 128,
		"source_region": "r1",
		"allowed_regions": ["nowhere"]
	}`
	w := serveJSON(s, http.MethodPost, "/submit", submission)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestSubmitDefaultsRegions(t *testing.T) {
	// source_region defaults to the planning region and allowed_regions to
	// the whole catalog, so a minimal submission plans successfully.
	s := newTestServer(t, store.NewMemory(), nil)
	w := serveJSON(s, http.MethodPost, "/submit", `{"function_id":"adhoc-4","memory_mb":128}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		State         string               `json:"state"`
		ScheduledSlot types.Recommendation `json:"scheduled_slot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, common.StateWritten, body.State)
	// Both catalog regions are in play; the cleaner r2 wins.
	assert.Equal(t, "r2", body.ScheduledSlot.Region)
}

func TestSubmitMinimalCodeBody(t *testing.T) {
	// The documented minimal submission: code, deadline and memory only.
	s := newTestServer(t, store.NewMemory(), nil)

	deadline := serverNow.Add(6 * time.Hour).Format(time.RFC3339)
	submission := `{
		"code": "def handler(event):\n    return event",
		"deadline_utc": "` + deadline + `",
		"memory_mb": 512,
		"requirements": ["numpy==1.26.0"]
	}`
	w := serveJSON(s, http.MethodPost, "/submit", submission)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		FunctionID    string               `json:"function_id"`
		State         string               `json:"state"`
		ScheduledSlot types.Recommendation `json:"scheduled_slot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body.FunctionID, "adhoc-"), "id = %s", body.FunctionID)
	assert.Equal(t, common.StateWritten, body.State)
	assert.False(t, body.ScheduledSlot.HourStartUTC.After(serverNow.Add(6*time.Hour)),
		"top slot = %s, want within the deadline", body.ScheduledSlot.HourStartUTC)
}

func TestSubmitDescriptionWithDeadline(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), nil)

	deadline := serverNow.Add(2 * time.Hour).Format(time.RFC3339)
	submission := `{
		"function_id": "adhoc-5",
		"description": "nightly report generation, flexible on region",
		"deadline_utc": "` + deadline + `"
	}`
	w := serveJSON(s, http.MethodPost, "/submit", submission)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		State         string               `json:"state"`
		ScheduledSlot types.Recommendation `json:"scheduled_slot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, common.StateWritten, body.State)
	// The extracted record carries the submission's deadline, so no slot
	// may start past it.
	assert.False(t, body.ScheduledSlot.HourStartUTC.After(serverNow.Add(2*time.Hour)),
		"top slot = %s, want within the deadline", body.ScheduledSlot.HourStartUTC)
}

func TestSubmitPastDeadlineRejected(t *testing.T) {
	s := newTestServer(t, store.NewMemory(), nil)
	deadline := serverNow.Add(-time.Hour).Format(time.RFC3339)
	submission := `{
		"memory_mb": 128,
		"source_region": "r1",
		"allowed_regions": ["r1"],
		"deadline_utc": "` + deadline + `"
	}`
	w := serveJSON(s, http.MethodPost, "/submit", submission)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "past")
}
