// Package controlplane exposes the operator surface: health, on-demand
// planning cycles and ad-hoc function submission.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/catalog"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/deployer"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/planner"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/registry"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// Reconciler realizes a schedule's regions. Implemented by
// deployer.Orchestrator; narrowed for tests.
type Reconciler interface {
	Reconcile(ctx context.Context, meta *types.FunctionMetadata, sched *types.Schedule) []deployer.RegionResult
}

// Server is the control-plane HTTP service.
type Server struct {
	cfg     *config.Config
	store   store.Interface
	catalog *catalog.Catalog
	planner *planner.Planner
	deploy  Reconciler
	clock   clock.Clock

	mu        sync.Mutex
	lastCycle *planner.CycleSummary
}

// Option allows customizing the server.
type Option func(*Server)

// WithClock allows injecting a custom clock
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// New creates a control-plane server. The reconciler may be nil, in which
// case deployment reconciliation is skipped.
func New(cfg *config.Config, st store.Interface, cat *catalog.Catalog, p *planner.Planner, deploy Reconciler, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		catalog: cat,
		planner: p,
		deploy:  deploy,
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the control-plane routes on the engine.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.POST("/run", s.handleRun)
	r.POST("/submit", s.handleSubmit)
}

func (s *Server) handleHealth(c *gin.Context) {
	secrets := gin.H{
		"forecast_token": s.cfg.Forecast.Token != "",
		"oracle_token":   s.cfg.Oracle.Token != "",
		"deployer_token": s.cfg.Deployer.Token != "",
	}

	bucketOK := true
	var bucketErr string
	if err := s.store.Ping(c.Request.Context()); err != nil {
		bucketOK = false
		bucketErr = err.Error()
	}

	s.mu.Lock()
	last := s.lastCycle
	s.mu.Unlock()

	body := gin.H{
		"secrets":          secrets,
		"bucket_reachable": bucketOK,
	}
	if bucketErr != "" {
		body["bucket_error"] = bucketErr
	}
	if last != nil {
		body["last_cycle"] = gin.H{
			"started_at_utc": last.StartedAtUTC,
			"duration":       last.Duration.String(),
			"states":         stateCounts(last),
		}
	}

	status := http.StatusOK
	if !bucketOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

// runFunctionStatus is one function's row in the /run response.
type runFunctionStatus struct {
	State           string                  `json:"state"`
	Error           string                  `json:"error,omitempty"`
	Recommendations []types.Recommendation  `json:"recommendations,omitempty"`
	Deployment      []deployer.RegionResult `json:"deployment,omitempty"`
}

const topRecommendations = 5

// handleRun triggers a full planning cycle. An optional JSON body carries a
// registry document that overrides the bucket copy for this run.
func (s *Server) handleRun(c *gin.Context) {
	var override *registry.Document
	if c.Request.ContentLength > 0 {
		var doc registry.Document
		if err := c.ShouldBindJSON(&doc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid registry document: %v", err)})
			return
		}
		if len(doc.Functions) > 0 {
			override = &doc
		}
	}

	summary, err := s.planner.RunCycleDoc(c.Request.Context(), override)
	if err != nil {
		klog.ErrorS(err, "Planning cycle failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.lastCycle = summary
	s.mu.Unlock()

	functions := make(map[string]runFunctionStatus, len(summary.Results))
	for id, result := range summary.Results {
		status := runFunctionStatus{State: result.State, Error: result.Error}
		if result.Schedule != nil {
			status.Recommendations = topRecs(result.Schedule, topRecommendations)
		}
		if s.deploy != nil && result.Meta != nil && result.Schedule != nil && result.State == common.StateWritten {
			status.Deployment = s.deploy.Reconcile(c.Request.Context(), result.Meta, result.Schedule)
			// Reconciliation mutates the deployment map; persist it so the
			// dispatcher sees the fresh URLs.
			if err := store.PutJSON(c.Request.Context(), s.store, common.SchedulePrefix+id+".json", result.Schedule); err != nil {
				klog.ErrorS(err, "Failed to persist deployment info", "function", id)
			}
		}
		functions[id] = status
	}

	c.JSON(http.StatusOK, gin.H{
		"started_at_utc": summary.StartedAtUTC,
		"duration":       summary.Duration.String(),
		"functions":      functions,
		"rejections":     summary.Rejections,
		"failed_zones":   summary.FailedZones,
	})
}

// submitRequest is an ad-hoc function submission.
type submitRequest struct {
	FunctionID     string          `json:"function_id"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata"`
	Code           string          `json:"code"`
	Requirements   []string        `json:"requirements"`
	MemoryMB       int             `json:"memory_mb"`
	DeadlineUTC    *time.Time      `json:"deadline_utc"`
	SourceRegion   string          `json:"source_region"`
	AllowedRegions []string        `json:"allowed_regions"`
}

// handleSubmit plans and deploys a single ad-hoc function and returns its
// scheduled slot.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid submission: %v", err)})
		return
	}
	if req.FunctionID == "" {
		req.FunctionID = "adhoc-" + uuid.NewString()[:8]
	}

	entry, err := s.buildEntry(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc := &registry.Document{Functions: map[string]json.RawMessage{req.FunctionID: entry}}
	summary, err := s.planner.RunCycleDoc(c.Request.Context(), doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if len(summary.Rejections) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"function_id": req.FunctionID,
			"error":       summary.Rejections[0].Reason,
		})
		return
	}

	result, ok := summary.Results[req.FunctionID]
	if !ok || result.Schedule == nil {
		detail := "planning produced no schedule"
		if ok && result.Error != "" {
			detail = result.Error
		}
		c.JSON(http.StatusInternalServerError, gin.H{"function_id": req.FunctionID, "error": detail})
		return
	}

	var deployment []deployer.RegionResult
	if s.deploy != nil && result.Meta != nil && result.State == common.StateWritten {
		deployment = s.deploy.Reconcile(c.Request.Context(), result.Meta, result.Schedule)
		if err := store.PutJSON(c.Request.Context(), s.store, common.SchedulePrefix+req.FunctionID+".json", result.Schedule); err != nil {
			klog.ErrorS(err, "Failed to persist deployment info", "function", req.FunctionID)
		}
	}

	top := topRecs(result.Schedule, 1)
	body := gin.H{
		"function_id": req.FunctionID,
		"state":       result.State,
		"deployment":  deployment,
	}
	if len(top) > 0 {
		body["scheduled_slot"] = top[0]
	}
	c.JSON(http.StatusOK, body)
}

// buildEntry converts a submission into a registry document entry: either a
// free-text description (normalized by the extractor) or a structured
// record built from the supplied fields.
func (s *Server) buildEntry(req *submitRequest) (json.RawMessage, error) {
	var deadlineHours *int
	if req.DeadlineUTC != nil {
		hours := int(math.Ceil(req.DeadlineUTC.Sub(s.clock.Now()).Hours()))
		if hours < 0 {
			return nil, fmt.Errorf("deadline %s is in the past", req.DeadlineUTC.Format(time.RFC3339))
		}
		deadlineHours = &hours
	}

	if req.Description != "" && req.Metadata == nil && req.Code == "" {
		if deadlineHours == nil {
			return json.Marshal(req.Description)
		}
		return json.Marshal(map[string]interface{}{
			"description":    req.Description,
			"deadline_hours": *deadlineHours,
		})
	}

	var fields map[string]json.RawMessage
	if req.Metadata != nil {
		if err := json.Unmarshal(req.Metadata, &fields); err != nil {
			return nil, fmt.Errorf("metadata must be an object: %v", err)
		}
	} else {
		fields = map[string]json.RawMessage{}
		set := func(key string, v interface{}) {
			raw, _ := json.Marshal(v)
			fields[key] = raw
		}
		if req.MemoryMB <= 0 {
			return nil, fmt.Errorf("memory_mb is required for structured submissions")
		}
		sourceRegion := req.SourceRegion
		if sourceRegion == "" {
			sourceRegion = s.cfg.Planner.PlanningRegion
		}
		allowedRegions := req.AllowedRegions
		if len(allowedRegions) == 0 {
			allowedRegions = s.catalog.Regions()
		}
		set("runtime_ms", 1000)
		set("vcpus", 1)
		set("memory_mb", req.MemoryMB)
		set("source_region", sourceRegion)
		set("allowed_regions", allowedRegions)
		set("weights", types.Weights{Carbon: 1})
	}

	if deadlineHours != nil {
		raw, _ := json.Marshal(*deadlineHours)
		fields["deadline_hours"] = raw
	}
	if req.Code != "" {
		raw, err := json.Marshal(types.Artifact{Code: req.Code, Requirements: req.Requirements})
		if err != nil {
			return nil, err
		}
		fields["artifact"] = raw
	}
	return json.Marshal(fields)
}

// topRecs returns the schedule's first n recommendations by priority.
func topRecs(sched *types.Schedule, n int) []types.Recommendation {
	recs := append([]types.Recommendation(nil), sched.Recommendations...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	if len(recs) > n {
		recs = recs[:n]
	}
	return recs
}

func stateCounts(summary *planner.CycleSummary) map[string]int {
	counts := make(map[string]int)
	for _, r := range summary.Results {
		counts[r.State]++
	}
	return counts
}
