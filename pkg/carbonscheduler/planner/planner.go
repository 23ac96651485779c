// Package planner drives the planning cycle: load the registry, reuse
// cached schedules where the metadata hash and horizon date still match,
// fetch forecasts for the remaining zones, score candidates, rank them and
// write fresh schedule documents to the bucket.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/catalog"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/forecast"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/plancache"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/registry"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/score"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// ForecastFetcher fetches and persists forecasts for the given zones.
// Implemented by forecast.Client.
type ForecastFetcher interface {
	FetchAndStore(ctx context.Context, s store.Interface, zones []string) (*forecast.Document, error)
}

// FunctionResult is one function's outcome for a cycle. Schedule and Meta
// are populated for terminal success states so callers can reconcile
// deployments without reloading the registry.
type FunctionResult struct {
	FunctionID string                  `json:"function_id"`
	State      string                  `json:"state"`
	Error      string                  `json:"error,omitempty"`
	Schedule   *types.Schedule         `json:"-"`
	Meta       *types.FunctionMetadata `json:"-"`
}

// CycleSummary is the outcome of one full planning cycle.
type CycleSummary struct {
	StartedAtUTC time.Time                 `json:"started_at_utc"`
	Duration     time.Duration             `json:"duration"`
	Results      map[string]FunctionResult `json:"results"`
	Rejections   []registry.Rejection      `json:"rejections,omitempty"`
	FailedZones  []string                  `json:"failed_zones,omitempty"`
}

// Planner runs planning cycles.
type Planner struct {
	cfg      config.PlannerConfig
	mode     string
	store    store.Interface
	catalog  *catalog.Catalog
	registry *registry.Registry
	fetcher  ForecastFetcher
	cache    *plancache.Cache
	ranker   Ranker
	fallback Ranker
	clock    clock.Clock
	recorder telemetry.Recorder
}

// Option allows customizing the planner.
type Option func(*Planner)

// WithRanker sets the primary ranker. Deterministic ranking remains the
// fallback when the primary errors.
func WithRanker(r Ranker) Option {
	return func(p *Planner) { p.ranker = r }
}

// WithClock allows injecting a custom clock
func WithClock(clk clock.Clock) Option {
	return func(p *Planner) { p.clock = clk }
}

// WithRecorder allows injecting a telemetry recorder
func WithRecorder(rec telemetry.Recorder) Option {
	return func(p *Planner) { p.recorder = rec }
}

// New creates a planner.
func New(cfg config.PlannerConfig, mode string, s store.Interface, cat *catalog.Catalog, reg *registry.Registry, fetcher ForecastFetcher, cache *plancache.Cache, opts ...Option) *Planner {
	p := &Planner{
		cfg:      cfg,
		mode:     mode,
		store:    s,
		catalog:  cat,
		registry: reg,
		fetcher:  fetcher,
		cache:    cache,
		ranker:   Deterministic{},
		fallback: Deterministic{},
		clock:    clock.RealClock{},
		recorder: telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunCycle executes one planning cycle over the bucket registry document
// under the configured deadline and returns the per-function outcomes.
// Individual function failures never fail the cycle.
func (p *Planner) RunCycle(ctx context.Context) (*CycleSummary, error) {
	return p.RunCycleDoc(ctx, nil)
}

// RunCycleDoc runs a cycle over the given registry document instead of the
// bucket copy. A nil document loads from the bucket.
func (p *Planner) RunCycleDoc(ctx context.Context, doc *registry.Document) (*CycleSummary, error) {
	deadline := p.cfg.CycleDeadline
	if deadline <= 0 {
		deadline = common.CycleDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := p.clock.Now().UTC()
	summary := &CycleSummary{
		StartedAtUTC: started,
		Results:      make(map[string]FunctionResult),
	}

	var records []types.FunctionMetadata
	var rejections []registry.Rejection
	var err error
	if doc != nil {
		records, rejections, err = p.registry.Normalize(ctx, doc)
	} else {
		records, rejections, err = p.registry.Load(ctx)
	}
	if err != nil {
		return nil, err
	}
	summary.Rejections = rejections

	horizonStart := common.TruncateToHour(started)

	// Resolve the plan cache first so the forecast fetch only covers the
	// zones that actually need fresh schedules.
	var misses []pending
	for _, meta := range records {
		key, err := plancache.KeyFor(&meta, horizonStart)
		if err != nil {
			summary.Results[meta.FunctionID] = p.finish(&meta, common.StateFailed, err, nil)
			continue
		}
		var prev types.Schedule
		hadPrev := store.GetJSON(ctx, p.store, plancache.ObjectName(meta.FunctionID), &prev) == nil
		if cached, ok := p.cache.Lookup(ctx, key); ok {
			summary.Results[meta.FunctionID] = p.finish(&meta, common.StateCachedHit, nil, cached)
			continue
		}
		entry := pending{meta: meta, key: key}
		if hadPrev {
			entry.prev = &prev
		}
		misses = append(misses, entry)
	}

	if len(misses) > 0 {
		doc, err := p.fetchForecasts(ctx, misses)
		if err != nil {
			for _, m := range misses {
				summary.Results[m.meta.FunctionID] = p.finish(&m.meta, common.StateFailed, err, nil)
			}
		} else {
			summary.FailedZones = doc.FailedZones
			p.publishIntensity(doc, horizonStart)
			p.planMisses(ctx, misses, doc, horizonStart, summary)
		}
	}

	summary.Duration = p.clock.Since(started)
	telemetry.PlannerCycleDuration.Observe(summary.Duration.Seconds())
	p.recorder.Record(telemetry.Event{
		Time:   p.clock.Now().UTC(),
		Kind:   telemetry.KindPlannerCycle,
		Detail: cycleDetail(summary),
	})
	klog.V(2).InfoS("Planning cycle complete",
		"functions", len(summary.Results),
		"rejections", len(rejections),
		"duration", summary.Duration)
	return summary, nil
}

// pending is a function awaiting a fresh schedule this cycle.
type pending struct {
	meta types.FunctionMetadata
	key  plancache.Key
	prev *types.Schedule
}

// fetchForecasts fetches the union of zones referenced by the pending
// functions' allowed regions.
func (p *Planner) fetchForecasts(ctx context.Context, misses []pending) (*forecast.Document, error) {
	zoneSet := make(map[string]struct{})
	for _, m := range misses {
		for _, region := range m.meta.AllowedRegions {
			zone, err := p.catalog.ZoneOf(region)
			if err != nil {
				continue
			}
			zoneSet[zone] = struct{}{}
		}
	}
	zones := make([]string, 0, len(zoneSet))
	for zone := range zoneSet {
		zones = append(zones, zone)
	}
	sort.Strings(zones)

	return p.fetcher.FetchAndStore(ctx, p.store, zones)
}

// planMisses scores, ranks and writes schedules for cache misses, in
// parallel up to the configured bound.
func (p *Planner) planMisses(ctx context.Context, misses []pending, doc *forecast.Document, horizonStart time.Time, summary *CycleSummary) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := p.cfg.Concurrency
	if limit <= 0 {
		limit = common.DefaultConcurrency
	}
	g.SetLimit(limit)

	for _, m := range misses {
		m := m
		g.Go(func() error {
			result := p.planOne(gctx, m.meta, m.key, m.prev, doc, horizonStart)
			mu.Lock()
			summary.Results[m.meta.FunctionID] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// planOne runs the scoring and ranking pipeline for one function.
func (p *Planner) planOne(ctx context.Context, meta types.FunctionMetadata, key plancache.Key, prev *types.Schedule, doc *forecast.Document, horizonStart time.Time) FunctionResult {
	candidates, err := score.Candidates(&meta, p.catalog, doc, horizonStart)
	if err != nil {
		return p.finish(&meta, p.stateFor(ctx, common.StateFailed), err, nil)
	}
	klog.V(3).InfoS("Scored candidates", "function", meta.FunctionID, "candidates", len(candidates))

	topN := p.cfg.TopN
	if topN <= 0 {
		topN = len(candidates)
	}
	recs, err := p.ranker.Rank(ctx, &meta, candidates, topN)
	if err != nil {
		klog.ErrorS(err, "Primary ranker failed, falling back to deterministic ranking",
			"function", meta.FunctionID)
		recs, err = p.fallback.Rank(ctx, &meta, candidates, topN)
		if err != nil {
			return p.finish(&meta, p.stateFor(ctx, common.StateFailed), err, nil)
		}
	}

	sched := &types.Schedule{
		FunctionID:      meta.FunctionID,
		HorizonStartUTC: horizonStart,
		GeneratedAtUTC:  p.clock.Now().UTC(),
		Mode:            p.mode,
		Recommendations: recs,
		Deployment:      map[string]types.RegionDeployment{},
		MetadataHash:    key.MetadataHash,
	}
	// Regions stay reachable across replans; the orchestrator reconciles
	// the deployment map after ranking changes.
	if prev != nil && prev.Deployment != nil {
		sched.Deployment = prev.Deployment
	}

	if err := p.cache.Write(ctx, sched); err != nil {
		return p.finish(&meta, p.stateFor(ctx, common.StateFailed), err, nil)
	}
	return p.finish(&meta, common.StateWritten, nil, sched)
}

// stateFor maps a failure to FAILED_TIMEOUT when the cycle deadline is the
// underlying cause.
func (p *Planner) stateFor(ctx context.Context, state string) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.StateTimeout
	}
	return state
}

func (p *Planner) finish(meta *types.FunctionMetadata, state string, err error, sched *types.Schedule) FunctionResult {
	functionID := meta.FunctionID
	result := FunctionResult{FunctionID: functionID, State: state, Schedule: sched, Meta: meta}
	if err != nil {
		result.Error = err.Error()
		klog.ErrorS(err, "Function planning failed", "function", functionID, "state", state)
	}
	telemetry.PlannerFunctionResults.WithLabelValues(state).Inc()
	event := telemetry.Event{
		Time:       p.clock.Now().UTC(),
		Kind:       telemetry.KindPlannerFunction,
		FunctionID: functionID,
		State:      state,
		Detail:     result.Error,
	}
	if sched != nil && len(sched.Recommendations) > 0 {
		top := sched.Recommendations[0]
		event.Region = top.Region
		event.HourStart = top.HourStartUTC
		event.ForecastCI = top.CarbonIntensity
		event.CarbonG = top.EmissionsG
		event.CostUSD = top.TransferCostUSD
	}
	p.recorder.Record(event)
	return result
}

// publishIntensity exports the current-hour intensity per fetched zone.
func (p *Planner) publishIntensity(doc *forecast.Document, horizonStart time.Time) {
	for zone, zf := range doc.Zones {
		if ci, ok := zf.At(horizonStart); ok {
			telemetry.CarbonIntensityGauge.WithLabelValues(zone).Set(ci)
		}
	}
}

func cycleDetail(summary *CycleSummary) string {
	counts := make(map[string]int)
	for _, r := range summary.Results {
		counts[r.State]++
	}
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s=%d", state, counts[state]))
	}
	return strings.Join(parts, " ")
}
