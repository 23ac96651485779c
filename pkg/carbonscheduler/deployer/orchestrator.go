package deployer

import (
	"context"
	"sort"

	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// Deployment results recorded per (function, region).
const (
	ResultDeployed  = "deployed"
	ResultUnchanged = "unchanged"
	ResultFailed    = "deploy_failed"
)

// RegionResult is the orchestrator's per-region outcome.
type RegionResult struct {
	Region string `json:"region"`
	Result string `json:"result"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// API is the deployer surface the orchestrator needs. Implemented by
// Client; narrowed for tests.
type API interface {
	Status(ctx context.Context, function, region string) (*StatusResult, error)
	Deploy(ctx context.Context, params DeployParams) (*DeployResult, error)
}

// Orchestrator reconciles a function's deployments with its schedule.
type Orchestrator struct {
	client        API
	store         store.Interface
	deployRegions int
	clock         clock.Clock
	recorder      telemetry.Recorder
}

// OrchestratorOption allows customizing the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock allows injecting a custom clock
func WithClock(clk clock.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clk }
}

// WithOrchestratorRecorder allows injecting a telemetry recorder
func WithOrchestratorRecorder(rec telemetry.Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = rec }
}

// NewOrchestrator creates an orchestrator deploying to the top deployRegions
// schedule regions.
func NewOrchestrator(client API, s store.Interface, deployRegions int, opts ...OrchestratorOption) *Orchestrator {
	if deployRegions <= 0 {
		deployRegions = common.DefaultDeployRegions
	}
	o := &Orchestrator{
		client:        client,
		store:         s,
		deployRegions: deployRegions,
		clock:         clock.RealClock{},
		recorder:      telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CodeHash computes the content hash that decides whether a region needs a
// redeploy: the code plus the canonical sorted dependency list.
func CodeHash(artifact *types.Artifact) (string, error) {
	deps := append([]string(nil), artifact.Requirements...)
	sort.Strings(deps)
	return common.HashJSON(struct {
		Code         string   `json:"code"`
		Requirements []string `json:"requirements"`
	}{Code: artifact.Code, Requirements: deps})
}

// Reconcile brings the function's top-ranked regions up to date and mutates
// the schedule's deployment map in place. Per-region failures are recorded
// and never abort the remaining regions; a region that fails keeps its
// prior URL if one exists.
func (o *Orchestrator) Reconcile(ctx context.Context, meta *types.FunctionMetadata, sched *types.Schedule) []RegionResult {
	if meta.Artifact == nil || meta.Artifact.Code == "" {
		klog.V(3).InfoS("Function has no artifact, skipping deployment", "function", meta.FunctionID)
		return nil
	}

	hash, err := CodeHash(meta.Artifact)
	if err != nil {
		klog.ErrorS(err, "Failed to hash artifact", "function", meta.FunctionID)
		return []RegionResult{{Result: ResultFailed, Error: err.Error()}}
	}
	o.persistArtifact(ctx, meta, hash)

	if sched.Deployment == nil {
		sched.Deployment = map[string]types.RegionDeployment{}
	}

	results := make([]RegionResult, 0, o.deployRegions)
	for _, region := range o.targetRegions(sched) {
		result := o.reconcileRegion(ctx, meta, sched, region, hash)
		results = append(results, result)

		telemetry.DeploymentResults.WithLabelValues(result.Result).Inc()
		o.recorder.Record(telemetry.Event{
			Time:       o.clock.Now().UTC(),
			Kind:       telemetry.KindDeploy,
			FunctionID: meta.FunctionID,
			Region:     region,
			State:      result.Result,
			Detail:     result.Error,
		})
	}
	return results
}

// targetRegions returns the distinct regions of the top-ranked
// recommendations, in priority order, capped at deployRegions.
func (o *Orchestrator) targetRegions(sched *types.Schedule) []string {
	ordered := append([]types.Recommendation(nil), sched.Recommendations...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	regions := lo.Uniq(lo.Map(ordered, func(r types.Recommendation, _ int) string { return r.Region }))
	if len(regions) > o.deployRegions {
		regions = regions[:o.deployRegions]
	}
	return regions
}

func (o *Orchestrator) reconcileRegion(ctx context.Context, meta *types.FunctionMetadata, sched *types.Schedule, region, hash string) RegionResult {
	status, err := o.client.Status(ctx, meta.FunctionID, region)
	if err != nil {
		klog.ErrorS(err, "Deployer status check failed", "function", meta.FunctionID, "region", region)
		return RegionResult{Region: region, Result: ResultFailed, Error: err.Error()}
	}

	if status.Deployed && status.CodeHash == hash {
		sched.Deployment[region] = types.RegionDeployment{
			URL:           status.URL,
			CodeHash:      status.CodeHash,
			DeployedAtUTC: sched.Deployment[region].DeployedAtUTC,
		}
		klog.V(3).InfoS("Deployment up to date", "function", meta.FunctionID, "region", region)
		return RegionResult{Region: region, Result: ResultUnchanged, URL: status.URL}
	}

	deployed, err := o.client.Deploy(ctx, DeployParams{
		Function:     meta.FunctionID,
		Region:       region,
		Code:         meta.Artifact.Code,
		Requirements: meta.Artifact.Requirements,
		MemoryMB:     meta.MemoryMB,
		TimeoutSec:   int(common.DefaultCallTimeout.Seconds()),
	})
	if err != nil {
		klog.ErrorS(err, "Deployment failed", "function", meta.FunctionID, "region", region)
		return RegionResult{Region: region, Result: ResultFailed, Error: err.Error()}
	}

	sched.Deployment[region] = types.RegionDeployment{
		URL:           deployed.URL,
		CodeHash:      hash,
		DeployedAtUTC: o.clock.Now().UTC(),
	}
	klog.V(2).InfoS("Deployed function", "function", meta.FunctionID, "region", region, "url", deployed.URL)
	return RegionResult{Region: region, Result: ResultDeployed, URL: deployed.URL}
}

// persistArtifact uploads the deployable source under its content hash.
// Best effort; the deployer receives the code inline either way.
func (o *Orchestrator) persistArtifact(ctx context.Context, meta *types.FunctionMetadata, hash string) {
	key := common.FunctionSourcePrefix + meta.FunctionID + "/" + hash + ".py"
	if err := o.store.Put(ctx, key, []byte(meta.Artifact.Code)); err != nil {
		klog.ErrorS(err, "Failed to persist artifact", "function", meta.FunctionID, "key", key)
	}
}
