package deployer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// fakeAPI scripts the deployer per region.
type fakeAPI struct {
	statuses  map[string]*StatusResult
	statusErr map[string]error
	deployErr map[string]error
	deploys   []DeployParams
}

func (f *fakeAPI) Status(_ context.Context, _, region string) (*StatusResult, error) {
	if err := f.statusErr[region]; err != nil {
		return nil, err
	}
	if s, ok := f.statuses[region]; ok {
		return s, nil
	}
	return &StatusResult{Deployed: false}, nil
}

func (f *fakeAPI) Deploy(_ context.Context, params DeployParams) (*DeployResult, error) {
	if err := f.deployErr[params.Region]; err != nil {
		return nil, err
	}
	f.deploys = append(f.deploys, params)
	return &DeployResult{URL: "https://" + params.Region + ".example/" + params.Function}, nil
}

func orchMeta() *types.FunctionMetadata {
	return &types.FunctionMetadata{
		FunctionID: "f1",
		MemoryMB:   256,
		Artifact: &types.Artifact{
			Code:         "def handler(event): return event",
			Requirements: []string{"requests==2.31.0"},
		},
	}
}

func orchSchedule() *types.Schedule {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := func(p int, region string, hour int) types.Recommendation {
		return types.Recommendation{Priority: p, Region: region, HourStartUTC: start.Add(time.Duration(hour) * time.Hour)}
	}
	return &types.Schedule{
		FunctionID:      "f1",
		HorizonStartUTC: start,
		Recommendations: []types.Recommendation{
			rec(1, "r1", 0), rec(2, "r2", 0), rec(3, "r1", 1),
			rec(4, "r3", 2), rec(5, "r4", 3),
		},
		Deployment: map[string]types.RegionDeployment{},
	}
}

func TestCodeHashStableUnderDependencyOrder(t *testing.T) {
	a := &types.Artifact{Code: "x", Requirements: []string{"b", "a"}}
	b := &types.Artifact{Code: "x", Requirements: []string{"a", "b"}}
	ha, err := CodeHash(a)
	if err != nil {
		t.Fatalf("CodeHash failed: %v", err)
	}
	hb, _ := CodeHash(b)
	if ha != hb {
		t.Error("Dependency order must not change the code hash")
	}

	c := &types.Artifact{Code: "y", Requirements: []string{"a", "b"}}
	hc, _ := CodeHash(c)
	if ha == hc {
		t.Error("Different code must change the hash")
	}
}

func TestReconcileDeploysTopRegions(t *testing.T) {
	api := &fakeAPI{}
	o := NewOrchestrator(api, store.NewMemory(), 3)

	sched := orchSchedule()
	results := o.Reconcile(context.Background(), orchMeta(), sched)

	// Distinct regions in priority order: r1, r2, r3 (r4 falls outside M=3).
	if len(results) != 3 {
		t.Fatalf("Expected 3 region results, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if r.Result != ResultDeployed {
			t.Errorf("Region %s result = %s, want %s (%s)", r.Region, r.Result, ResultDeployed, r.Error)
		}
	}
	if _, ok := sched.Deployment["r4"]; ok {
		t.Error("r4 is outside the deploy window and must not be deployed")
	}
	if dep := sched.Deployment["r1"]; dep.URL == "" || dep.CodeHash == "" {
		t.Errorf("Deployment map not updated: %+v", dep)
	}
}

func TestReconcileSkipsUnchangedHash(t *testing.T) {
	meta := orchMeta()
	hash, err := CodeHash(meta.Artifact)
	if err != nil {
		t.Fatalf("CodeHash failed: %v", err)
	}

	api := &fakeAPI{statuses: map[string]*StatusResult{
		"r1": {Deployed: true, CodeHash: hash, URL: "https://r1.example/f1"},
	}}
	o := NewOrchestrator(api, store.NewMemory(), 1)

	sched := orchSchedule()
	results := o.Reconcile(context.Background(), meta, sched)
	if len(results) != 1 || results[0].Result != ResultUnchanged {
		t.Fatalf("results = %+v, want one unchanged", results)
	}
	if len(api.deploys) != 0 {
		t.Error("Unchanged hash must not redeploy")
	}
	if sched.Deployment["r1"].URL != "https://r1.example/f1" {
		t.Error("Deployment map should record the existing URL")
	}
}

func TestReconcilePerRegionFailureIsNonFatal(t *testing.T) {
	api := &fakeAPI{deployErr: map[string]error{"r1": fmt.Errorf("quota exceeded")}}
	o := NewOrchestrator(api, store.NewMemory(), 2)

	sched := orchSchedule()
	sched.Deployment["r1"] = types.RegionDeployment{URL: "https://old.example/f1", CodeHash: "old"}

	results := o.Reconcile(context.Background(), orchMeta(), sched)
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}

	byRegion := map[string]RegionResult{}
	for _, r := range results {
		byRegion[r.Region] = r
	}
	if byRegion["r1"].Result != ResultFailed {
		t.Errorf("r1 = %+v, want %s", byRegion["r1"], ResultFailed)
	}
	if byRegion["r2"].Result != ResultDeployed {
		t.Errorf("r2 = %+v, want %s despite r1 failing", byRegion["r2"], ResultDeployed)
	}
	// The failing region keeps its prior URL.
	if sched.Deployment["r1"].URL != "https://old.example/f1" {
		t.Errorf("Prior URL lost on failure: %+v", sched.Deployment["r1"])
	}
}

func TestReconcilePersistsArtifact(t *testing.T) {
	mem := store.NewMemory()
	o := NewOrchestrator(&fakeAPI{}, mem, 1)

	meta := orchMeta()
	o.Reconcile(context.Background(), meta, orchSchedule())

	hash, _ := CodeHash(meta.Artifact)
	key := common.FunctionSourcePrefix + "f1/" + hash + ".py"
	data, err := mem.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Artifact not persisted under %s: %v", key, err)
	}
	if string(data) != meta.Artifact.Code {
		t.Error("Persisted artifact differs from the source code")
	}
}

func TestReconcileWithoutArtifactIsNoop(t *testing.T) {
	api := &fakeAPI{}
	o := NewOrchestrator(api, store.NewMemory(), 3)

	meta := orchMeta()
	meta.Artifact = nil
	results := o.Reconcile(context.Background(), meta, orchSchedule())
	if results != nil || len(api.deploys) != 0 {
		t.Error("Functions without artifacts must not be deployed")
	}
}
