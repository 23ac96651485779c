// Package registry loads the per-function metadata document from the
// bucket at the start of each planning cycle and produces canonical,
// validated FunctionMetadata records.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/catalog"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// Extractor converts a free-text description into a canonical record.
// Implemented by normalize.Extractor.
type Extractor interface {
	ExtractMetadata(ctx context.Context, functionID, description string) (*types.FunctionMetadata, error)
}

// Document is the bucket shape of function_metadata.json. Each entry is
// either a structured record or a free-text description.
type Document struct {
	Functions map[string]json.RawMessage `json:"functions"`
}

// Rejection records a function skipped during this cycle.
type Rejection struct {
	FunctionID string `json:"function_id"`
	Reason     string `json:"reason"`
}

// Registry loads and normalizes the registry document.
type Registry struct {
	store     store.Interface
	catalog   *catalog.Catalog
	extractor Extractor
	validate  *validator.Validate
}

// New creates a registry. The extractor may be nil, in which case
// free-text entries are rejected.
func New(s store.Interface, cat *catalog.Catalog, ext Extractor) *Registry {
	return &Registry{
		store:     s,
		catalog:   cat,
		extractor: ext,
		validate:  validator.New(),
	}
}

// Load reads the registry document and returns the canonical records in
// stable (sorted) order plus per-function rejections. Individual bad
// entries never abort the cycle; a missing or malformed document does.
func (r *Registry) Load(ctx context.Context) ([]types.FunctionMetadata, []Rejection, error) {
	var doc Document
	if err := store.GetJSON(ctx, r.store, common.ObjectFunctionMetadata, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to load registry document: %v", err)
	}
	return r.Normalize(ctx, &doc)
}

// Normalize converts a registry document into canonical records.
func (r *Registry) Normalize(ctx context.Context, doc *Document) ([]types.FunctionMetadata, []Rejection, error) {
	if len(doc.Functions) == 0 {
		return nil, nil, fmt.Errorf("registry document has no functions")
	}

	ids := make([]string, 0, len(doc.Functions))
	for id := range doc.Functions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var records []types.FunctionMetadata
	var rejections []Rejection
	for _, id := range ids {
		meta, err := r.normalizeOne(ctx, id, doc.Functions[id])
		if err != nil {
			klog.V(2).InfoS("Rejected function for this cycle", "function", id, "reason", err)
			rejections = append(rejections, Rejection{FunctionID: id, Reason: err.Error()})
			continue
		}
		records = append(records, *meta)
	}
	return records, rejections, nil
}

func (r *Registry) normalizeOne(ctx context.Context, id string, raw json.RawMessage) (*types.FunctionMetadata, error) {
	// Free-text entries are JSON strings.
	var description string
	if err := json.Unmarshal(raw, &description); err == nil {
		if r.extractor == nil {
			return nil, fmt.Errorf("free-text entry but no extractor configured")
		}
		meta, err := r.extractor.ExtractMetadata(ctx, id, description)
		if err != nil {
			return nil, err
		}
		return meta, r.checkInvariants(meta)
	}

	// Older documents expressed priority as a single integer; those are
	// rejected and must be migrated to the three-weight form.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("entry is neither a string nor an object: %v", err)
	}
	if _, legacy := probe["priority"]; legacy {
		if _, hasWeights := probe["weights"]; !hasWeights {
			return nil, fmt.Errorf("legacy single-priority weight scheme is not supported")
		}
	}

	// An object carrying a description but no structured sizing fields is
	// a free-text entry with overrides: extract first, then overlay the
	// explicit deadline.
	if rawDesc, ok := probe["description"]; ok {
		if _, structured := probe["runtime_ms"]; !structured {
			return r.normalizeDescribed(ctx, id, rawDesc, probe)
		}
	}

	var meta types.FunctionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode structured entry: %v", err)
	}
	meta.FunctionID = id
	if _, ok := probe["deadline_hours"]; ok {
		meta.MarkDeadlineExplicit()
	}
	if err := r.validate.Struct(&meta); err != nil {
		return nil, fmt.Errorf("metadata failed validation: %v", err)
	}
	return &meta, r.checkInvariants(&meta)
}

// normalizeDescribed handles description-object entries: the text goes
// through the extractor and the entry's own deadline_hours, when present,
// replaces the extracted default.
func (r *Registry) normalizeDescribed(ctx context.Context, id string, rawDesc json.RawMessage, probe map[string]json.RawMessage) (*types.FunctionMetadata, error) {
	var description string
	if err := json.Unmarshal(rawDesc, &description); err != nil || description == "" {
		return nil, fmt.Errorf("description must be a non-empty string")
	}
	if r.extractor == nil {
		return nil, fmt.Errorf("free-text entry but no extractor configured")
	}
	meta, err := r.extractor.ExtractMetadata(ctx, id, description)
	if err != nil {
		return nil, err
	}
	if rawDeadline, ok := probe["deadline_hours"]; ok {
		if err := json.Unmarshal(rawDeadline, &meta.DeadlineHours); err != nil {
			return nil, fmt.Errorf("invalid deadline_hours: %v", err)
		}
		meta.MarkDeadlineExplicit()
	}
	if err := r.validate.Struct(meta); err != nil {
		return nil, fmt.Errorf("metadata failed validation: %v", err)
	}
	return meta, r.checkInvariants(meta)
}

// checkInvariants enforces the data-model invariants that tags cannot
// express: allowed regions are known catalog keys, GPU functions have at
// least one GPU-capable allowed region, and weights are well-formed.
func (r *Registry) checkInvariants(meta *types.FunctionMetadata) error {
	if err := meta.Weights.Validate(); err != nil {
		return err
	}
	meta.Weights = meta.Weights.Normalize()

	gpuCapable := false
	for _, region := range meta.AllowedRegions {
		if !r.catalog.Has(region) {
			return fmt.Errorf("allowed region %s is not in the catalog", region)
		}
		if r.catalog.HasGPU(region) {
			gpuCapable = true
		}
	}
	if meta.GPURequired && !gpuCapable {
		return fmt.Errorf("GPU required but no allowed region has GPU hardware")
	}
	if !r.catalog.Has(meta.SourceRegion) {
		return fmt.Errorf("source region %s is not in the catalog", meta.SourceRegion)
	}
	return nil
}
