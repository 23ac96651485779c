// Package normalize converts free-text function descriptions into the
// canonical FunctionMetadata record via the LLM oracle, applying a strict
// extraction schema and a confidence gate.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/catalog"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// MinConfidence is the gate below which an extraction is rejected.
const MinConfidence = 0.5

// Generator is the oracle surface the extractor needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (json.RawMessage, error)
}

// Extraction is the oracle's structured answer for one description.
type Extraction struct {
	FunctionID        string   `json:"function_id"`
	RuntimeMS         float64  `json:"runtime_ms"`
	MemoryMB          int      `json:"memory_mb"`
	VCPUs             float64  `json:"vcpus"`
	GPURequired       bool     `json:"gpu_required"`
	InputBytes        int64    `json:"input_bytes"`
	OutputBytes       int64    `json:"output_bytes"`
	SourceRegion      string   `json:"source_region"`
	InvocationsPerDay float64  `json:"invocations_per_day"`
	AllowedRegions    []string `json:"allowed_regions"`
	DeadlineHours     int      `json:"deadline_hours"`
	Description       string   `json:"description"`
	ConfidenceScore   float64  `json:"confidence_score"`
	Assumptions       []string `json:"assumptions"`
	Warnings          []string `json:"warnings"`
}

// Extractor turns natural-language descriptions into canonical records.
type Extractor struct {
	oracle  Generator
	catalog *catalog.Catalog
}

// NewExtractor creates an extractor backed by the given oracle.
func NewExtractor(gen Generator, cat *catalog.Catalog) *Extractor {
	return &Extractor{oracle: gen, catalog: cat}
}

// Extract asks the oracle for a structured record. Extractions below the
// confidence gate or failing schema validation return an error; the caller
// skips the function for this cycle without aborting it.
func (e *Extractor) Extract(ctx context.Context, functionID, description string) (*types.FunctionMetadata, *Extraction, error) {
	raw, err := e.oracle.Generate(ctx, e.buildPrompt(description))
	if err != nil {
		return nil, nil, fmt.Errorf("oracle extraction failed: %v", err)
	}

	var ext Extraction
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ext); err != nil {
		return nil, nil, fmt.Errorf("extraction failed schema validation: %v", err)
	}
	if err := e.validate(&ext); err != nil {
		return nil, nil, fmt.Errorf("extraction failed schema validation: %v", err)
	}

	if ext.ConfidenceScore < MinConfidence {
		return nil, &ext, fmt.Errorf("extraction confidence %.2f below threshold %.2f", ext.ConfidenceScore, MinConfidence)
	}

	meta := e.toMetadata(functionID, &ext)
	klog.V(2).InfoS("Extracted function metadata from description",
		"function", functionID,
		"confidence", ext.ConfidenceScore,
		"assumptions", len(ext.Assumptions),
		"warnings", len(ext.Warnings))
	return meta, &ext, nil
}

// ExtractMetadata is the registry-facing form of Extract.
func (e *Extractor) ExtractMetadata(ctx context.Context, functionID, description string) (*types.FunctionMetadata, error) {
	meta, _, err := e.Extract(ctx, functionID, description)
	return meta, err
}

func (e *Extractor) validate(ext *Extraction) error {
	if ext.RuntimeMS <= 0 {
		return fmt.Errorf("runtime_ms must be positive")
	}
	if ext.MemoryMB <= 0 {
		return fmt.Errorf("memory_mb must be positive")
	}
	if ext.ConfidenceScore < 0 || ext.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score %v outside [0,1]", ext.ConfidenceScore)
	}
	for _, region := range ext.AllowedRegions {
		if !e.catalog.Has(region) {
			return fmt.Errorf("unknown region %s in allowed_regions", region)
		}
	}
	if ext.SourceRegion != "" && !e.catalog.Has(ext.SourceRegion) {
		return fmt.Errorf("unknown source region %s", ext.SourceRegion)
	}
	return nil
}

func (e *Extractor) toMetadata(functionID string, ext *Extraction) *types.FunctionMetadata {
	allowed := ext.AllowedRegions
	if len(allowed) == 0 {
		allowed = e.catalog.Regions()
		sort.Strings(allowed)
	}
	vcpus := ext.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	source := ext.SourceRegion
	if source == "" {
		source = allowed[0]
	}

	meta := &types.FunctionMetadata{
		FunctionID:        functionID,
		RuntimeMS:         ext.RuntimeMS,
		MemoryMB:          roundUpToTier(ext.MemoryMB),
		VCPUs:             vcpus,
		GPURequired:       ext.GPURequired,
		InputBytes:        ext.InputBytes,
		OutputBytes:       ext.OutputBytes,
		SourceRegion:      source,
		InvocationsPerDay: ext.InvocationsPerDay,
		AllowedRegions:    allowed,
		Weights:           types.Weights{Carbon: 1},
		DeadlineHours:     ext.DeadlineHours,
		Description:       ext.Description,
	}
	if ext.DeadlineHours > 0 {
		meta.MarkDeadlineExplicit()
	}
	return meta
}

// roundUpToTier rounds an extracted allocation up to the next memory tier.
func roundUpToTier(memoryMB int) int {
	for _, tier := range common.MemoryTiersMB {
		if memoryMB <= tier {
			return tier
		}
	}
	return common.MemoryTiersMB[len(common.MemoryTiersMB)-1]
}

func (e *Extractor) buildPrompt(description string) string {
	regions := e.catalog.Regions()
	sort.Strings(regions)

	var b strings.Builder
	b.WriteString("You are a serverless infrastructure expert. Convert this natural language function description into structured metadata for carbon-aware scheduling.\n\n")
	b.WriteString("User's description:\n\"\"\"")
	b.WriteString(description)
	b.WriteString("\"\"\"\n\n")
	b.WriteString("Known regions: ")
	b.WriteString(strings.Join(regions, ", "))
	b.WriteString("\n\n")
	b.WriteString(`Estimate conservative values (overestimate resources, round memory UP) and return ONLY valid JSON matching this exact schema, no markdown:
{
  "function_id": "string",
  "runtime_ms": number,
  "memory_mb": number,
  "vcpus": number,
  "gpu_required": boolean,
  "input_bytes": number,
  "output_bytes": number,
  "source_region": "string (one of the known regions, or empty)",
  "invocations_per_day": number,
  "allowed_regions": ["known region keys, or empty for no restriction"],
  "deadline_hours": number (0 if the description gives no deferral window),
  "description": "one-sentence technical summary",
  "confidence_score": number (0.0-1.0),
  "assumptions": ["key assumptions made"],
  "warnings": ["potential concerns"]
}`)
	return b.String()
}
