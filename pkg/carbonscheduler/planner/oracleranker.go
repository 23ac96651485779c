package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/normalize"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// OracleRanker asks the LLM oracle to order the candidates under the
// function's weights. Its output is validated against a strict schema;
// the planner falls back to deterministic ranking on any failure.
type OracleRanker struct {
	oracle normalize.Generator
}

// NewOracleRanker wraps the given oracle.
func NewOracleRanker(gen normalize.Generator) *OracleRanker {
	return &OracleRanker{oracle: gen}
}

// rankingOutput is the required oracle answer: a permutation of candidate
// indices, best first, with one rationale per entry.
type rankingOutput struct {
	Order      []int    `json:"order"`
	Rationales []string `json:"rationales"`
}

func (r *OracleRanker) Rank(ctx context.Context, meta *types.FunctionMetadata, candidates []types.CandidateScore, topN int) ([]types.Recommendation, error) {
	raw, err := r.oracle.Generate(ctx, buildRankingPrompt(meta, candidates))
	if err != nil {
		return nil, fmt.Errorf("oracle ranking failed: %v", err)
	}

	var out rankingOutput
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("oracle ranking failed schema validation: %v", err)
	}
	if err := validateOrder(out, len(candidates)); err != nil {
		return nil, fmt.Errorf("oracle ranking failed schema validation: %v", err)
	}

	if topN > len(out.Order) {
		topN = len(out.Order)
	}
	recs := make([]types.Recommendation, 0, topN)
	for i := 0; i < topN; i++ {
		c := candidates[out.Order[i]]
		rationale := ""
		if i < len(out.Rationales) {
			rationale = out.Rationales[i]
		}
		recs = append(recs, types.Recommendation{
			Priority:        i + 1,
			Region:          c.Region,
			HourStartUTC:    c.HourStartUTC,
			CarbonIntensity: c.CarbonIntensity,
			EmissionsG:      c.EmissionsG,
			TransferCostUSD: c.TransferCostUSD,
			Rationale:       rationale,
		})
	}
	klog.V(2).InfoS("Oracle ranking accepted", "function", meta.FunctionID, "candidates", len(candidates))
	return recs, nil
}

// validateOrder requires a full permutation of 0..n-1 and a rationale list
// no longer than the order.
func validateOrder(out rankingOutput, n int) error {
	if len(out.Order) != n {
		return fmt.Errorf("order has %d entries, want %d", len(out.Order), n)
	}
	seen := make([]bool, n)
	for _, idx := range out.Order {
		if idx < 0 || idx >= n {
			return fmt.Errorf("index %d out of range", idx)
		}
		if seen[idx] {
			return fmt.Errorf("duplicate index %d", idx)
		}
		seen[idx] = true
	}
	if len(out.Rationales) > n {
		return fmt.Errorf("more rationales than candidates")
	}
	return nil
}

func buildRankingPrompt(meta *types.FunctionMetadata, candidates []types.CandidateScore) string {
	var b strings.Builder
	b.WriteString("You are a carbon-aware serverless function scheduler. Order the execution slots below from best to worst for this function.\n\n")
	fmt.Fprintf(&b, "Function: %s\nWeights: carbon=%.2f cost=%.2f latency=%.2f\n\nCandidates:\n",
		meta.FunctionID, meta.Weights.Carbon, meta.Weights.Cost, meta.Weights.Latency)
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d: region=%s hour=%s carbon_intensity=%.1f gCO2eq/kWh emissions=%.4f g transfer_cost=%.5f USD latency_penalty=%.3f\n",
			i, c.Region, c.HourStartUTC.Format(time.RFC3339), c.CarbonIntensity, c.EmissionsG, c.TransferCostUSD, c.LatencyPenalty)
	}
	b.WriteString(`
Return ONLY valid JSON, no markdown, matching exactly:
{
  "order": [candidate indices, ALL of them, best first],
  "rationales": ["one short reason per entry, same order"]
}`)
	return b.String()
}
