package planner

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

// Ranker produces the ordered top-N recommendations from a function's
// scored candidates. Implementations must preserve the candidate filters;
// the planner validates the result either way.
type Ranker interface {
	Rank(ctx context.Context, meta *types.FunctionMetadata, candidates []types.CandidateScore, topN int) ([]types.Recommendation, error)
}

// Deterministic ranks candidates by composite score ascending, breaking
// ties by earlier hour, then lower egress cost, then region key.
type Deterministic struct{}

func (Deterministic) Rank(_ context.Context, _ *types.FunctionMetadata, candidates []types.CandidateScore, topN int) ([]types.Recommendation, error) {
	ordered := append([]types.CandidateScore(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Composite != b.Composite {
			return a.Composite < b.Composite
		}
		if !a.HourStartUTC.Equal(b.HourStartUTC) {
			return a.HourStartUTC.Before(b.HourStartUTC)
		}
		if a.TransferCostUSD != b.TransferCostUSD {
			return a.TransferCostUSD < b.TransferCostUSD
		}
		return a.Region < b.Region
	})

	top := lo.Slice(ordered, 0, topN)
	recs := make([]types.Recommendation, 0, len(top))
	for i, c := range top {
		recs = append(recs, types.Recommendation{
			Priority:        i + 1,
			Region:          c.Region,
			HourStartUTC:    c.HourStartUTC,
			CarbonIntensity: c.CarbonIntensity,
			EmissionsG:      c.EmissionsG,
			TransferCostUSD: c.TransferCostUSD,
		})
	}
	return recs, nil
}
