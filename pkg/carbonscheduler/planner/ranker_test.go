package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

func candidate(region string, hour int, composite, transfer float64) types.CandidateScore {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return types.CandidateScore{
		FunctionID:      "f1",
		Region:          region,
		HourStartUTC:    start.Add(time.Duration(hour) * time.Hour),
		Composite:       composite,
		TransferCostUSD: transfer,
		CarbonIntensity: 100,
	}
}

func TestDeterministicRankOrdering(t *testing.T) {
	candidates := []types.CandidateScore{
		candidate("b", 2, 0.5, 0.1),
		candidate("a", 0, 0.1, 0.1),
		candidate("c", 1, 0.1, 0.1), // ties with hour 0 on composite, later hour loses
		candidate("b", 0, 0.1, 0.05),
	}

	recs, err := Deterministic{}.Rank(context.Background(), &types.FunctionMetadata{FunctionID: "f1"}, candidates, 10)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("Expected 4 recommendations, got %d", len(recs))
	}

	// Composite ties at hour 0 break by transfer cost; the remaining tie
	// breaks by hour, then composite 0.5 lands last.
	wantRegions := []string{"b", "a", "c", "b"}
	for i, rec := range recs {
		if rec.Priority != i+1 {
			t.Errorf("Priority[%d] = %d, want %d", i, rec.Priority, i+1)
		}
		if rec.Region != wantRegions[i] {
			t.Errorf("Region[%d] = %s, want %s", i, rec.Region, wantRegions[i])
		}
	}
}

func TestDeterministicRankTopN(t *testing.T) {
	var candidates []types.CandidateScore
	for h := 0; h < 24; h++ {
		candidates = append(candidates, candidate("r", h, 0, 0))
	}

	recs, err := Deterministic{}.Rank(context.Background(), &types.FunctionMetadata{FunctionID: "f1"}, candidates, 5)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("Expected top 5, got %d", len(recs))
	}
	// All composites tie, so earlier hours win.
	for i, rec := range recs {
		if got := rec.HourStartUTC.Hour(); got != 9+i {
			t.Errorf("Hour[%d] = %d, want %d", i, got, 9+i)
		}
	}
}

func TestDeterministicRegionTieBreak(t *testing.T) {
	candidates := []types.CandidateScore{
		candidate("zeta", 0, 0, 0),
		candidate("alpha", 0, 0, 0),
	}
	recs, err := Deterministic{}.Rank(context.Background(), &types.FunctionMetadata{FunctionID: "f1"}, candidates, 2)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if recs[0].Region != "alpha" {
		t.Errorf("Full tie should break lexicographically, got %s first", recs[0].Region)
	}
}

// scriptedOracle returns canned payloads in sequence.
type scriptedOracle struct {
	payloads []string
	err      error
	calls    int
}

func (s *scriptedOracle) Generate(context.Context, string) (json.RawMessage, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.calls >= len(s.payloads) {
		return nil, fmt.Errorf("no more scripted payloads")
	}
	p := s.payloads[s.calls]
	s.calls++
	return json.RawMessage(p), nil
}

func TestOracleRankerValidPermutation(t *testing.T) {
	candidates := []types.CandidateScore{
		candidate("a", 0, 0.9, 0),
		candidate("b", 1, 0.1, 0),
		candidate("c", 2, 0.5, 0),
	}
	oracle := &scriptedOracle{payloads: []string{
		`{"order":[1,2,0],"rationales":["lowest intensity","next best","fallback"]}`,
	}}

	recs, err := NewOracleRanker(oracle).Rank(context.Background(), &types.FunctionMetadata{FunctionID: "f1"}, candidates, 3)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if recs[0].Region != "b" || recs[1].Region != "c" || recs[2].Region != "a" {
		t.Errorf("Order = %s,%s,%s, want b,c,a", recs[0].Region, recs[1].Region, recs[2].Region)
	}
	if recs[0].Priority != 1 || recs[2].Priority != 3 {
		t.Error("Priorities must be 1..N")
	}
	if recs[0].Rationale != "lowest intensity" {
		t.Errorf("Rationale = %q", recs[0].Rationale)
	}
}

func TestOracleRankerRejectsBadOutput(t *testing.T) {
	candidates := []types.CandidateScore{
		candidate("a", 0, 0, 0),
		candidate("b", 1, 0, 0),
	}
	tests := []struct {
		name    string
		payload string
	}{
		{"missing index", `{"order":[0],"rationales":[]}`},
		{"duplicate index", `{"order":[0,0],"rationales":[]}`},
		{"out of range", `{"order":[0,5],"rationales":[]}`},
		{"unknown field", `{"order":[0,1],"rationales":[],"comment":"hi"}`},
		{"not json", `pick the first one`},
		{"too many rationales", `{"order":[0,1],"rationales":["a","b","c"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := &scriptedOracle{payloads: []string{tt.payload}}
			_, err := NewOracleRanker(oracle).Rank(context.Background(), &types.FunctionMetadata{FunctionID: "f1"}, candidates, 2)
			if err == nil {
				t.Fatal("Expected validation error")
			}
		})
	}
}
