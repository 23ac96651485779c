package types

import (
	"math"
	"testing"
	"time"
)

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{"carbon only", Weights{Carbon: 1}, false},
		{"mixed", Weights{Carbon: 0.5, Cost: 0.3, Latency: 0.2}, false},
		{"unnormalized", Weights{Carbon: 3, Cost: 1}, false},
		{"all zero", Weights{}, true},
		{"negative", Weights{Carbon: 1, Cost: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWeightsNormalize(t *testing.T) {
	w := Weights{Carbon: 3, Cost: 1}.Normalize()
	if math.Abs(w.Carbon-0.75) > 1e-9 || math.Abs(w.Cost-0.25) > 1e-9 || w.Latency != 0 {
		t.Errorf("Normalize() = %+v, want {0.75 0.25 0}", w)
	}
	if sum := w.Carbon + w.Cost + w.Latency; math.Abs(sum-1) > 1e-9 {
		t.Errorf("Normalized weights sum to %v, want 1", sum)
	}
}

func TestEffectiveDeadlineHours(t *testing.T) {
	var implicit FunctionMetadata
	if got := implicit.EffectiveDeadlineHours(); got != 24 {
		t.Errorf("Implicit deadline = %d, want 24", got)
	}

	var explicit FunctionMetadata
	explicit.MarkDeadlineExplicit()
	if got := explicit.EffectiveDeadlineHours(); got != 0 {
		t.Errorf("Explicit zero deadline = %d, want 0", got)
	}

	bounded := FunctionMetadata{DeadlineHours: 6}
	bounded.MarkDeadlineExplicit()
	if got := bounded.EffectiveDeadlineHours(); got != 6 {
		t.Errorf("Explicit deadline = %d, want 6", got)
	}
}

func TestScheduleValidate(t *testing.T) {
	horizon := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rec := func(priority int, region string, hour int) Recommendation {
		return Recommendation{
			Priority:     priority,
			Region:       region,
			HourStartUTC: horizon.Add(time.Duration(hour) * time.Hour),
		}
	}

	tests := []struct {
		name    string
		recs    []Recommendation
		wantErr bool
	}{
		{
			name: "valid permutation",
			recs: []Recommendation{rec(2, "r1", 1), rec(1, "r2", 0), rec(3, "r1", 2)},
		},
		{
			name:    "duplicate priority",
			recs:    []Recommendation{rec(1, "r1", 0), rec(1, "r2", 1)},
			wantErr: true,
		},
		{
			name:    "priority gap",
			recs:    []Recommendation{rec(1, "r1", 0), rec(3, "r2", 1)},
			wantErr: true,
		},
		{
			name:    "duplicate slot",
			recs:    []Recommendation{rec(1, "r1", 2), rec(2, "r1", 2)},
			wantErr: true,
		},
		{
			name:    "slot before horizon",
			recs:    []Recommendation{rec(1, "r1", -1)},
			wantErr: true,
		},
		{
			name: "empty schedule",
			recs: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Schedule{
				FunctionID:      "f1",
				HorizonStartUTC: horizon,
				Recommendations: tt.recs,
			}
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
