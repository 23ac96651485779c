// Package score computes per-(function, region, hour) candidate scores:
// expected energy, emissions, incremental transfer cost and a composite
// objective. Scoring is a pure function of metadata, catalog and forecast,
// so identical inputs always reproduce identical candidates.
package score

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/catalog"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/forecast"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/types"
)

const bytesPerGB = 1e9

// EnergyKWh returns the expected energy of one invocation in region r,
// PUE-scaled, including the network share for moving the payload.
func EnergyKWh(meta *types.FunctionMetadata, entry catalog.RegionEntry, networkKWhPerGB float64) float64 {
	cpuUtil := meta.CPUUtilization
	if cpuUtil <= 0 {
		cpuUtil = common.DefaultCPUUtilization
	}

	watts := meta.VCPUs * (entry.CPUMinWattsPerVCPU + cpuUtil*(entry.CPUMaxWattsPerVCPU-entry.CPUMinWattsPerVCPU))
	watts += float64(meta.MemoryMB) / 1024.0 * entry.MemWattsPerGiB
	if meta.GPURequired && entry.GPU != nil {
		watts += entry.GPU.MinWatts + common.DefaultGPUUtilization*(entry.GPU.MaxWatts-entry.GPU.MinWatts)
	}

	runtimeHours := meta.RuntimeMS / 1000.0 / 3600.0
	computeKWh := watts * runtimeHours / 1000.0 * entry.PUE

	transferGB := float64(meta.InputBytes+meta.OutputBytes) / bytesPerGB
	return computeKWh + transferGB*networkKWhPerGB
}

// TransferCostUSD returns the incremental egress cost of returning the
// output payload to the function's source region.
func TransferCostUSD(meta *types.FunctionMetadata, cat *catalog.Catalog, region string) (float64, error) {
	rate, err := cat.EgressRate(region, meta.SourceRegion)
	if err != nil {
		return 0, err
	}
	return float64(meta.OutputBytes) / bytesPerGB * rate, nil
}

// Candidates scores every feasible (region, hour) slot for the function
// within the horizon covered by the forecast, and fills the composite
// objective using min-max normalization within the candidate set. Hours
// past the function's deferral deadline are infeasible and never scored;
// an explicit zero deadline leaves only the current hour.
func Candidates(meta *types.FunctionMetadata, cat *catalog.Catalog, doc *forecast.Document, horizonStart time.Time) ([]types.CandidateScore, error) {
	horizonStart = common.TruncateToHour(horizonStart)
	deadlineHours := meta.EffectiveDeadlineHours()
	latencyDivisor := float64(deadlineHours)
	if latencyDivisor < 1 {
		latencyDivisor = 1
	}

	regions := append([]string(nil), meta.AllowedRegions...)
	sort.Strings(regions)

	var candidates []types.CandidateScore
	for _, region := range regions {
		if meta.GPURequired && !cat.HasGPU(region) {
			continue
		}
		entry, err := cat.Power(region)
		if err != nil {
			return nil, err
		}
		zone, err := cat.ZoneOf(region)
		if err != nil {
			return nil, err
		}
		zf, ok := doc.Zone(zone)
		if !ok {
			continue
		}

		energy := EnergyKWh(meta, entry, cat.NetworkKWhPerGB())
		transfer, err := TransferCostUSD(meta, cat, region)
		if err != nil {
			return nil, err
		}

		for hour := 0; hour < common.HorizonHours && hour <= deadlineHours; hour++ {
			slot := horizonStart.Add(time.Duration(hour) * time.Hour)
			ci, covered := zf.At(slot)
			if !covered {
				continue
			}
			candidates = append(candidates, types.CandidateScore{
				FunctionID:      meta.FunctionID,
				Region:          region,
				HourStartUTC:    slot,
				EnergyKWh:       energy,
				EmissionsG:      energy * ci,
				TransferCostUSD: transfer,
				LatencyPenalty:  float64(hour) / latencyDivisor,
				CarbonIntensity: ci,
			})
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no feasible candidates for function %s", meta.FunctionID)
	}

	fillComposite(candidates, meta.Weights.Normalize())
	return candidates, nil
}

// fillComposite min-max normalizes each component over the candidate set
// and combines them under the function's weights. A component that is
// constant across candidates contributes zero.
func fillComposite(candidates []types.CandidateScore, w types.Weights) {
	emissions := make([]float64, len(candidates))
	costs := make([]float64, len(candidates))
	latencies := make([]float64, len(candidates))
	for i, c := range candidates {
		emissions[i] = c.EmissionsG
		costs[i] = c.TransferCostUSD
		latencies[i] = c.LatencyPenalty
	}

	for i := range candidates {
		candidates[i].Composite = w.Carbon*normalized(emissions, i) +
			w.Cost*normalized(costs, i) +
			w.Latency*normalized(latencies, i)
	}
}

func normalized(values []float64, i int) float64 {
	min, max := floats.Min(values), floats.Max(values)
	if max == min {
		return 0
	}
	return (values[i] - min) / (max - min)
}
