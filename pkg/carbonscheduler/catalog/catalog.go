// Package catalog provides read-only lookups over the static per-region
// catalog: carbon-zone mapping, egress rates, power constants and GPU
// availability. The catalog is loaded once at startup from the bucket;
// there is no hot reload.
package catalog

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
)

// GPUPower holds accelerator power bounds in watts.
type GPUPower struct {
	MinWatts float64 `json:"min_watts"`
	MaxWatts float64 `json:"max_watts"`
}

// RegionEntry is one region's static description.
type RegionEntry struct {
	Name string `json:"name"`
	// Zone is the carbon-intensity provider zone key, e.g. "SE-SE3".
	Zone string `json:"zone"`

	// EgressUSDPerGB maps destination region to the egress rate from this
	// region. Same-region transfer is always free.
	EgressUSDPerGB        map[string]float64 `json:"egress_usd_per_gb"`
	DefaultEgressUSDPerGB float64            `json:"default_egress_usd_per_gb"`

	CPUMinWattsPerVCPU float64   `json:"cpu_min_watts_per_vcpu"`
	CPUMaxWattsPerVCPU float64   `json:"cpu_max_watts_per_vcpu"`
	MemWattsPerGiB     float64   `json:"mem_watts_per_gib"`
	GPU                *GPUPower `json:"gpu,omitempty"`
	PUE                float64   `json:"pue"`

	PricingTier string `json:"pricing_tier,omitempty"`
}

// Document is the bucket shape of static_config.json.
type Document struct {
	Regions map[string]RegionEntry `json:"regions"`
	// NetworkKWhPerGB is the energy attributed to moving one GB.
	NetworkKWhPerGB float64 `json:"network_kwh_per_gb"`
}

// Catalog wraps the document with validated lookups.
type Catalog struct {
	doc Document
}

// Load reads and validates static_config.json. Failure is fatal at startup.
func Load(ctx context.Context, s store.Interface) (*Catalog, error) {
	var doc Document
	if err := store.GetJSON(ctx, s, common.ObjectStaticConfig, &doc); err != nil {
		return nil, fmt.Errorf("failed to load static catalog: %v", err)
	}
	c := &Catalog{doc: doc}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid static catalog: %v", err)
	}
	klog.V(2).InfoS("Loaded static catalog", "regions", len(doc.Regions))
	return c, nil
}

// New builds a catalog directly from a document. Used by tests.
func New(doc Document) (*Catalog, error) {
	c := &Catalog{doc: doc}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	if len(c.doc.Regions) == 0 {
		return fmt.Errorf("catalog has no regions")
	}
	for key, entry := range c.doc.Regions {
		if entry.Zone == "" {
			return fmt.Errorf("region %s has no zone", key)
		}
		if entry.CPUMaxWattsPerVCPU < entry.CPUMinWattsPerVCPU {
			return fmt.Errorf("region %s: CPU max watts below min watts", key)
		}
		if entry.GPU != nil && entry.GPU.MaxWatts < entry.GPU.MinWatts {
			return fmt.Errorf("region %s: GPU max watts below min watts", key)
		}
		if entry.PUE < 1.0 || entry.PUE > 2.0 {
			return fmt.Errorf("region %s: PUE %v outside [1.0, 2.0]", key, entry.PUE)
		}
	}
	return nil
}

// Regions returns all catalog region keys.
func (c *Catalog) Regions() []string {
	keys := make([]string, 0, len(c.doc.Regions))
	for key := range c.doc.Regions {
		keys = append(keys, key)
	}
	return keys
}

// Has reports whether region is a known catalog key.
func (c *Catalog) Has(region string) bool {
	_, ok := c.doc.Regions[region]
	return ok
}

// ZoneOf returns the forecast-provider zone for a region.
func (c *Catalog) ZoneOf(region string) (string, error) {
	entry, ok := c.doc.Regions[region]
	if !ok {
		return "", fmt.Errorf("unknown region %s", region)
	}
	return entry.Zone, nil
}

// EgressRate returns the USD/GB egress rate from one region to another.
// Same-region transfer is free.
func (c *Catalog) EgressRate(from, to string) (float64, error) {
	if from == to {
		return 0, nil
	}
	entry, ok := c.doc.Regions[from]
	if !ok {
		return 0, fmt.Errorf("unknown region %s", from)
	}
	if rate, ok := entry.EgressUSDPerGB[to]; ok {
		return rate, nil
	}
	return entry.DefaultEgressUSDPerGB, nil
}

// Power returns the region's power constants.
func (c *Catalog) Power(region string) (RegionEntry, error) {
	entry, ok := c.doc.Regions[region]
	if !ok {
		return RegionEntry{}, fmt.Errorf("unknown region %s", region)
	}
	return entry, nil
}

// HasGPU reports whether the region offers GPU hardware.
func (c *Catalog) HasGPU(region string) bool {
	entry, ok := c.doc.Regions[region]
	return ok && entry.GPU != nil
}

// NetworkKWhPerGB returns the per-GB transfer energy constant.
func (c *Catalog) NetworkKWhPerGB() float64 {
	return c.doc.NetworkKWhPerGB
}
