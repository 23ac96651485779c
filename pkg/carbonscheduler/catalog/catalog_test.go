package catalog

import (
	"strings"
	"testing"
)

func testDoc() Document {
	return Document{
		NetworkKWhPerGB: 0.001,
		Regions: map[string]RegionEntry{
			"eu-north": {
				Zone:                  "SE-SE3",
				EgressUSDPerGB:        map[string]float64{"us-east": 0.02},
				DefaultEgressUSDPerGB: 0.05,
				CPUMinWattsPerVCPU:    1.0,
				CPUMaxWattsPerVCPU:    3.5,
				MemWattsPerGiB:        0.4,
				PUE:                   1.1,
			},
			"us-east": {
				Zone:                  "US-MIDA-PJM",
				DefaultEgressUSDPerGB: 0.09,
				CPUMinWattsPerVCPU:    1.2,
				CPUMaxWattsPerVCPU:    4.0,
				MemWattsPerGiB:        0.4,
				PUE:                   1.3,
				GPU:                   &GPUPower{MinWatts: 30, MaxWatts: 300},
			},
		},
	}
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Document)
		wantErr string
	}{
		{"valid", func(*Document) {}, ""},
		{
			"no regions",
			func(d *Document) { d.Regions = nil },
			"no regions",
		},
		{
			"missing zone",
			func(d *Document) {
				e := d.Regions["eu-north"]
				e.Zone = ""
				d.Regions["eu-north"] = e
			},
			"no zone",
		},
		{
			"inverted cpu watts",
			func(d *Document) {
				e := d.Regions["eu-north"]
				e.CPUMaxWattsPerVCPU = 0.5
				d.Regions["eu-north"] = e
			},
			"below min",
		},
		{
			"pue out of range",
			func(d *Document) {
				e := d.Regions["eu-north"]
				e.PUE = 2.5
				d.Regions["eu-north"] = e
			},
			"PUE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := testDoc()
			tt.mutate(&doc)
			_, err := New(doc)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("New() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEgressRate(t *testing.T) {
	cat, err := New(testDoc())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	tests := []struct {
		name     string
		from, to string
		want     float64
		wantErr  bool
	}{
		{"same region is free", "eu-north", "eu-north", 0, false},
		{"explicit rate", "eu-north", "us-east", 0.02, false},
		{"default rate", "us-east", "eu-north", 0.09, false},
		{"unknown source", "nowhere", "eu-north", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cat.EgressRate(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EgressRate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EgressRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookups(t *testing.T) {
	cat, err := New(testDoc())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if !cat.Has("eu-north") || cat.Has("nowhere") {
		t.Error("Has() gave wrong answers")
	}
	if zone, _ := cat.ZoneOf("eu-north"); zone != "SE-SE3" {
		t.Errorf("ZoneOf() = %s, want SE-SE3", zone)
	}
	if cat.HasGPU("eu-north") {
		t.Error("eu-north should not report GPU hardware")
	}
	if !cat.HasGPU("us-east") {
		t.Error("us-east should report GPU hardware")
	}
	if got := cat.NetworkKWhPerGB(); got != 0.001 {
		t.Errorf("NetworkKWhPerGB() = %v, want 0.001", got)
	}
	if got := len(cat.Regions()); got != 2 {
		t.Errorf("Regions() returned %d keys, want 2", got)
	}
}
