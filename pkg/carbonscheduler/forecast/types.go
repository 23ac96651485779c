package forecast

import (
	"fmt"
	"time"
)

// Point is one hourly carbon-intensity sample.
type Point struct {
	HourStartUTC    time.Time `json:"hour_start_utc"`
	CarbonIntensity float64   `json:"carbon_intensity_g_per_kwh"`
}

// ZoneForecast is the ordered hourly series for one grid zone.
type ZoneForecast struct {
	Zone   string  `json:"zone"`
	Points []Point `json:"points"`
}

// Validate checks the series invariants: contiguous strictly increasing
// hours and nonnegative intensities.
func (z *ZoneForecast) Validate() error {
	if len(z.Points) == 0 {
		return fmt.Errorf("zone %s: empty forecast", z.Zone)
	}
	for i, p := range z.Points {
		if p.CarbonIntensity < 0 {
			return fmt.Errorf("zone %s: negative carbon intensity %v at %s", z.Zone, p.CarbonIntensity, p.HourStartUTC)
		}
		if i > 0 {
			expected := z.Points[i-1].HourStartUTC.Add(time.Hour)
			if !p.HourStartUTC.Equal(expected) {
				return fmt.Errorf("zone %s: hours not contiguous at index %d (got %s, want %s)",
					z.Zone, i, p.HourStartUTC.Format(time.RFC3339), expected.Format(time.RFC3339))
			}
		}
	}
	return nil
}

// At returns the intensity for the hour containing t, if covered.
func (z *ZoneForecast) At(t time.Time) (float64, bool) {
	hour := t.UTC().Truncate(time.Hour)
	for _, p := range z.Points {
		if p.HourStartUTC.Equal(hour) {
			return p.CarbonIntensity, true
		}
	}
	return 0, false
}

// Document is the merged forecast blob persisted to the bucket.
type Document struct {
	FetchedAtUTC time.Time               `json:"fetched_at_utc"`
	Mode         string                  `json:"mode"`
	Zones        map[string]ZoneForecast `json:"zones"`
	FailedZones  []string                `json:"failed_zones"`
}

// Zone returns the series for a zone key.
func (d *Document) Zone(zone string) (ZoneForecast, bool) {
	zf, ok := d.Zones[zone]
	return zf, ok
}
