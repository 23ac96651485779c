package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/clock"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/store"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches hourly carbon-intensity forecasts per zone and persists
// the merged document to the bucket. In historical mode the past 24 hours
// are fetched instead and their timestamps reinterpreted as the next 24.
type Client struct {
	cfg        config.ForecastConfig
	httpClient HTTPClient
	clock      clock.Clock
	recorder   telemetry.Recorder
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(hc HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock allows injecting a custom clock
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithRecorder allows injecting a telemetry recorder
func WithRecorder(rec telemetry.Recorder) ClientOption {
	return func(c *Client) {
		c.recorder = rec
	}
}

// NewClient creates a forecast client.
func NewClient(cfg config.ForecastConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      clock.RealClock{},
		recorder:   telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wirePoint matches the provider's response element.
type wirePoint struct {
	CarbonIntensity float64   `json:"carbonIntensity"`
	Datetime        time.Time `json:"datetime"`
}

type wireResponse struct {
	Zone     string      `json:"zone"`
	Forecast []wirePoint `json:"forecast"`
	History  []wirePoint `json:"history"`
}

// FetchAll fetches forecasts for the given zones, at most one in-flight
// request per zone, in parallel up to the configured bound. Zones that
// fail after retries are recorded in the document's FailedZones; the fetch
// only errors when every zone fails.
func (c *Client) FetchAll(ctx context.Context, zones []string) (*Document, error) {
	zones = lo.Uniq(zones)
	doc := &Document{
		FetchedAtUTC: c.clock.Now().UTC(),
		Mode:         c.cfg.Mode,
		Zones:        make(map[string]ZoneForecast, len(zones)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := c.cfg.Concurrency
	if limit <= 0 {
		limit = common.DefaultConcurrency
	}
	g.SetLimit(limit)

	for _, zone := range zones {
		zone := zone
		g.Go(func() error {
			zf, err := c.fetchZone(gctx, zone)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				klog.ErrorS(err, "Failed to fetch forecast for zone", "zone", zone)
				doc.FailedZones = append(doc.FailedZones, zone)
				return nil
			}
			doc.Zones[zone] = *zf
			klog.V(2).InfoS("Fetched carbon forecast", "zone", zone, "points", len(zf.Points), "mode", c.cfg.Mode)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(doc.FailedZones)
	if len(doc.Zones) == 0 {
		return nil, fmt.Errorf("failed to fetch forecasts for all %d zones", len(zones))
	}
	return doc, nil
}

// FetchAndStore fetches all zones and persists the merged document under
// both the latest key and a per-date key.
func (c *Client) FetchAndStore(ctx context.Context, s store.Interface, zones []string) (*Document, error) {
	doc, err := c.FetchAll(ctx, zones)
	if err != nil {
		return nil, err
	}
	if err := store.PutJSON(ctx, s, common.ObjectCarbonForecasts, doc); err != nil {
		return nil, fmt.Errorf("failed to persist forecast document: %v", err)
	}
	dated := "forecasts/" + doc.FetchedAtUTC.Format("2006-01-02") + ".json"
	if err := store.PutJSON(ctx, s, dated, doc); err != nil {
		return nil, fmt.Errorf("failed to persist dated forecast document: %v", err)
	}
	return doc, nil
}

func (c *Client) fetchZone(ctx context.Context, zone string) (*ZoneForecast, error) {
	var points []wirePoint

	err := retry.Do(
		func() error {
			var err error
			points, err = c.doRequest(ctx, zone)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(common.RetryMaxAttempts),
		retry.Delay(common.RetryBaseDelay),
		retry.MaxDelay(common.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			klog.V(2).InfoS("Forecast request failed, retrying",
				"zone", zone,
				"attempt", attempt+1,
				"error", err)
			telemetry.ExternalRetries.WithLabelValues("forecast").Inc()
			c.recorder.Record(telemetry.Event{
				Kind:       telemetry.KindRetry,
				Detail:     "forecast zone " + zone,
				RetryCount: int(attempt) + 1,
			})
		}),
	)
	if err != nil {
		return nil, err
	}

	zf := c.toZoneForecast(zone, points)
	if err := zf.Validate(); err != nil {
		return nil, err
	}
	return zf, nil
}

func (c *Client) doRequest(ctx context.Context, zone string) ([]wirePoint, error) {
	base := c.cfg.URL
	if c.cfg.Mode == common.ModeHistorical {
		base = c.cfg.HistoryURL
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %v", err)
	}
	q := u.Query()
	q.Set("zone", zone)
	if c.cfg.Mode == common.ModeForecast {
		q.Set("horizonHours", strconv.Itoa(c.cfg.HorizonHours))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("auth-token", c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limit exceeded")
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("invalid provider token")
	case http.StatusNotFound:
		return nil, retry.Unrecoverable(fmt.Errorf("zone not found: %s", zone))
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}

	points := body.Forecast
	if c.cfg.Mode == common.ModeHistorical {
		points = body.History
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("empty series for zone %s", zone)
	}
	return points, nil
}

// toZoneForecast converts wire points to the internal series. Historical
// points are shifted forward so the oldest sample maps onto the current
// hour, reinterpreting the past 24 hours as the next 24.
func (c *Client) toZoneForecast(zone string, points []wirePoint) *ZoneForecast {
	sort.Slice(points, func(i, j int) bool {
		return points[i].Datetime.Before(points[j].Datetime)
	})

	var shift time.Duration
	if c.cfg.Mode == common.ModeHistorical {
		nowHour := common.TruncateToHour(c.clock.Now())
		oldest := common.TruncateToHour(points[0].Datetime)
		shift = nowHour.Sub(oldest)
	}

	zf := &ZoneForecast{Zone: zone, Points: make([]Point, 0, len(points))}
	for _, p := range points {
		zf.Points = append(zf.Points, Point{
			HourStartUTC:    common.TruncateToHour(p.Datetime).Add(shift),
			CarbonIntensity: p.CarbonIntensity,
		})
	}
	if len(zf.Points) > c.cfg.HorizonHours && c.cfg.HorizonHours > 0 {
		zf.Points = zf.Points[:c.cfg.HorizonHours]
	}
	return zf
}
