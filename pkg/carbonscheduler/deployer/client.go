// Package deployer keeps functions deployed in the regions their schedule
// may route to. The remote deployer service is an external collaborator
// speaking JSON-RPC 2.0 with methods deploy, status, delete and
// generate_name; deployments are diffed by content hash so unchanged code
// is never redeployed.
package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/avast/retry-go"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/telemetry"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a JSON-RPC 2.0 client for the remote function deployer.
type Client struct {
	cfg        config.DeployerConfig
	httpClient HTTPClient
	recorder   telemetry.Recorder
	nextID     atomic.Int64
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(hc HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRecorder allows injecting a telemetry recorder
func WithRecorder(rec telemetry.Recorder) ClientOption {
	return func(c *Client) {
		c.recorder = rec
	}
}

// NewClient creates a deployer client.
func NewClient(cfg config.DeployerConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		recorder:   telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("deployer rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// StatusResult is the deployer's view of one (function, region).
type StatusResult struct {
	Deployed bool   `json:"deployed"`
	CodeHash string `json:"code_hash"`
	URL      string `json:"url"`
}

// DeployParams are the arguments of the deploy method.
type DeployParams struct {
	Function     string   `json:"function"`
	Region       string   `json:"region"`
	Code         string   `json:"code"`
	Requirements []string `json:"requirements"`
	MemoryMB     int      `json:"memory_mb"`
	TimeoutSec   int      `json:"timeout_sec"`
}

// DeployResult is the deploy method's answer.
type DeployResult struct {
	URL      string `json:"url"`
	CodeHash string `json:"code_hash"`
}

type regionParams struct {
	Function string `json:"function"`
	Region   string `json:"region"`
}

// Status returns the currently deployed code hash and URL, if any.
func (c *Client) Status(ctx context.Context, function, region string) (*StatusResult, error) {
	var result StatusResult
	if err := c.call(ctx, "status", regionParams{Function: function, Region: region}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Deploy creates or updates the function in the given region.
func (c *Client) Deploy(ctx context.Context, params DeployParams) (*DeployResult, error) {
	var result DeployResult
	if err := c.call(ctx, "deploy", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete removes the function from the given region.
func (c *Client) Delete(ctx context.Context, function, region string) error {
	var result json.RawMessage
	return c.call(ctx, "delete", regionParams{Function: function, Region: region}, &result)
}

// GenerateName asks the deployer for a provider-unique deployment name.
func (c *Client) GenerateName(ctx context.Context, function, region string) (string, error) {
	var result struct {
		Name string `json:"name"`
	}
	if err := c.call(ctx, "generate_name", regionParams{Function: function, Region: region}, &result); err != nil {
		return "", err
	}
	return result.Name, nil
}

// call performs one JSON-RPC request with the standard retry envelope.
// RPC-level errors are the deployer rejecting the call and are not retried.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	return retry.Do(
		func() error {
			return c.doCall(ctx, method, params, result)
		},
		retry.Context(ctx),
		retry.Attempts(common.RetryMaxAttempts),
		retry.Delay(common.RetryBaseDelay),
		retry.MaxDelay(common.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			klog.V(2).InfoS("Deployer call failed, retrying",
				"method", method,
				"attempt", attempt+1,
				"error", err)
			telemetry.ExternalRetries.WithLabelValues("deployer").Inc()
			c.recorder.Record(telemetry.Event{
				Kind:       telemetry.KindRetry,
				Detail:     "deployer " + method,
				RetryCount: int(attempt) + 1,
			})
		}),
	)
}

func (c *Client) doCall(ctx context.Context, method string, params, result interface{}) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return fmt.Errorf("deployer unavailable: status %d", resp.StatusCode)
	default:
		return retry.Unrecoverable(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var body rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %v", err)
	}
	if body.Error != nil {
		return retry.Unrecoverable(body.Error)
	}
	if err := json.Unmarshal(body.Result, result); err != nil {
		return fmt.Errorf("failed to decode result: %v", err)
	}
	return nil
}
