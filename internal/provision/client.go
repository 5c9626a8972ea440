package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/logging"
	"github.com/sensaura/iothing/internal/version"
)

const (
	// ConfigPath is the device endpoint holding the node id
	ConfigPath = "/config"

	// DefaultPort is used for devices that advertise no port
	DefaultPort = 80

	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for failed requests
	DefaultMaxRetries = 2

	// DefaultRetryDelay is the default delay between retry attempts
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay for exponential backoff
	DefaultMaxRetryDelay = 5 * time.Second

	// maxBodySize bounds how much of a device response is read
	maxBodySize = 64 << 10
)

// Client reads and assigns node ids over a device's HTTP config endpoint.
type Client struct {
	// HTTPClient is the underlying HTTP client
	HTTPClient *http.Client

	// MaxRetries is the maximum number of retry attempts for failed requests
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts
	RetryDelay time.Duration

	// MaxRetryDelay is the maximum delay for exponential backoff
	MaxRetryDelay time.Duration

	// NewNodeID generates node ids for unclaimed devices (default: random UUID)
	NewNodeID func() string

	log *zap.Logger
}

// NewClient creates a client with default settings
func NewClient(log *zap.Logger) *Client {
	return &Client{
		HTTPClient:    &http.Client{Timeout: DefaultTimeout},
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		NewNodeID:     func() string { return uuid.NewString() },
		log:           logging.OrNamed(log, "provision"),
	}
}

// GetConfig fetches the device's current node configuration.
func (c *Client) GetConfig(ctx context.Context, d *device.Device) (*NodeConfig, error) {
	base, err := baseURL(d)
	if err != nil {
		return nil, err
	}

	var cfg NodeConfig
	err = c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, base, nil, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Claim ensures the device has a node id, assigning a new one when it has
// none, and returns the Configured form of d. A device that already reports
// a node id is not modified.
func (c *Client) Claim(ctx context.Context, d *device.Device) (*device.Device, error) {
	current, err := c.GetConfig(ctx, d)
	if err != nil {
		return nil, err
	}
	if current.Node != "" {
		c.log.Info("Device already claimed",
			zap.String("id", d.ID),
			zap.String("node", current.Node))
		return d.Configure(current.Node, claimedDetails(current.Node)), nil
	}

	base, err := baseURL(d)
	if err != nil {
		return nil, err
	}

	nodeID := c.NewNodeID()
	body, err := json.Marshal(ClaimRequest{Node: nodeID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode claim: %w", err)
	}

	var resp ClaimResponse
	err = c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, base, body, &resp)
	})
	if err != nil {
		return nil, err
	}

	if !resp.Status {
		return nil, fmt.Errorf("%w: %s reported failure", ErrRejected, d.ID)
	}
	if resp.Node != nodeID {
		return nil, fmt.Errorf("%w: %s confirmed node %q, sent %q", ErrRejected, d.ID, resp.Node, nodeID)
	}

	c.log.Info("Device claimed",
		zap.String("id", d.ID),
		zap.String("node", nodeID),
		zap.String("address", d.Address()))
	return d.Configure(nodeID, claimedDetails(nodeID)), nil
}

func claimedDetails(nodeID string) string {
	return "node " + nodeID
}

// withRetry runs attempt until it succeeds, returns a non-retryable error,
// runs out of retries or ctx ends.
func (c *Client) withRetry(ctx context.Context, attempt func() error) error {
	var lastErr error
	delay := c.RetryDelay

	for i := 0; i <= c.MaxRetries; i++ {
		if i > 0 {
			c.log.Debug("Retrying device request", zap.Int("attempt", i+1), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
			delay *= 2
			if c.MaxRetryDelay > 0 && delay > c.MaxRetryDelay {
				delay = c.MaxRetryDelay
			}
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

// do performs one request against the config endpoint and decodes the JSON
// response into out.
func (c *Client) do(ctx context.Context, method, base string, body []byte, out any) error {
	op := "get config"
	if method == http.MethodPost {
		op = "post config"
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+ConfigPath, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return classify(op, base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return httpError(op, base, resp.StatusCode)
	}

	// The device firmware may append bytes after the JSON object; the
	// decoder stops at the end of the first value.
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return parseError(op, base, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

// baseURL returns "http://ip:port" for d.
func baseURL(d *device.Device) (string, error) {
	if d == nil || d.IP == "" {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, d.GetID())
	}
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return "http://" + net.JoinHostPort(d.IP, strconv.Itoa(port)), nil
}
