// Package heartbeat fetches the device configuration from the control plane.
// The fetch doubles as the agent's liveness signal ("handshake").
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parental/agent/internal/httputil"
	"github.com/parental/agent/internal/logging"
	"github.com/parental/agent/internal/schedule"
)

var log = logging.L("heartbeat")

const (
	devicePath      = "/api/Devices/get"
	maxResponseSize = 1 << 20
)

// ErrEmptyDevice is returned when the server answers 200 with no device.
var ErrEmptyDevice = errors.New("heartbeat: server returned no device")

// StatusError is a non-200 response from the control plane.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("heartbeat: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("heartbeat: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client performs device fetches.
type Client struct {
	http      *http.Client
	retryCfg  httputil.RetryConfig
	userAgent string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry replaces the retry policy.
func WithRetry(cfg httputil.RetryConfig) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// NewClient returns a client identifying itself as parental-agent/<version>.
// Per-request deadlines come from the caller's context.
func NewClient(version string, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 10 * time.Second
	c := &Client{
		http:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
		retryCfg:  httputil.DefaultRetryConfig(),
		userAgent: "parental-agent/" + version,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceURL builds the handshake URL for deviceID on serverAddress.
func DeviceURL(serverAddress, deviceID string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(serverAddress), "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("heartbeat: invalid server address %q: %w", serverAddress, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("heartbeat: server address %q must be http or https", serverAddress)
	}
	q := url.Values{}
	q.Set("id", deviceID)
	q.Set("handshake", "true")
	return base + devicePath + "?" + q.Encode(), nil
}

// FetchDevice performs one handshake and returns the device on 200.
func (c *Client) FetchDevice(ctx context.Context, serverAddress, deviceID string) (*schedule.Device, error) {
	endpoint, err := DeviceURL(serverAddress, deviceID)
	if err != nil {
		return nil, err
	}
	headers := http.Header{
		"Accept":     {"application/json"},
		"User-Agent": {c.userAgent},
	}

	start := time.Now()
	resp, err := httputil.Get(ctx, c.http, endpoint, headers, c.retryCfg)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: fetch device: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("heartbeat: read response: %w", err)
	}
	log.Debug("device fetched", "status", resp.StatusCode, logging.KeyDurationMs, time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmptyDevice
	}
	var device schedule.Device
	if err := json.Unmarshal(trimmed, &device); err != nil {
		return nil, fmt.Errorf("heartbeat: decode device: %w", err)
	}
	return &device, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
