// Package hardware talks to the optional servo and face-tracking controller
// over its local HTTP API. Every call is best effort.
package hardware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "http://localhost:5002"

type Status struct {
	CameraAvailable  bool    `json:"camera_available"`
	ArduinoConnected bool    `json:"arduino_connected"`
	TrackingActive   bool    `json:"tracking_active"`
	AlertMode        bool    `json:"alert_mode"`
	SmoothingFactor  float64 `json:"smoothing_factor"`
	Timestamp        float64 `json:"timestamp"`
}

type Controller interface {
	Status(ctx context.Context) (*Status, error)
	StartTracking(ctx context.Context) error
	StopTracking(ctx context.Context) error
	StartAlert(ctx context.Context) error
	StopAlert(ctx context.Context) error
	SpinOnce(ctx context.Context) error
	SetSmoothing(ctx context.Context, factor float64) error
}

type commandResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hardware %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hardware %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var cr commandResponse
		if json.Unmarshal(data, &cr) == nil && cr.Error != "" {
			return fmt.Errorf("hardware %s: %d %s", path, resp.StatusCode, cr.Error)
		}
		return fmt.Errorf("hardware %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("hardware %s: %w", path, err)
		}
	}
	return nil
}

func (c *Client) command(ctx context.Context, path string, body any) error {
	var cr commandResponse
	if err := c.do(ctx, http.MethodPost, path, body, &cr); err != nil {
		return err
	}
	if cr.Success != nil && !*cr.Success {
		msg := cr.Message
		if msg == "" {
			msg = "command refused"
		}
		return fmt.Errorf("hardware %s: %s", path, msg)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) StartTracking(ctx context.Context) error {
	return c.command(ctx, "/api/start_tracking", nil)
}

func (c *Client) StopTracking(ctx context.Context) error {
	return c.command(ctx, "/api/stop_tracking", nil)
}

func (c *Client) StartAlert(ctx context.Context) error {
	return c.command(ctx, "/api/start_alert", nil)
}

func (c *Client) StopAlert(ctx context.Context) error {
	return c.command(ctx, "/api/stop_alert", nil)
}

func (c *Client) SpinOnce(ctx context.Context) error {
	return c.command(ctx, "/api/spin_once", nil)
}

var ErrSmoothingRange = errors.New("smoothing factor must be between 0.0 and 1.0")

func (c *Client) SetSmoothing(ctx context.Context, factor float64) error {
	if factor < 0 || factor > 1 {
		return ErrSmoothingRange
	}
	return c.command(ctx, "/api/settings", map[string]float64{"smoothing_factor": factor})
}

// Noop stands in when no hardware is configured.
type Noop struct{}

func (Noop) Status(context.Context) (*Status, error)     { return &Status{}, nil }
func (Noop) StartTracking(context.Context) error         { return nil }
func (Noop) StopTracking(context.Context) error          { return nil }
func (Noop) StartAlert(context.Context) error            { return nil }
func (Noop) StopAlert(context.Context) error             { return nil }
func (Noop) SpinOnce(context.Context) error              { return nil }
func (Noop) SetSmoothing(context.Context, float64) error { return nil }
