package runner

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"actionrunner/internal/core"
)

const (
	startPath = "/api/v1/RunPluginNew"
	stopPath  = "/api/v1/SendActionToInstance"

	defaultBaseURL          = "https://instance.checkout.am"
	defaultTimeout          = 30 * time.Second
	defaultBreakerFailures  = uint32(5)
	defaultBreakerOpenDelay = 30 * time.Second
	maxResponseBytes        = 1 << 20
)

// DefaultSettings is the browser fingerprint configuration sent with every
// start when no override is configured.
//
//go:embed settings.json
var DefaultSettings []byte

// Config configures the remote automation-execution service client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Settings is passed through as settings_json unmodified.
	Settings []byte
	// BreakerFailures consecutive transport failures open the circuit for BreakerOpenDelay.
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

var _ core.Runner = (*Client)(nil)

// Client talks to the remote automation-execution service.
type Client struct {
	baseURL  string
	settings []byte
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[string]
	logger   *slog.Logger
}

// New creates a client. Zero config fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Settings) == 0 {
		cfg.Settings = DefaultSettings
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = defaultBreakerOpenDelay
	}
	maxFailures := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "remote-runner",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A rejection is a well-formed answer from a healthy service, and a
		// caller that gave up says nothing about the service either.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, core.ErrRemoteRejected) || errors.Is(err, context.Canceled)
		},
	})
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		settings: cfg.Settings,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  cb,
		logger:   logger,
	}
}

// LoadSettings reads a settings_json override from path and checks it is valid JSON.
func LoadSettings(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runner settings: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("runner settings %s: invalid json", path)
	}
	return data, nil
}

type taskData struct {
	URL          string `json:"url"`
	AutomationID int64  `json:"automationId"`
}

type response struct {
	Success      bool   `json:"success"`
	InstanceUUID string `json:"instance_uuid"`
	Message      string `json:"message"`
}

// Start launches the action remotely. correlationID is echoed back by the
// remote job in its status callbacks.
func (c *Client) Start(ctx context.Context, action *core.Action, correlationID int64) (string, error) {
	task := taskData{AutomationID: correlationID}
	if action.TaskURL != nil {
		task.URL = *action.TaskURL
	}
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task data: %w", err)
	}
	fields := [][2]string{
		{"api_key", action.APIKey},
		{"slug", action.Slug},
		{"settings_json", string(c.settings)},
		{"task_data_json", string(taskJSON)},
	}
	id, err := c.breaker.Execute(func() (string, error) {
		resp, err := c.post(ctx, startPath, fields)
		if err != nil {
			return "", err
		}
		if !resp.Success {
			return "", &core.RemoteRejectedError{Message: resp.Message}
		}
		if resp.InstanceUUID == "" {
			return "", fmt.Errorf("%w: start succeeded without instance_uuid", core.ErrRemoteUnavailable)
		}
		return resp.InstanceUUID, nil
	})
	if err != nil {
		return "", breakerError(err)
	}
	return id, nil
}

// Stop asks the remote service to stop a running instance.
func (c *Client) Stop(ctx context.Context, instanceID, apiKey string) error {
	fields := [][2]string{
		{"instance_uuid", instanceID},
		{"api_key", apiKey},
		{"data_json", `{"action":"stop_running_plugin"}`},
	}
	_, err := c.breaker.Execute(func() (string, error) {
		resp, err := c.post(ctx, stopPath, fields)
		if err != nil {
			return "", err
		}
		if !resp.Success {
			return "", &core.RemoteRejectedError{Message: resp.Message}
		}
		return "", nil
	})
	return breakerError(err)
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open: %v", core.ErrRemoteUnavailable, err)
	}
	return err
}

// post sends fields as a multipart form. Any failure to obtain a decodable
// answer is reported as ErrRemoteUnavailable.
func (c *Client) post(ctx context.Context, path string, fields [][2]string) (*response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrRemoteUnavailable, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", core.ErrRemoteUnavailable, err)
	}
	c.logger.Debug("remote call", "path", path, "status", res.StatusCode, "duration", time.Since(start))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", core.ErrRemoteUnavailable, res.StatusCode)
	}
	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", core.ErrRemoteUnavailable, err)
	}
	return &out, nil
}
