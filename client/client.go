package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/TallyWorks/tally/models"
	"github.com/pkg/errors"
)

const defaultTimeout = 10 * time.Second

// Client talks to a tally realtime service: publishing change events over
// HTTP and subscribing to coalesced batches over a websocket.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	logger     *slog.Logger
	skipVerify bool
}

type Config struct {
	// Address is the service base URL, e.g. "https://tally.example.com:8089".
	Address    string
	Token      string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// NewClient creates a new tally realtime API client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	baseURL, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse address '%s'", cfg.Address)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("address scheme must be http or https, got '%s'", baseURL.Scheme)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientLogger := logger.WithGroup("tally_client")

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.SkipVerify,
			},
		},
		Timeout: cfg.Timeout,
	}

	clientLogger.Info("Tally client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      cfg.Token,
		logger:     clientLogger,
		skipVerify: cfg.SkipVerify,
	}, nil
}

// internal request helper
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, target interface{}) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var reqBodyReader io.Reader
	if body != nil {
		reqBodyBytes, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal request body for %s %s", method, path)
		}
		reqBodyReader = bytes.NewBuffer(reqBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBodyReader)
	if err != nil {
		return errors.Wrapf(err, "failed to create request %s %s", method, path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "http request %s %s failed", method, reqURL.String())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)

		var errorResp ErrorResponse
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr == nil {
			if jsonErr := json.Unmarshal(bodyBytes, &errorResp); jsonErr == nil && errorResp.Message != "" {
				return fmt.Errorf("server error (status %d): %s - %s", resp.StatusCode, errorResp.ErrorType, errorResp.Message)
			}
		}
		return fmt.Errorf("server returned status %d for %s %s", resp.StatusCode, method, reqURL.String())
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return errors.Wrapf(err, "failed to decode response body for %s %s", method, reqURL.String())
		}
	}
	return nil
}

// Publish reports a change event to the global scope.
func (c *Client) Publish(ctx context.Context, event models.Event) error {
	return c.doRequest(ctx, http.MethodPost, "/rt/api/v1/publish", models.PublishRequest{
		Event: event,
	}, nil)
}

// PublishTo reports a change event to one user's scope.
func (c *Client) PublishTo(ctx context.Context, userID string, event models.Event) error {
	if userID == "" {
		return fmt.Errorf("userID cannot be empty")
	}
	return c.doRequest(ctx, http.MethodPost, "/rt/api/v1/publish", models.PublishRequest{
		Scope: userID,
		Event: event,
	}, nil)
}

// Alive queries the realtime subsystem's liveness endpoint.
func (c *Client) Alive(ctx context.Context) (bool, error) {
	var resp models.AliveResponse
	if err := c.doRequest(ctx, http.MethodGet, "/rt/api/v1/alive", nil, &resp); err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// Ping queries the process health endpoint.
func (c *Client) Ping(ctx context.Context) (models.PingResponse, error) {
	var resp models.PingResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/ping", nil, &resp); err != nil {
		return models.PingResponse{}, err
	}
	return resp, nil
}
