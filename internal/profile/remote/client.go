// Package remote talks to an external profile-control service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/profile"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client implements profile.Backend. The control service serialises launches
// internally, so every request is paced through a shared limiter.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type createRequest struct {
	Name     string            `json:"name"`
	Proxy    string            `json:"proxy,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type stopResponse struct {
	Stopped bool `json:"stopped"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(cfg config.RemoteBackendConfig, logger *zap.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote backend URL %q: %w", cfg.BaseURL, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("remote-backend"),
	}, nil
}

func (c *Client) CreateOrUpdateProfile(ctx context.Context, name string, opts profile.Options) (profile.Info, error) {
	var info profile.Info
	body := createRequest{Name: name, Proxy: opts.Proxy, Metadata: opts.Metadata}
	if err := c.do(ctx, http.MethodPost, "/profiles", body, &info); err != nil {
		return profile.Info{}, fmt.Errorf("create profile %q: %w", name, err)
	}
	if info.ID == "" {
		return profile.Info{}, fmt.Errorf("create profile %q: response carried no id", name)
	}
	return info, nil
}

func (c *Client) LaunchProfile(ctx context.Context, id string) (profile.LaunchInfo, error) {
	var launch profile.LaunchInfo
	err := c.do(ctx, http.MethodPost, "/profiles/"+url.PathEscape(id)+"/start", nil, &launch)
	if err != nil {
		return profile.LaunchInfo{}, fmt.Errorf("%w: %v", profile.ErrLaunch, err)
	}
	if launch.Endpoint == "" {
		if launch.DebugPort == 0 {
			return profile.LaunchInfo{}, fmt.Errorf("%w: no endpoint for profile %s", profile.ErrLaunch, id)
		}
		launch.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", launch.DebugPort)
	}
	c.logger.Debug("Profile started", zap.String("profile_id", id), zap.String("endpoint", launch.Endpoint))
	return launch, nil
}

func (c *Client) CloseProfile(ctx context.Context, id string) (bool, error) {
	var resp stopResponse
	if err := c.do(ctx, http.MethodPost, "/profiles/"+url.PathEscape(id)+"/stop", nil, &resp); err != nil {
		return false, fmt.Errorf("stop profile %s: %w", id, err)
	}
	return resp.Stopped, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return profile.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
