// Package client provides the server API client used by the agent.
//
// # Operations
//
// - Register: announce an unclaimed agent with its claim token hash
// - ClaimStatus: poll whether an administrator has claimed the agent
// - Heartbeat: send a liveness beacon
// - Report: deliver a gzip-compressed batch of monitoring results
//
// Authenticated calls carry the credential in the X-API-Key header.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// Header names sent with every request.
const (
	HeaderAPIKey       = "X-API-Key"
	HeaderAgentID      = "X-Agent-ID"
	HeaderAgentVersion = "X-Agent-Version"
)

// API paths.
const (
	PathRegister = "/v1/agent/register"
	PathReport   = "/api/v1/agent/report"
)

// Client communicates with the server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string

	mu            sync.RWMutex
	agentID       uuid.UUID
	apiKey        string
	configVersion uint32
}

// Config for the client.
type Config struct {
	BaseURL       string
	APIKey        string
	AgentID       uuid.UUID
	ConfigVersion uint32
	AgentVersion  string
	Timeout       time.Duration
	// InsecureSkipVerify disables TLS verification (server.verify_tls: false)
	InsecureSkipVerify bool
	HTTPClient         *http.Client
	// RateLimit caps outgoing requests per second; zero means 5/s burst 10.
	RateLimit rate.Limit
	Burst     int
}

// NewClient creates a new server client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = "dev"
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    cfg.HTTPClient,
		limiter:       rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		userAgent:     "smotra-agent/" + cfg.AgentVersion,
		agentID:       cfg.AgentID,
		apiKey:        cfg.APIKey,
		configVersion: cfg.ConfigVersion,
	}
}

// SetCredentials sets the identity and credential after claiming.
func (c *Client) SetCredentials(agentID uuid.UUID, apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
	c.apiKey = apiKey
}

// SetConfigVersion updates the version reported in X-Agent-Version.
func (c *Client) SetConfigVersion(v uint32) {
	c.mu.Lock()
	c.configVersion = v
	c.mu.Unlock()
}

// AgentID returns the current agent ID.
func (c *Client) AgentID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register announces the agent to the server.
func (c *Client) Register(ctx context.Context, req types.RegistrationRequest) (*types.RegistrationResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, PathRegister, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.readError(resp)
	}

	var result types.RegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// ClaimStatus fetches the claim state. pollURL may be absolute or relative
// to the base URL. A 404 means the registration expired or never existed
// and is returned as ErrNotFound.
func (c *Client) ClaimStatus(ctx context.Context, pollURL string) (*types.ClaimStatusResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var result types.ClaimStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	switch result.Status {
	case types.ClaimStatusPending:
		if result.ExpiresAt == nil {
			return nil, fmt.Errorf("pending claim status without expiresAt")
		}
	case types.ClaimStatusClaimed:
		if result.APIKey == "" {
			return nil, fmt.Errorf("claimed status without apiKey")
		}
	default:
		return nil, fmt.Errorf("unknown claim status %q", result.Status)
	}
	return &result, nil
}

// Heartbeat sends a liveness beacon.
func (c *Client) Heartbeat(ctx context.Context, hb types.Heartbeat) error {
	path := fmt.Sprintf("/api/v1/agent/%s/heartbeat", hb.AgentID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, hb)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.readError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Report delivers a batch of results. The body is gzip-compressed JSON.
func (c *Client) Report(ctx context.Context, batch types.ResultBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return &EncodeError{Err: fmt.Errorf("marshaling batch: %w", err)}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return &EncodeError{Err: fmt.Errorf("compressing batch: %w", err)}
	}
	if err := gz.Close(); err != nil {
		return &EncodeError{Err: fmt.Errorf("closing gzip: %w", err)}
	}

	req, err := c.newRequest(ctx, http.MethodPost, PathReport, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return c.readError(resp)
}

// doRequest performs an HTTP request with a JSON body and standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &EncodeError{Err: fmt.Errorf("marshaling request: %w", err)}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &EncodeError{Err: fmt.Errorf("creating request: %w", err)}
	}

	c.mu.RLock()
	agentID, apiKey, version := c.agentID, c.apiKey, c.configVersion
	c.mu.RUnlock()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderAgentVersion, strconv.FormatUint(uint64(version), 10))
	if agentID != uuid.Nil {
		req.Header.Set(HeaderAgentID, agentID.String())
	}
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}
	return req, nil
}

func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

// readError extracts an error from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
