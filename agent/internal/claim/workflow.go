// Package claim implements zero-configuration onboarding.
//
// # Flow
//
//  1. Generate a claim token and hash it
//  2. Register the agent id and token hash with the server
//  3. Show the token to the operator
//  4. Poll the claim status until an administrator claims the agent
//     or the registration expires
//
// The token never leaves the process; only its SHA-256 hash is sent.
package claim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/agent/internal/client"
	"github.com/pilot-net/smotra-agent/agent/internal/config"
	"github.com/pilot-net/smotra-agent/pkg/types"
)

var (
	// ErrRegistrationFailed is returned when every registration attempt failed.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrClaimExpired is returned when the registration expired before
	// anyone claimed the agent. Running the workflow again starts over with
	// a fresh token.
	ErrClaimExpired = errors.New("claim expired")
)

// State is the workflow position.
type State int

const (
	Unregistered State = iota
	Registering
	AwaitingClaim
	Claimed
	Expired
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case AwaitingClaim:
		return "awaiting_claim"
	case Claimed:
		return "claimed"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// API is the part of the server client the workflow needs.
type API interface {
	Register(ctx context.Context, req types.RegistrationRequest) (*types.RegistrationResponse, error)
	ClaimStatus(ctx context.Context, pollURL string) (*types.ClaimStatusResponse, error)
}

// Config for the workflow.
type Config struct {
	// AgentID to register. A nil id is replaced with a fresh UUIDv7.
	AgentID      uuid.UUID
	AgentVersion string
	Hostname     string

	PollInterval time.Duration
	MaxAttempts  uint32
	// InitialBackoff is the first registration retry delay (default 1s).
	InitialBackoff time.Duration

	// Output receives the claim instructions (default os.Stdout).
	Output io.Writer
	Logger *slog.Logger
	// Now is the clock used for expiry checks (default time.Now).
	Now func() time.Time
}

// ConfigFrom builds a workflow config from agent settings.
func ConfigFrom(cfg *config.Config, agentVersion string) Config {
	return Config{
		AgentID:      cfg.AgentID,
		AgentVersion: agentVersion,
		PollInterval: cfg.Server.Claiming.PollInterval(),
		MaxAttempts:  cfg.Server.Claiming.MaxRegistrationRetries,
	}
}

// Result is the outcome of a successful claim.
type Result struct {
	AgentID   uuid.UUID
	APIKey    string
	ConfigURL string
	ClaimedAt time.Time
}

// Workflow runs the claim state machine.
type Workflow struct {
	api    API
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	state State
}

// New creates a workflow.
func New(api API, cfg Config) (*Workflow, error) {
	if cfg.AgentID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating agent id: %w", err)
		}
		cfg.AgentID = id
	}
	if cfg.Hostname == "" {
		cfg.Hostname = hostname()
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = "dev"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Workflow{
		api:    api,
		cfg:    cfg,
		logger: logger.With("component", "claim", "agent_id", cfg.AgentID),
		state:  Unregistered,
	}, nil
}

// AgentID returns the identity being claimed.
func (w *Workflow) AgentID() uuid.UUID {
	return w.cfg.AgentID
}

// State returns the current workflow state.
func (w *Workflow) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.logger.Info("claim state changed", "from", prev, "to", s)
	}
}

// Run registers the agent and waits for it to be claimed. It returns
// ErrRegistrationFailed, ErrClaimExpired, or the context error.
func (w *Workflow) Run(ctx context.Context) (*Result, error) {
	w.setState(Unregistered)

	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generating claim token: %w", err)
	}
	hash := HashToken(token)

	w.setState(Registering)
	reg, err := w.register(ctx, hash)
	if err != nil {
		w.setState(Unregistered)
		return nil, err
	}

	w.setState(AwaitingClaim)
	Display(w.cfg.Output, w.cfg.AgentID, token, reg.ClaimURL, reg.ExpiresAt, w.cfg.Now())

	return w.poll(ctx, reg)
}

// register announces the agent, retrying with exponential backoff. Every
// attempt carries the same hash.
func (w *Workflow) register(ctx context.Context, hash string) (*types.RegistrationResponse, error) {
	req := types.RegistrationRequest{
		AgentID:        w.cfg.AgentID,
		ClaimTokenHash: hash,
		Hostname:       w.cfg.Hostname,
		AgentVersion:   w.cfg.AgentVersion,
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = 5 * time.Minute
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.MaxAttempts-1)), ctx)

	var (
		resp    *types.RegistrationResponse
		attempt int
	)
	op := func() error {
		attempt++
		r, err := w.api.Register(ctx, req)
		if err != nil {
			if client.Classify(err) == client.Fatal {
				return backoff.Permanent(err)
			}
			return err
		}
		if r.Status != types.ClaimStatusPending || r.PollURL == "" {
			return backoff.Permanent(fmt.Errorf("unexpected registration response status %q", r.Status))
		}
		resp = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		w.logger.Warn("registration attempt failed",
			"attempt", attempt,
			"max_attempts", w.cfg.MaxAttempts,
			"retry_in", next,
			"error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRegistrationFailed, attempt, err)
	}

	w.logger.Info("agent registered",
		"hostname", w.cfg.Hostname,
		"expires_at", resp.ExpiresAt)
	return resp, nil
}

// poll checks the claim status on a fixed interval. Transport and server
// errors are logged and polling continues; a 404 or a passed expiry ends
// the workflow.
func (w *Workflow) poll(ctx context.Context, reg *types.RegistrationResponse) (*Result, error) {
	expiresAt := reg.ExpiresAt
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if !expiresAt.IsZero() && w.cfg.Now().After(expiresAt) {
			return w.expire(expiresAt)
		}

		polls++
		status, err := w.api.ClaimStatus(ctx, reg.PollURL)
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				w.logger.Warn("registration no longer known to server")
				return w.expire(expiresAt)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.logger.Warn("claim status poll failed", "poll", polls, "error", err)
			continue
		}

		switch status.Status {
		case types.ClaimStatusPending:
			if status.ExpiresAt != nil {
				expiresAt = *status.ExpiresAt
			}
			w.logger.Debug("claim pending", "poll", polls, "expires_at", expiresAt)
			if !expiresAt.IsZero() && w.cfg.Now().After(expiresAt) {
				return w.expire(expiresAt)
			}
		case types.ClaimStatusClaimed:
			w.setState(Claimed)
			w.logger.Info("agent claimed", "polls", polls)
			return &Result{
				AgentID:   w.cfg.AgentID,
				APIKey:    status.APIKey,
				ConfigURL: status.ConfigURL,
				ClaimedAt: w.cfg.Now(),
			}, nil
		}
	}
}

func (w *Workflow) expire(at time.Time) (*Result, error) {
	w.setState(Expired)
	return nil, fmt.Errorf("%w at %s", ErrClaimExpired, at.Format(time.RFC3339))
}

// Persist stores the claimed identity and credential in cfg and writes it
// to path with owner-only permissions.
func Persist(path string, cfg *config.Config, res *Result) error {
	cfg.ApplyClaim(res.AgentID, res.APIKey)
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
