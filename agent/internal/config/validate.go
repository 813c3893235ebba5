package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// ErrNilAgentID is reported when the config has no agent identity.
var ErrNilAgentID = errors.New("agent_id cannot be nil")

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
	nilID    bool
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Is lets callers match ErrNilAgentID with errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrNilAgentID && e.nilID
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the config and returns a *ValidationError describing
// every problem, or nil. It has no side effects.
func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.AgentID == uuid.Nil {
		v.nilID = true
		v.add("%s", ErrNilAgentID.Error())
	}

	// Monitoring
	if c.Monitoring.IntervalSecs == 0 {
		v.add("monitoring.interval_secs must be greater than 0")
	}
	if c.Monitoring.TimeoutSecs == 0 {
		v.add("monitoring.timeout_secs must be greater than 0")
	}
	if c.Monitoring.PingCount == 0 {
		v.add("monitoring.ping_count must be greater than 0")
	}
	if c.Monitoring.MaxConcurrent <= 0 {
		v.add("monitoring.max_concurrent must be greater than 0")
	}
	if c.Monitoring.TracerouteMaxHops <= 0 || c.Monitoring.TracerouteMaxHops > 255 {
		v.add("monitoring.traceroute_max_hops must be between 1 and 255")
	}

	// Server
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.add("server.url %q must be an absolute http(s) URL", c.Server.URL)
		}
	}
	if c.Server.ReportIntervalSecs == 0 {
		v.add("server.report_interval_secs must be greater than 0")
	}
	if c.Server.HeartbeatIntervalSecs == 0 {
		v.add("server.heartbeat_interval_secs must be greater than 0")
	}
	if c.Server.TimeoutSecs == 0 {
		v.add("server.timeout_secs must be greater than 0")
	} else if c.Server.ReportIntervalSecs < 2*c.Server.TimeoutSecs {
		v.add("server.report_interval_secs must be at least twice server.timeout_secs")
	}
	if c.Server.RetryAttempts == 0 {
		v.add("server.retry_attempts must be greater than 0")
	}
	if c.Server.Claiming.PollIntervalSecs == 0 {
		v.add("server.claiming.poll_interval_secs must be greater than 0")
	}
	if c.Server.Claiming.MaxRegistrationRetries == 0 {
		v.add("server.claiming.max_registration_retries must be greater than 0")
	}

	// Storage
	switch c.Storage.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			v.add("storage.redis_url is required for the redis backend")
		}
	default:
		v.add("storage.backend %q is not one of sqlite, redis, memory", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.CacheDir == "" {
		v.add("storage.cache_dir is required for the sqlite backend")
	}
	if c.Storage.MaxCachedResults <= 0 {
		v.add("storage.max_cached_results must be greater than 0")
	}
	if c.Storage.MaxCacheAgeSecs == 0 {
		v.add("storage.max_cache_age_secs must be greater than 0")
	}

	// Endpoints
	seen := make(map[uuid.UUID]int, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		where := fmt.Sprintf("endpoints[%d]", i)
		if ep.ID == uuid.Nil {
			v.add("%s: id cannot be nil", where)
		} else if prev, dup := seen[ep.ID]; dup {
			v.add("%s: duplicate id %s (also endpoints[%d])", where, ep.ID, prev)
		} else {
			seen[ep.ID] = i
		}
		if strings.TrimSpace(ep.Address) == "" {
			v.add("%s: address is required", where)
		}
		if !ep.Check.Valid() {
			v.add("%s: unknown check %q", where, ep.Check)
			continue
		}
		switch ep.Check {
		case types.CheckTCPConnect, types.CheckUDPConnect:
			if ep.Port == nil || *ep.Port == 0 {
				v.add("%s: %s requires a port", where, ep.Check)
			}
		case types.CheckPlugin:
			if ep.Plugin == "" {
				v.add("%s: plugin check requires a plugin name", where)
			}
		}
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

// ValidateUnclaimed validates a config that has not been claimed yet. A
// missing agent_id is expected there, since claiming assigns one; any
// other problem is reported as by Validate.
func (c *Config) ValidateUnclaimed() error {
	err := c.Validate()
	var v *ValidationError
	if errors.As(err, &v) && v.nilID && len(v.Problems) == 1 {
		return nil
	}
	return err
}
