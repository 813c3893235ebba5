package reload

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/agent/internal/config"
)

// Changes summarizes what a reload changed.
type Changes struct {
	// Fields lists scalar changes as "name: old -> new"
	Fields []string

	EndpointsAdded   int
	EndpointsRemoved int
	EndpointsChanged int
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Fields) == 0 && c.EndpointsAdded == 0 && c.EndpointsRemoved == 0 && c.EndpointsChanged == 0
}

func (c Changes) String() string {
	parts := append([]string(nil), c.Fields...)
	if c.EndpointsAdded+c.EndpointsRemoved+c.EndpointsChanged > 0 {
		parts = append(parts, fmt.Sprintf("endpoints: +%d -%d ~%d",
			c.EndpointsAdded, c.EndpointsRemoved, c.EndpointsChanged))
	}
	return strings.Join(parts, ", ")
}

// Diff compares two configurations.
func Diff(prev, next *config.Config) Changes {
	var c Changes
	field := func(name string, a, b any) {
		if a != b {
			c.Fields = append(c.Fields, fmt.Sprintf("%s: %v -> %v", name, a, b))
		}
	}

	field("version", prev.Version, next.Version)
	field("agent_name", prev.AgentName, next.AgentName)
	field("monitoring.interval", prev.Monitoring.Interval(), next.Monitoring.Interval())
	field("monitoring.timeout", prev.Monitoring.Timeout(), next.Monitoring.Timeout())
	field("monitoring.ping_count", prev.Monitoring.PingCount, next.Monitoring.PingCount)
	field("monitoring.max_concurrent", prev.Monitoring.MaxConcurrent, next.Monitoring.MaxConcurrent)
	field("monitoring.traceroute_on_failure", prev.Monitoring.TracerouteOnFailure, next.Monitoring.TracerouteOnFailure)
	field("server.url", prev.Server.URL, next.Server.URL)
	field("server.report_interval", prev.Server.ReportInterval(), next.Server.ReportInterval())
	field("server.heartbeat_interval", prev.Server.HeartbeatInterval(), next.Server.HeartbeatInterval())
	field("server.retry_attempts", prev.Server.RetryAttempts, next.Server.RetryAttempts)
	field("storage.max_cached_results", prev.Storage.MaxCachedResults, next.Storage.MaxCachedResults)
	field("storage.max_cache_age", prev.Storage.MaxCacheAge(), next.Storage.MaxCacheAge())
	if prev.APIKeyValue() != next.APIKeyValue() {
		c.Fields = append(c.Fields, "server.api_key: changed")
	}

	before := make(map[uuid.UUID]config.Endpoint, len(prev.Endpoints))
	for _, ep := range prev.Endpoints {
		before[ep.ID] = ep
	}
	for _, ep := range next.Endpoints {
		old, ok := before[ep.ID]
		switch {
		case !ok:
			c.EndpointsAdded++
		case !reflect.DeepEqual(old, ep):
			c.EndpointsChanged++
		}
		delete(before, ep.ID)
	}
	c.EndpointsRemoved = len(before)

	return c
}
