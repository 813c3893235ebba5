package checker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// SNMPPluginName is the plugin name endpoints use to select SNMP checks.
const SNMPPluginName = "snmp"

// oidSysUpTime is polled when the endpoint names no OIDs.
const oidSysUpTime = "1.3.6.1.2.1.1.3.0"

// SNMPPlugin GETs a set of OIDs from an SNMP v1/v2c agent.
//
// Endpoint params:
//   - community: community string (default "public")
//   - version: "1" or "2c" (default "2c")
//   - oids: comma-separated OIDs (default sysUpTime.0)
//   - retries: retry count (default 1)
//
// The check succeeds when every OID returns a value.
type SNMPPlugin struct {
	// DefaultPort is used when the endpoint has no port. Default: 161
	DefaultPort uint16
}

// NewSNMPPlugin creates the SNMP plugin.
func NewSNMPPlugin() *SNMPPlugin {
	return &SNMPPlugin{DefaultPort: 161}
}

func (p *SNMPPlugin) Name() string { return SNMPPluginName }
func (p *SNMPPlugin) Version() string { return "1.0.0" }
func (p *SNMPPlugin) Initialize(ctx context.Context) error { return nil }
func (p *SNMPPlugin) Shutdown(ctx context.Context) error { return nil }

// Check opens a session, GETs the configured OIDs and closes it.
func (p *SNMPPlugin) Check(ctx context.Context, target Target) (*types.PluginResult, error) {
	g, err := p.newSession(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s:%d: %w", g.Target, g.Port, err)
	}
	defer g.Conn.Close()

	oids := parseOIDs(target.Params["oids"])

	start := time.Now()
	pkt, err := g.Get(oids)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("snmp get: %w", err)
	}

	res := &types.PluginResult{
		Success:        true,
		ResponseTimeMs: types.Float64(types.Millis(elapsed)),
		Data:           make(map[string]string, len(pkt.Variables)),
	}
	if pkt.Error != gosnmp.NoError {
		res.Success = false
		res.Error = fmt.Sprintf("snmp error status %s", pkt.Error)
	}

	var missing []string
	for _, v := range pkt.Variables {
		name := strings.TrimPrefix(v.Name, ".")
		switch v.Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
			missing = append(missing, name)
		default:
			res.Data[name] = formatPDU(v)
		}
	}
	if len(missing) > 0 && res.Success {
		res.Success = false
		res.Error = "no value for " + strings.Join(missing, ", ")
	}
	return res, nil
}

// newSession builds a gosnmp session for target without connecting it.
func (p *SNMPPlugin) newSession(ctx context.Context, target Target) (*gosnmp.GoSNMP, error) {
	ip, err := resolve(ctx, target.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	port := p.DefaultPort
	if target.Port != nil {
		port = *target.Port
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	retries := 1
	if r := target.Params["retries"]; r != "" {
		if _, err := fmt.Sscanf(r, "%d", &retries); err != nil {
			return nil, fmt.Errorf("invalid retries %q", r)
		}
	}

	g := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    ip.String(),
		Port:      port,
		Timeout:   timeout,
		Retries:   retries,
		Community: target.Params["community"],
		MaxOids:   gosnmp.MaxOids,
	}
	if g.Community == "" {
		g.Community = "public"
	}

	switch target.Params["version"] {
	case "1":
		g.Version = gosnmp.Version1
	case "", "2c":
		g.Version = gosnmp.Version2c
	default:
		return nil, fmt.Errorf("unsupported SNMP version %q", target.Params["version"])
	}
	return g, nil
}

func parseOIDs(raw string) []string {
	var oids []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			oids = append(oids, o)
		}
	}
	if len(oids) == 0 {
		return []string{oidSysUpTime}
	}
	return oids
}

// formatPDU renders a variable's value as text.
func formatPDU(v gosnmp.SnmpPDU) string {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		if s, ok := v.Value.(string); ok {
			return s
		}
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String()
	}
	return fmt.Sprint(v.Value)
}
