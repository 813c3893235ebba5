package checker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gosnmp/gosnmp"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

func portOf(t *testing.T, addr string) *uint16 {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("port %s: %v", p, err)
	}
	port := uint16(n)
	return &port
}

func TestParseMTROutput(t *testing.T) {
	output := []byte(`{"report":{"mtr":{"src":"host","dst":"8.8.8.8"},"hubs":[
		{"count":1,"host":"10.0.0.1","Loss%":0.0,"Snt":3,"Avg":0.5},
		{"count":2,"host":"???","Loss%":100.0,"Snt":3,"Avg":0.0},
		{"count":3,"host":"core1.example.net","Loss%":0.0,"Snt":3,"Avg":4.2},
		{"count":4,"host":"8.8.8.8","Loss%":0.0,"Snt":3,"Avg":9.8}
	]}}`)

	tr := parseMTROutput("8.8.8.8", output)

	if !tr.TargetReached {
		t.Fatal("target should be reached")
	}
	if len(tr.Hops) != 4 {
		t.Fatalf("expected 4 hops, got %d", len(tr.Hops))
	}
	if tr.Hops[0].Address != "10.0.0.1" || tr.Hops[0].ResponseTimeMs == nil {
		t.Errorf("hop 1: %+v", tr.Hops[0])
	}
	if tr.Hops[1].ResponseTimeMs != nil || tr.Hops[1].Address != "" {
		t.Errorf("silent hop should have no address or time: %+v", tr.Hops[1])
	}
	if tr.Hops[2].Hostname != "core1.example.net" {
		t.Errorf("hop 3 hostname: %+v", tr.Hops[2])
	}
	if tr.Hops[3].Hop != 4 {
		t.Errorf("hop numbering: %+v", tr.Hops[3])
	}
}

func TestParseMTROutput_NotReached(t *testing.T) {
	output := []byte(`{"report":{"mtr":{"dst":"192.0.2.1"},"hubs":[
		{"count":1,"host":"10.0.0.1","Loss%":0.0,"Avg":0.5},
		{"count":2,"host":"???","Loss%":100.0}
	]}}`)

	tr := parseMTROutput("192.0.2.1", output)
	if tr.TargetReached {
		t.Fatal("target should not be reached")
	}

	r := &types.MonitoringResult{Kind: types.CheckTraceroute, Traceroute: tr}
	if r.ErrorText() != "target not reached after 2 hops" {
		t.Errorf("error text: %q", r.ErrorText())
	}
}

func TestParseMTROutput_Invalid(t *testing.T) {
	tr := parseMTROutput("8.8.8.8", []byte("mtr: unable to get raw sockets"))
	if tr.TargetReached || len(tr.Errors) != 1 {
		t.Fatalf("unexpected result: %+v", tr)
	}
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	c := NewTCPChecker()
	res, err := c.Check(context.Background(), Target{
		EndpointID: uuid.New(),
		Address:    "127.0.0.1",
		Port:       portOf(t, ln.Addr().String()),
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsSuccessful() {
		t.Fatalf("expected connect success: %s", res.ErrorText())
	}
	if _, ok := res.ResponseTimeMs(); !ok {
		t.Error("expected connect time")
	}
}

func TestTCPChecker_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := portOf(t, ln.Addr().String())
	ln.Close()

	res, err := NewTCPChecker().Check(context.Background(), Target{
		Address: "127.0.0.1",
		Port:    port,
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("refusal must be a result, got error: %v", err)
	}
	if res.IsSuccessful() {
		t.Fatal("expected failure")
	}
	if res.TCP.ConnectTimeMs != nil {
		t.Error("failed connect must have no time")
	}
	if res.ErrorText() == "" {
		t.Error("expected error text")
	}
}

func TestTCPChecker_NoPort(t *testing.T) {
	res, _ := NewTCPChecker().Check(context.Background(), Target{Address: "127.0.0.1"})
	if res.IsSuccessful() || res.TCP.Error != "no port configured" {
		t.Fatalf("unexpected result: %+v", res.TCP)
	}
}

func TestUDPChecker_Reply(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 1500)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pc.WriteTo(buf[:n], addr)
	}()

	res, err := NewUDPChecker().Check(context.Background(), Target{
		Address: "127.0.0.1",
		Port:    portOf(t, pc.LocalAddr().String()),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsSuccessful() {
		t.Fatalf("expected success: %s", res.ErrorText())
	}
	if _, ok := res.ResponseTimeMs(); !ok {
		t.Error("reply should carry a response time")
	}
}

func TestUDPChecker_Silent(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	res, err := NewUDPChecker().Check(context.Background(), Target{
		Address: "127.0.0.1",
		Port:    portOf(t, pc.LocalAddr().String()),
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsSuccessful() {
		t.Fatalf("silence should count as open|filtered: %s", res.ErrorText())
	}
	if _, ok := res.ResponseTimeMs(); ok {
		t.Error("silence should carry no response time")
	}
}

func TestHTTPChecker(t *testing.T) {
	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		switch r.URL.Path {
		case "/health":
			w.Write([]byte("ok"))
		case "/moved":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPChecker("smotra-agent/test")
	port := portOf(t, strings.TrimPrefix(srv.URL, "http://"))

	tests := []struct {
		path        string
		wantSuccess bool
		wantStatus  int
	}{
		{"/health", true, http.StatusOK},
		{"/moved", true, http.StatusFound},
		{"/broken", false, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res, err := c.Check(context.Background(), Target{
				Address: "127.0.0.1",
				Port:    port,
				Timeout: 2 * time.Second,
				Params:  map[string]string{"scheme": "http", "path": tt.path},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.IsSuccessful() != tt.wantSuccess {
				t.Errorf("success: got %v, want %v (%s)", res.IsSuccessful(), tt.wantSuccess, res.ErrorText())
			}
			if res.HTTP.StatusCode != tt.wantStatus {
				t.Errorf("status: got %d, want %d", res.HTTP.StatusCode, tt.wantStatus)
			}
		})
	}

	if gotUA.Load() != "smotra-agent/test" {
		t.Errorf("user agent: got %v", gotUA.Load())
	}
}

func TestTargetURL(t *testing.T) {
	p80, p443, p8080 := uint16(80), uint16(443), uint16(8080)
	tests := []struct {
		target Target
		want   string
	}{
		{Target{Address: "example.com"}, "https://example.com/"},
		{Target{Address: "example.com", Port: &p80}, "http://example.com/"},
		{Target{Address: "example.com", Port: &p443}, "https://example.com/"},
		{Target{Address: "example.com", Port: &p8080, Params: map[string]string{"path": "status"}}, "https://example.com:8080/status"},
		{Target{Address: "::1", Port: &p8080, Params: map[string]string{"scheme": "http"}}, "http://[::1]:8080/"},
		{Target{Address: "https://example.com/x"}, "https://example.com/x"},
	}
	for _, tt := range tests {
		if got := targetURL(tt.target); got != tt.want {
			t.Errorf("targetURL(%+v) = %s, want %s", tt.target, got, tt.want)
		}
	}
}

type fakePlugin struct {
	name      string
	initErr   error
	checkErr  error
	inits     int
	shutdowns int
}

func (f *fakePlugin) Name() string    { return f.name }
func (f *fakePlugin) Version() string { return "0.1.0" }

func (f *fakePlugin) Initialize(context.Context) error {
	f.inits++
	return f.initErr
}

func (f *fakePlugin) Check(context.Context, Target) (*types.PluginResult, error) {
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	return &types.PluginResult{Success: true, Data: map[string]string{"k": "v"}}, nil
}

func (f *fakePlugin) Shutdown(context.Context) error {
	f.shutdowns++
	return nil
}

func TestPluginRegistry_Lifecycle(t *testing.T) {
	reg := NewPluginRegistry()
	good := &fakePlugin{name: "good"}
	bad := &fakePlugin{name: "bad", initErr: errors.New("no device")}

	if err := reg.Register(good); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(bad); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&fakePlugin{name: "good"}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if err := reg.Register(&fakePlugin{}); err == nil {
		t.Fatal("expected empty name error")
	}

	if err := reg.InitializeAll(context.Background()); err == nil {
		t.Fatal("expected init error from bad plugin")
	}
	// A second pass leaves initialized plugins alone.
	reg.InitializeAll(context.Background())
	if good.inits != 1 {
		t.Errorf("good initialized %d times", good.inits)
	}

	if names := reg.List(); len(names) != 2 || names[0] != "bad" || names[1] != "good" {
		t.Errorf("list: %v", names)
	}

	if err := reg.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if good.shutdowns != 1 || bad.shutdowns != 0 {
		t.Errorf("shutdowns: good=%d bad=%d", good.shutdowns, bad.shutdowns)
	}
}

func TestPluginChecker(t *testing.T) {
	reg := NewPluginRegistry()
	reg.Register(&fakePlugin{name: "good"})
	reg.Register(&fakePlugin{name: "failing", checkErr: errors.New("device busy")})
	reg.Register(&fakePlugin{name: "uninit", initErr: errors.New("nope")})
	reg.InitializeAll(context.Background())

	c := NewPluginChecker(reg)

	tests := []struct {
		plugin      string
		wantSuccess bool
		wantErr     string
	}{
		{"good", true, ""},
		{"failing", false, "device busy"},
		{"uninit", false, `plugin "uninit" not initialized`},
		{"missing", false, `plugin "missing" not registered`},
	}
	for _, tt := range tests {
		t.Run(tt.plugin, func(t *testing.T) {
			res, err := c.Check(context.Background(), Target{Plugin: tt.plugin})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.IsSuccessful() != tt.wantSuccess {
				t.Errorf("success: got %v", res.IsSuccessful())
			}
			if res.ErrorText() != tt.wantErr {
				t.Errorf("error: got %q, want %q", res.ErrorText(), tt.wantErr)
			}
			if tt.plugin != "missing" && res.Plugin.PluginVersion != "0.1.0" {
				t.Errorf("plugin version not stamped: %+v", res.Plugin)
			}
		})
	}
}

func TestParseOIDs(t *testing.T) {
	if got := parseOIDs(""); len(got) != 1 || got[0] != oidSysUpTime {
		t.Errorf("default: %v", got)
	}
	got := parseOIDs(" 1.3.6.1.2.1.1.5.0, ,1.3.6.1.2.1.1.1.0 ")
	if len(got) != 2 || got[0] != "1.3.6.1.2.1.1.5.0" || got[1] != "1.3.6.1.2.1.1.1.0" {
		t.Errorf("parsed: %v", got)
	}
}

func TestFormatPDU(t *testing.T) {
	tests := []struct {
		pdu  gosnmp.SnmpPDU
		want string
	}{
		{gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: []byte("router1")}, "router1"},
		{gosnmp.SnmpPDU{Type: gosnmp.TimeTicks, Value: uint32(123456)}, "123456"},
		{gosnmp.SnmpPDU{Type: gosnmp.Counter64, Value: uint64(1 << 40)}, "1099511627776"},
		{gosnmp.SnmpPDU{Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9"}, ".1.3.6.1.4.1.9"},
	}
	for _, tt := range tests {
		if got := formatPDU(tt.pdu); got != tt.want {
			t.Errorf("formatPDU(%v) = %q, want %q", tt.pdu.Type, got, tt.want)
		}
	}
}

func TestSNMPPlugin_Session(t *testing.T) {
	p := NewSNMPPlugin()
	g, err := p.newSession(context.Background(), Target{
		Address: "127.0.0.1",
		Timeout: time.Second,
		Params:  map[string]string{"community": "private", "version": "1"},
	})
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	if g.Port != 161 || g.Community != "private" || g.Version != gosnmp.Version1 {
		t.Errorf("session: port=%d community=%s version=%v", g.Port, g.Community, g.Version)
	}

	if _, err := p.newSession(context.Background(), Target{
		Address: "127.0.0.1",
		Params:  map[string]string{"version": "3"},
	}); err == nil {
		t.Error("expected unsupported version error")
	}
}
