package client

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:       srv.URL,
		APIKey:        "sk_test",
		AgentID:       uuid.MustParse("0192f0c4-8a63-7b4e-9d61-3f0c2a7d9e11"),
		ConfigVersion: 4,
		AgentVersion:  "1.2.3",
		Timeout:       2 * time.Second,
		RateLimit:     1000,
		Burst:         1000,
	})
	return c, srv
}

func TestClient_Headers(t *testing.T) {
	var got http.Header
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.Heartbeat(context.Background(), types.Heartbeat{AgentID: c.AgentID(), Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if got.Get(HeaderAPIKey) != "sk_test" {
		t.Errorf("missing api key header: %v", got)
	}
	if got.Get("Authorization") != "" {
		t.Errorf("credential must not be sent as Authorization: %q", got.Get("Authorization"))
	}
	if got.Get(HeaderAgentVersion) != "4" {
		t.Errorf("wrong agent version header: %q", got.Get(HeaderAgentVersion))
	}
	if got.Get(HeaderAgentID) != c.AgentID().String() {
		t.Errorf("wrong agent id header: %q", got.Get(HeaderAgentID))
	}
	if got.Get("User-Agent") != "smotra-agent/1.2.3" {
		t.Errorf("wrong user agent: %q", got.Get("User-Agent"))
	}
}

func TestClient_Register(t *testing.T) {
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PathRegister {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["claimTokenHash"] != "abc" || body["hostname"] != "host-1" {
			t.Errorf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"status":"pending_claim","pollUrl":"/v1/agent/x/claim-status","claimUrl":"https://smotra.net/claim","expiresAt":%q}`,
			expires.Format(time.RFC3339))
	})

	resp, err := c.Register(context.Background(), types.RegistrationRequest{
		AgentID:        c.AgentID(),
		ClaimTokenHash: "abc",
		Hostname:       "host-1",
		AgentVersion:   "1.2.3",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.PollURL != "/v1/agent/x/claim-status" {
		t.Errorf("wrong poll url: %s", resp.PollURL)
	}
	if !resp.ExpiresAt.Equal(expires) {
		t.Errorf("wrong expiry: %v", resp.ExpiresAt)
	}
}

func TestClient_ClaimStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus string
		wantErr    error
		wantAnyErr bool
	}{
		{
			name:       "pending",
			status:     http.StatusOK,
			body:       `{"status":"pending_claim","expiresAt":"2030-01-01T00:00:00Z"}`,
			wantStatus: types.ClaimStatusPending,
		},
		{
			name:       "claimed",
			status:     http.StatusOK,
			body:       `{"status":"claimed","apiKey":"sk_new","configUrl":"/v1/agent/x/config"}`,
			wantStatus: types.ClaimStatusClaimed,
		},
		{
			name:    "expired registration",
			status:  http.StatusNotFound,
			body:    `not found`,
			wantErr: ErrNotFound,
		},
		{
			name:       "unknown status",
			status:     http.StatusOK,
			body:       `{"status":"weird"}`,
			wantAnyErr: true,
		},
		{
			name:       "claimed without key",
			status:     http.StatusOK,
			body:       `{"status":"claimed"}`,
			wantAnyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			resp, err := c.ClaimStatus(context.Background(), "/v1/agent/x/claim-status")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if tt.wantAnyErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestClient_ReportIsGzipped(t *testing.T) {
	var batch types.ResultBatch
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("expected gzip encoding")
		}
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		if err := json.NewDecoder(gz).Decode(&batch); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	id := uuid.New()
	err := c.Report(context.Background(), types.ResultBatch{
		AgentID: c.AgentID(),
		BatchID: id,
		Results: []types.MonitoringResult{{ID: uuid.New(), Kind: types.CheckPing, Ping: &types.PingResult{Successes: 1}}},
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if batch.BatchID != id || len(batch.Results) != 1 {
		t.Errorf("unexpected batch: %+v", batch)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"server error", &APIError{StatusCode: 503}, Retryable},
		{"rate limited", &APIError{StatusCode: 429}, Retryable},
		{"request timeout", &APIError{StatusCode: 408}, Retryable},
		{"unauthorized", &APIError{StatusCode: 401}, Fatal},
		{"bad request", &APIError{StatusCode: 400}, Fatal},
		{"payload too large", &APIError{StatusCode: 413}, Fatal},
		{"wrapped api error", fmt.Errorf("reporting: %w", &APIError{StatusCode: 502}), Retryable},
		{"encode error", &EncodeError{Err: errors.New("bad json")}, Fatal},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"transport", errors.New("dial tcp: connection refused"), Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_ConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Timeout: time.Second})
	err := c.Report(context.Background(), types.ResultBatch{})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != Retryable {
		t.Errorf("expected retryable, got %v (%v)", Classify(err), err)
	}
}

func TestAPIError_Sentinels(t *testing.T) {
	if !errors.Is(&APIError{StatusCode: 401}, ErrUnauthorized) {
		t.Error("401 should match ErrUnauthorized")
	}
	if !errors.Is(&APIError{StatusCode: 404}, ErrNotFound) {
		t.Error("404 should match ErrNotFound")
	}
	if errors.Is(&APIError{StatusCode: 500}, ErrNotFound) {
		t.Error("500 should not match ErrNotFound")
	}
}
