package types

import (
	"time"

	"github.com/google/uuid"
)

// Claim status values returned by the server.
const (
	ClaimStatusPending = "pending_claim"
	ClaimStatusClaimed = "claimed"
)

// RegistrationRequest is sent by an unclaimed agent to announce itself.
// Only the token hash ever leaves the host.
type RegistrationRequest struct {
	AgentID        uuid.UUID `json:"agentId"`
	ClaimTokenHash string    `json:"claimTokenHash"`
	Hostname       string    `json:"hostname"`
	AgentVersion   string    `json:"agentVersion"`
}

// RegistrationResponse tells the agent where to poll and where an
// administrator claims it.
type RegistrationResponse struct {
	Status    string    `json:"status"`
	PollURL   string    `json:"pollUrl"`
	ClaimURL  string    `json:"claimUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ClaimStatusResponse is either pending (ExpiresAt set) or claimed
// (APIKey set).
type ClaimStatusResponse struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	APIKey    string     `json:"apiKey,omitempty"`
	ConfigURL string     `json:"configUrl,omitempty"`
}
