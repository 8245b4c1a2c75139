package protocol

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/amurg-ai/agentwire/pkg/identity"
	"github.com/amurg-ai/agentwire/pkg/model"
)

// HTTP transport constants.
const (
	SubmitPath = "/submit"

	HeaderConnection   = "x-uagents-connection"
	ConnectionSync     = "sync"
	HeaderSchemaDigest = "x-uagents-schema-digest"
)

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// --- Mailbox ---

// ChallengeResponse is returned by the relay's challenge endpoint.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

// ProveRequest exchanges a signed challenge for a bearer token.
type ProveRequest struct {
	Address           string `json:"address"`
	Challenge         string `json:"challenge"`
	ChallengeResponse string `json:"challenge_response"`
}

// ProveResponse carries the issued bearer token.
type ProveResponse struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

// StoredEnvelope is one envelope held in a mailbox.
type StoredEnvelope struct {
	UUID       string    `json:"uuid"`
	Envelope   Envelope  `json:"envelope"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

// Stream frame types exchanged on the mailbox websocket.
const (
	FrameEnvelope = "envelope"
	FrameAck      = "ack"
)

// StreamFrame is one message on the mailbox websocket.
type StreamFrame struct {
	Type     string          `json:"type"`
	UUID     string          `json:"uuid"`
	Envelope *StoredEnvelope `json:"envelope,omitempty"`
}

// --- Almanac ---

// Endpoint is an advertised delivery URL with a selection weight.
type Endpoint struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

// Attestation is a signed registration of an agent's endpoints and protocols.
type Attestation struct {
	AgentAddress string     `json:"agent_address"`
	Protocols    []string   `json:"protocols"`
	Endpoints    []Endpoint `json:"endpoints"`
	Timestamp    int64      `json:"timestamp"`
	Signature    string     `json:"signature,omitempty"`
}

// Digest hashes the canonical JSON of the attestation without its signature.
// Protocols are sorted first so their order does not matter.
func (a *Attestation) Digest() ([]byte, error) {
	unsigned := *a
	unsigned.Signature = ""
	unsigned.Protocols = append([]string(nil), a.Protocols...)
	sort.Strings(unsigned.Protocols)
	canon, err := model.Canonical(unsigned)
	if err != nil {
		return nil, fmt.Errorf("attestation digest: %w", err)
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// Sign signs the attestation digest.
func (a *Attestation) Sign(signer Signer) error {
	if signer.Address() != a.AgentAddress {
		return fmt.Errorf("attestation for %s cannot be signed by %s", a.AgentAddress, signer.Address())
	}
	digest, err := a.Digest()
	if err != nil {
		return err
	}
	sig, err := signer.SignDigest(digest)
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}
	a.Signature = sig
	return nil
}

// Verify checks the attestation signature.
func (a *Attestation) Verify() (bool, error) {
	if a.Signature == "" {
		return false, ErrMissingSignature
	}
	digest, err := a.Digest()
	if err != nil {
		return false, err
	}
	return identity.VerifyDigest(a.AgentAddress, digest, a.Signature)
}

// AgentRecord is the almanac's view of a registered agent.
type AgentRecord struct {
	Address   string     `json:"address"`
	Protocols []string   `json:"protocols"`
	Endpoints []Endpoint `json:"endpoints"`
	UpdatedAt time.Time  `json:"updated_at"`
	Expiry    time.Time  `json:"expiry"`
}
