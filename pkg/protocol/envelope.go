// Package protocol defines the wire formats exchanged between agents, the
// mailbox relay and the almanac registry.
//
// All messages are JSON encoded with snake_case field names. The Envelope digest
// layout is part of the external contract and must not change.
package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/amurg-ai/agentwire/pkg/identity"
)

// EnvelopeVersion is the only envelope version in use.
const EnvelopeVersion = 1

// ErrMissingSignature is returned when verifying an unsigned envelope.
var ErrMissingSignature = errors.New("envelope has no signature")

// Signer signs digests on behalf of an address. *identity.Identity satisfies it.
type Signer interface {
	Address() string
	SignDigest(digest []byte) (string, error)
}

// Envelope is the signed, addressed container for one message.
type Envelope struct {
	Version        int       `json:"version"`
	Sender         string    `json:"sender"`
	Target         string    `json:"target"`
	Session        uuid.UUID `json:"session"`
	SchemaDigest   string    `json:"schema_digest"`
	ProtocolDigest string    `json:"protocol_digest,omitempty"`
	Payload        string    `json:"payload,omitempty"` // base64 of UTF-8 JSON
	Expires        *int64    `json:"expires,omitempty"` // unix seconds
	Nonce          *uint64   `json:"nonce,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// EncodePayload stores the base64 encoding of a JSON message in Payload.
func (e *Envelope) EncodePayload(jsonPayload []byte) {
	e.Payload = base64.StdEncoding.EncodeToString(jsonPayload)
}

// DecodePayload returns the JSON message carried by the envelope. An absent
// payload yields an empty result, not an error.
func (e *Envelope) DecodePayload() ([]byte, error) {
	if e.Payload == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return data, nil
}

// Digest is SHA-256 over sender, target, session, schema digest, payload,
// expires and nonce, in that order. Absent optional fields are skipped.
func (e *Envelope) Digest() []byte {
	h := sha256.New()
	h.Write([]byte(e.Sender))
	h.Write([]byte(e.Target))
	h.Write([]byte(e.Session.String()))
	h.Write([]byte(e.SchemaDigest))
	if e.Payload != "" {
		h.Write([]byte(e.Payload))
	}
	var num [8]byte
	if e.Expires != nil {
		binary.BigEndian.PutUint64(num[:], uint64(*e.Expires))
		h.Write(num[:])
	}
	if e.Nonce != nil {
		binary.BigEndian.PutUint64(num[:], *e.Nonce)
		h.Write(num[:])
	}
	return h.Sum(nil)
}

// Sign computes the envelope digest and stores the signer's signature.
func (e *Envelope) Sign(signer Signer) error {
	sig, err := signer.SignDigest(e.Digest())
	if err != nil {
		return fmt.Errorf("sign envelope from %s: %w", signer.Address(), err)
	}
	e.Signature = sig
	return nil
}

// Verify checks the signature against the sender address. A missing signature
// is an error; a signature that does not match yields false.
func (e *Envelope) Verify() (bool, error) {
	if e.Signature == "" {
		return false, ErrMissingSignature
	}
	return identity.VerifyDigest(e.Sender, e.Digest(), e.Signature)
}

// SetExpires sets the expiry timestamp.
func (e *Envelope) SetExpires(unix int64) { e.Expires = &unix }

// SetNonce sets the anti-replay nonce.
func (e *Envelope) SetNonce(n uint64) { e.Nonce = &n }

// Expired reports whether the envelope carries an expiry at or before now (unix seconds).
func (e *Envelope) Expired(now int64) bool {
	return e.Expires != nil && *e.Expires <= now
}
