// Package agent hosts message handlers behind a signed-envelope transport:
// protocols, the send pipeline, agents and bureaus.
package agent

import (
	"errors"

	"github.com/amurg-ai/agentwire/pkg/model"
)

var (
	// ErrVerification marks an inbound envelope rejected at the boundary.
	ErrVerification = errors.New("envelope verification failed")
	// ErrUnroutable marks an envelope whose target is not hosted here.
	ErrUnroutable = errors.New("unable to route envelope")
	// ErrDuplicateHandler is returned when two sources claim one schema digest.
	ErrDuplicateHandler = errors.New("duplicate message handler")
	// ErrQueueFull is returned when an agent cannot accept more inbound messages.
	ErrQueueFull = errors.New("inbound queue full")
)

// MsgStatus is the outcome of a send.
type MsgStatus string

const (
	// StatusSent means the message was handed to a waiting synchronous caller.
	StatusSent MsgStatus = "sent"
	// StatusDelivered means a local agent or remote endpoint accepted it.
	StatusDelivered MsgStatus = "delivered"
	// StatusFailed means the message was refused or every endpoint failed.
	StatusFailed MsgStatus = "failed"
	// StatusQueued means the dispenser will deliver it in the background.
	StatusQueued MsgStatus = "queued"
)

// OK reports whether the message left the agent.
func (s MsgStatus) OK() bool { return s != StatusFailed }

// ErrorMessage is sent back to an agent whose message could not be handled.
type ErrorMessage struct {
	Error string `json:"error"`
}

// ErrorMessageType is the model of ErrorMessage.
var ErrorMessageType = model.MustTypeOf[ErrorMessage]()
