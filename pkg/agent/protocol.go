package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/amurg-ai/agentwire/pkg/model"
)

// ProtocolDigestPrefix prefixes every protocol digest.
const ProtocolDigestPrefix = "proto:"

// ManifestVersion is the manifest format version.
const ManifestVersion = "1.0"

// Handler handles one decoded inbound message. msg holds a value of the
// registered model type.
type Handler func(ctx *Context, sender string, msg any) error

// IntervalHandler runs on a fixed period.
type IntervalHandler func(ctx *Context) error

// Typed adapts a handler for a concrete message type.
func Typed[T any](fn func(ctx *Context, sender string, msg T) error) Handler {
	return func(ctx *Context, sender string, msg any) error {
		m, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: got %T", model.ErrTypeMismatch, msg)
		}
		return fn(ctx, sender, m)
	}
}

// SendHook observes an outbound message of a protocol before it leaves the
// agent. ctx carries the session the message is sent under. Returning an
// error aborts the send. The returned undo, if not nil, runs when the send
// ends FAILED.
type SendHook func(ctx *Context, target, schemaDigest string, payload []byte) (undo func(), err error)

type handlerEntry struct {
	fn         Handler
	unverified bool
}

type interval struct {
	period  time.Duration
	handler IntervalHandler
}

// HandlerOption configures a message handler registration.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	replies    []model.Type
	hasReplies bool
	unverified bool
}

// WithReplies declares the message types a handler may reply with. A handler
// registered without it may reply with anything.
func WithReplies(types ...model.Type) HandlerOption {
	return func(c *handlerConfig) {
		c.replies = append(c.replies, types...)
		c.hasReplies = true
	}
}

// AllowUnverified lets the handler receive messages from user addresses,
// which carry no signature.
func AllowUnverified() HandlerOption {
	return func(c *handlerConfig) { c.unverified = true }
}

// Protocol is a named, versioned bundle of message handlers with declared
// replies. Handlers are registered at start-up, before the protocol is
// included in a running agent.
type Protocol struct {
	name    string
	version string

	models    map[string]model.Type
	handlers  map[string]handlerEntry
	replies   map[string]map[string]model.Type
	intervals []interval
	// intervalMessages lists the types interval handlers may send.
	intervalMessages map[string]model.Type
	hook             SendHook
}

// NewProtocol creates an empty protocol.
func NewProtocol(name, version string) *Protocol {
	return &Protocol{
		name:             name,
		version:          version,
		models:           make(map[string]model.Type),
		handlers:         make(map[string]handlerEntry),
		replies:          make(map[string]map[string]model.Type),
		intervalMessages: make(map[string]model.Type),
	}
}

func (p *Protocol) Name() string { return p.name }
func (p *Protocol) Version() string { return p.version }

// CanonicalName is "name:version".
func (p *Protocol) CanonicalName() string { return p.name + ":" + p.version }

// OnMessage registers handler for messages of type t.
func (p *Protocol) OnMessage(t model.Type, handler Handler, opts ...HandlerOption) error {
	if t.IsZero() {
		return fmt.Errorf("protocol %s: zero model type", p.CanonicalName())
	}
	if _, ok := p.handlers[t.Digest()]; ok {
		return fmt.Errorf("%w: %s in protocol %s", ErrDuplicateHandler, t.Name(), p.CanonicalName())
	}
	var cfg handlerConfig
	for _, o := range opts {
		o(&cfg)
	}

	p.models[t.Digest()] = t
	p.handlers[t.Digest()] = handlerEntry{fn: handler, unverified: cfg.unverified}
	if cfg.hasReplies {
		set := make(map[string]model.Type, len(cfg.replies))
		for _, r := range cfg.replies {
			set[r.Digest()] = r
			p.models[r.Digest()] = r
		}
		p.replies[t.Digest()] = set
	}
	return nil
}

// OnInterval registers handler to run every period, starting when the agent
// runs. messages declares which types the handler may send; when any interval
// declares messages, unlisted types are refused from interval contexts.
func (p *Protocol) OnInterval(period time.Duration, handler IntervalHandler, messages ...model.Type) {
	p.intervals = append(p.intervals, interval{period: period, handler: handler})
	for _, m := range messages {
		p.intervalMessages[m.Digest()] = m
		p.models[m.Digest()] = m
	}
}

// AddModels declares types the protocol sends without handling them.
func (p *Protocol) AddModels(types ...model.Type) {
	for _, t := range types {
		p.models[t.Digest()] = t
	}
}

// SetSendHook installs a hook run for every outbound message whose type
// belongs to this protocol.
func (p *Protocol) SetSendHook(h SendHook) { p.hook = h }

// Models returns the registered model types keyed by digest.
func (p *Protocol) Models() map[string]model.Type {
	out := make(map[string]model.Type, len(p.models))
	for d, t := range p.models {
		out[d] = t
	}
	return out
}

// Replies returns the declared reply digests for a request digest, and
// whether any were declared.
func (p *Protocol) Replies(digest string) ([]string, bool) {
	set, ok := p.replies[digest]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, true
}

// HasModel reports whether the protocol knows the schema digest.
func (p *Protocol) HasModel(digest string) bool {
	_, ok := p.models[digest]
	return ok
}

// ManifestModel is one model entry in a manifest.
type ManifestModel struct {
	Digest string         `json:"digest"`
	Schema map[string]any `json:"schema"`
}

// ManifestInteraction is one request and its allowed responses.
type ManifestInteraction struct {
	Type      string   `json:"type"`
	Request   string   `json:"request"`
	Responses []string `json:"responses"`
}

// ManifestMetadata identifies the protocol a manifest describes.
type ManifestMetadata struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

// Manifest is the published, machine-readable description of a protocol.
type Manifest struct {
	Version      string                `json:"version"`
	Metadata     ManifestMetadata      `json:"metadata"`
	Models       []ManifestModel       `json:"models"`
	Interactions []ManifestInteraction `json:"interactions"`
}

// Manifest describes the protocol's models and interactions with its digest
// filled in.
func (p *Protocol) Manifest() Manifest {
	m := p.contract()
	digest, err := manifestDigest(m)
	if err != nil {
		// Schemas are built from plain maps and always encode.
		panic(fmt.Sprintf("protocol %s: %v", p.CanonicalName(), err))
	}
	m.Metadata = ManifestMetadata{Name: p.name, Version: p.version, Digest: digest}
	return m
}

// Digest is "proto:" followed by the hex SHA-256 of the manifest with empty
// metadata. It depends only on models and interactions.
func (p *Protocol) Digest() string {
	return p.Manifest().Metadata.Digest
}

// contract builds the manifest body in a deterministic order.
func (p *Protocol) contract() Manifest {
	m := Manifest{
		Version:      ManifestVersion,
		Models:       make([]ManifestModel, 0, len(p.models)),
		Interactions: make([]ManifestInteraction, 0, len(p.handlers)),
	}
	for d, t := range p.models {
		m.Models = append(m.Models, ManifestModel{Digest: d, Schema: t.Schema()})
	}
	sort.Slice(m.Models, func(i, j int) bool { return m.Models[i].Digest < m.Models[j].Digest })

	for d := range p.handlers {
		responses, _ := p.Replies(d)
		if responses == nil {
			responses = []string{}
		}
		m.Interactions = append(m.Interactions, ManifestInteraction{Type: "normal", Request: d, Responses: responses})
	}
	sort.Slice(m.Interactions, func(i, j int) bool { return m.Interactions[i].Request < m.Interactions[j].Request })
	return m
}

func manifestDigest(m Manifest) (string, error) {
	m.Metadata = ManifestMetadata{}
	form, err := model.DigestForm(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(form)
	return ProtocolDigestPrefix + hex.EncodeToString(sum[:]), nil
}
