package runtime

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amurg-ai/agentwire/pkg/agent"
	"github.com/amurg-ai/agentwire/pkg/dialogue"
	"github.com/amurg-ai/agentwire/pkg/model"
)

// Echo asks an agent to repeat Text.
type Echo struct {
	Text string `json:"text"`
}

// EchoReply carries the repeated text.
type EchoReply struct {
	Text string `json:"text"`
}

// Hello opens a handshake.
type Hello struct {
	From string `json:"from"`
}

// Welcome answers a Hello.
type Welcome struct {
	Greeting string `json:"greeting"`
}

// Goodbye closes a handshake.
type Goodbye struct{}

var (
	EchoType      = model.MustTypeOf[Echo]()
	EchoReplyType = model.MustTypeOf[EchoReply]()
	HelloType     = model.MustTypeOf[Hello]()
	WelcomeType   = model.MustTypeOf[Welcome]()
	GoodbyeType   = model.MustTypeOf[Goodbye]()
)

// handshakeTimeout bounds how long an unfinished handshake session is kept.
const handshakeTimeout = 5 * time.Minute

type builtin func() (*agent.Protocol, error)

var builtins = map[string]builtin{
	"echo":      echoProtocol,
	"handshake": handshakeProtocol,
}

// Protocols lists the names accepted in an agent's protocols list.
func Protocols() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildProtocol(name string) (*agent.Protocol, error) {
	b, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q (available: %s)", name, strings.Join(Protocols(), ", "))
	}
	return b()
}

// echoProtocol answers every Echo with an EchoReply. It accepts user senders
// so "agentwire-runtime query" can reach it.
func echoProtocol() (*agent.Protocol, error) {
	p := agent.NewProtocol("echo", "1.0.0")
	err := p.OnMessage(EchoType, agent.Typed(func(ctx *agent.Context, sender string, msg Echo) error {
		ctx.Logger().Debug("echo", "sender", sender, "text", msg.Text)
		if st := ctx.Send(sender, EchoReply{Text: msg.Text}); !st.OK() {
			return fmt.Errorf("echo reply to %s: %s", sender, st)
		}
		return nil
	}), agent.WithReplies(EchoReplyType), agent.AllowUnverified())
	if err != nil {
		return nil, err
	}
	if err := p.OnMessage(EchoReplyType, agent.Typed(func(ctx *agent.Context, sender string, msg EchoReply) error {
		ctx.Logger().Info("echo reply", "sender", sender, "text", msg.Text)
		return nil
	})); err != nil {
		return nil, err
	}
	return p, nil
}

// handshakeProtocol is a three step dialogue: Hello, Welcome, Goodbye.
func handshakeProtocol() (*agent.Protocol, error) {
	d, err := dialogue.New("handshake", "1.0.0", []dialogue.Rule{
		{Message: HelloType, Replies: []model.Type{WelcomeType}},
		{Message: WelcomeType, Replies: []model.Type{GoodbyeType}},
	}, dialogue.Options{Timeout: handshakeTimeout, CleanupInterval: time.Minute})
	if err != nil {
		return nil, err
	}

	handlers := []struct {
		t model.Type
		h agent.Handler
	}{
		{HelloType, agent.Typed(func(ctx *agent.Context, sender string, msg Hello) error {
			ctx.Send(sender, Welcome{Greeting: "welcome " + msg.From + ", I am " + ctx.Name()})
			return nil
		})},
		{WelcomeType, agent.Typed(func(ctx *agent.Context, sender string, msg Welcome) error {
			ctx.Logger().Info("handshake welcomed", "sender", sender, "greeting", msg.Greeting)
			ctx.Send(sender, Goodbye{})
			return nil
		})},
		{GoodbyeType, func(ctx *agent.Context, sender string, _ any) error {
			ctx.Logger().Info("handshake complete", "sender", sender, "session", ctx.Session())
			return nil
		}},
	}
	for _, h := range handlers {
		if err := d.OnMessage(h.t, h.h); err != nil {
			return nil, fmt.Errorf("handshake %s: %w", h.t.Name(), err)
		}
	}
	return d.Protocol, nil
}
