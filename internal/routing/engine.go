// Package routing decides how an outbound message reaches its recipient:
// immediate local delivery, the relay queue, or rejection when it would need
// a federation transport this node does not provide.
package routing

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/address"
	"github.com/23blocks-OS/ai-maestro-amp/internal/directory"
	"github.com/23blocks-OS/ai-maestro-amp/internal/envelope"
	"github.com/23blocks-OS/ai-maestro-amp/internal/keystore"
	"github.com/23blocks-OS/ai-maestro-amp/internal/relay"
)

// Error kinds surfaced to callers.
const (
	KindInvalidField = "invalid_field"
	KindMissingField = "missing_field"
	KindForbidden    = "forbidden"
	KindNotFound     = "not_found"
	KindInternal     = "internal_error"
)

// RouteError maps routing failures to a wire error kind.
type RouteError struct {
	Kind string
	Msg  string
}

func (e *RouteError) Error() string {
	return e.Msg
}

// Statuses and methods reported in a Result.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"

	MethodLocal = "local"
	MethodRelay = "relay"
)

// Result describes what happened to a routed message.
type Result struct {
	ID          string
	Status      string
	Method      string
	DeliveredAt time.Time
	QueuedAt    time.Time
	Trust       envelope.TrustLevel
}

// Deliverer hands a message to a locally reachable agent. Implementations
// live outside this core (terminal session injection, webhooks); the engine
// only requires that delivery errors surface so it can fall back to the
// relay queue.
type Deliverer interface {
	Deliver(ctx context.Context, agent directory.Agent, env envelope.Envelope, payload envelope.Payload) error
}

// DeliverFunc adapts a function to the Deliverer interface.
type DeliverFunc func(ctx context.Context, agent directory.Agent, env envelope.Envelope, payload envelope.Payload) error

func (f DeliverFunc) Deliver(ctx context.Context, agent directory.Agent, env envelope.Envelope, payload envelope.Payload) error {
	return f(ctx, agent, env, payload)
}

// Notifier emits a best-effort heads-up to a recipient after local delivery.
// Emit, don't await: implementations log their own failures and the engine
// never folds them into the caller's result.
type Notifier interface {
	Notify(agent directory.Agent, env envelope.Envelope)
}

// NotifyFunc adapts a function to the Notifier interface.
type NotifyFunc func(agent directory.Agent, env envelope.Envelope)

func (f NotifyFunc) Notify(agent directory.Agent, env envelope.Envelope) {
	f(agent, env)
}

// Options wires the engine's dependencies.
type Options struct {
	Log             *zap.Logger
	Directory       *directory.Directory
	Queue           *relay.Queue
	Keys            keystore.KeyBackend
	Deliverer       Deliverer
	Notifier        Notifier
	Provider        string
	LocalSuffixes   []string
	DeliveryTimeout time.Duration
	Resolvers       []directory.ResolveFunc
}

// Engine orchestrates the stores; it owns no durable state of its own.
type Engine struct {
	log             *zap.Logger
	dir             *directory.Directory
	queue           *relay.Queue
	keys            keystore.KeyBackend
	deliverer       Deliverer
	notifier        Notifier
	provider        string
	localSuffixes   []string
	deliveryTimeout time.Duration
	resolvers       []directory.ResolveFunc
}

// NewEngine builds a routing engine.
func NewEngine(opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	if len(opts.Resolvers) == 0 {
		opts.Resolvers = directory.DefaultResolvers()
	}
	return &Engine{
		log:             opts.Log,
		dir:             opts.Directory,
		queue:           opts.Queue,
		keys:            opts.Keys,
		deliverer:       opts.Deliverer,
		notifier:        opts.Notifier,
		provider:        opts.Provider,
		localSuffixes:   opts.LocalSuffixes,
		deliveryTimeout: opts.DeliveryTimeout,
		resolvers:       opts.Resolvers,
	}
}

// Route is the entry point agents call to send. The message always ends up
// delivered or queued once the address parses and routes locally; delivery
// failures are absorbed into the queued path, never surfaced as errors.
func (e *Engine) Route(ctx context.Context, from directory.Agent, to, subject string, payload envelope.Payload, priority envelope.Priority, inReplyTo string) (Result, error) {
	addr, ok := address.Parse(to)
	if !ok {
		return Result{}, &RouteError{Kind: KindInvalidField, Msg: "invalid address: expected name@organization.provider, got " + strings.TrimSpace(to)}
	}

	env := envelope.New(from.Address, addr.String(), subject, priority, inReplyTo)
	senderPub := e.signOutbound(ctx, from, &env, payload)

	if !e.isLocalProvider(addr.Provider) {
		return Result{}, &RouteError{Kind: KindForbidden, Msg: "federation not supported for provider " + addr.Provider}
	}
	return e.routeLocal(ctx, addr.Name, env, payload, senderPub), nil
}

// DeliverLocal routes an inbound (already validated) message to a local
// recipient: deliver when reachable, queue when the agent is known but
// offline, and report not_found when nothing resolves. The federation
// gateway calls this after its own gates have passed.
func (e *Engine) DeliverLocal(ctx context.Context, env envelope.Envelope, payload envelope.Payload, senderPublicKey []byte) (Result, error) {
	addr, ok := address.Parse(env.To)
	if !ok {
		return Result{}, &RouteError{Kind: KindInvalidField, Msg: "invalid recipient address " + env.To}
	}

	agent, found := directory.ResolveWith(addr.Name, e.dir, e.resolvers)
	if !found {
		return Result{}, &RouteError{Kind: KindNotFound, Msg: "no local agent matches " + addr.Name}
	}
	if !agent.Online || e.deliverer == nil {
		return e.enqueue(agent.ID, env, payload, senderPublicKey), nil
	}
	return e.attemptDelivery(ctx, agent, env, payload, senderPublicKey), nil
}

func (e *Engine) routeLocal(ctx context.Context, recipient string, env envelope.Envelope, payload envelope.Payload, senderPub []byte) Result {
	agent, found := directory.ResolveWith(recipient, e.dir, e.resolvers)
	if !found {
		// Unknown recipient: queue under the bare name so the message is
		// waiting once the agent registers.
		return e.enqueue(recipient, env, payload, senderPub)
	}
	if !agent.Online || e.deliverer == nil {
		return e.enqueue(agent.ID, env, payload, senderPub)
	}
	return e.attemptDelivery(ctx, agent, env, payload, senderPub)
}

func (e *Engine) attemptDelivery(ctx context.Context, agent directory.Agent, env envelope.Envelope, payload envelope.Payload, senderPub []byte) Result {
	deliverCtx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	defer cancel()

	if err := e.deliverer.Deliver(deliverCtx, agent, env, payload); err != nil {
		e.log.Warn("local delivery failed; falling back to relay queue",
			zap.String("agent_id", agent.ID), zap.String("message_id", env.ID), zap.Error(err))
		return e.enqueue(agent.ID, env, payload, senderPub)
	}

	if e.notifier != nil {
		go e.notifier.Notify(agent, env)
	}
	return Result{ID: env.ID, Status: StatusDelivered, Method: MethodLocal, DeliveredAt: time.Now().UTC()}
}

func (e *Engine) enqueue(recipientKey string, env envelope.Envelope, payload envelope.Payload, senderPub []byte) Result {
	if err := e.queue.Enqueue(recipientKey, env, payload, senderPub); err != nil {
		// Losing a message is worse than a noisy log line; the envelope id
		// still goes back to the sender so the failure is traceable.
		e.log.Error("relay enqueue failed", zap.String("recipient", recipientKey), zap.String("message_id", env.ID), zap.Error(err))
	}
	return Result{ID: env.ID, Status: StatusQueued, Method: MethodRelay, QueuedAt: time.Now().UTC()}
}

// signOutbound signs the envelope with the sender's keystore key when one is
// available. A missing keystore or key degrades to an unsigned envelope; the
// receiving side will classify it untrusted.
func (e *Engine) signOutbound(ctx context.Context, from directory.Agent, env *envelope.Envelope, payload envelope.Payload) []byte {
	if e.keys == nil || from.ID == "" {
		return nil
	}
	pub, priv, err := keystore.EnsureAgentKey(ctx, e.keys, from.ID)
	if err != nil {
		e.log.Warn("sender key unavailable; sending unsigned", zap.String("agent_id", from.ID), zap.Error(err))
		return nil
	}
	sig, err := envelope.Sign(*env, payload, priv)
	if err != nil {
		e.log.Warn("envelope signing failed; sending unsigned", zap.String("agent_id", from.ID), zap.Error(err))
		return nil
	}
	env.Signature = sig
	return append([]byte(nil), pub...)
}

func (e *Engine) isLocalProvider(provider string) bool {
	if strings.EqualFold(provider, e.provider) {
		return true
	}
	for _, suffix := range e.localSuffixes {
		if strings.HasSuffix(strings.ToLower(provider), strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}
