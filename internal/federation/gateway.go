// Package federation accepts messages arriving from foreign providers and
// walks them through the trust gates before local handoff.
package federation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/envelope"
	"github.com/23blocks-OS/ai-maestro-amp/internal/replay"
	"github.com/23blocks-OS/ai-maestro-amp/internal/routing"
	"github.com/23blocks-OS/ai-maestro-amp/internal/trust"
)

// Error kinds specific to the federation surface; routing kinds pass
// through unchanged.
const (
	KindMissingHeader    = "missing_header"
	KindInvalidRequest   = "invalid_request"
	KindDuplicateMessage = "duplicate_message"
	KindRateLimited      = "rate_limited"
)

// GateError reports which federation gate rejected the message.
type GateError struct {
	Kind       string
	Msg        string
	RetryAfter time.Duration
}

func (e *GateError) Error() string {
	return e.Msg
}

// Gateway validates inbound federated traffic. Every step is a hard gate in
// a fixed order: provider identity, rate limit, replay, signature, trust
// wrapping, then recipient resolution.
type Gateway struct {
	log     *zap.Logger
	limiter *FixedWindowLimiter
	guard   *replay.Guard
	engine  *routing.Engine
}

// GatewayOptions wires the gateway's collaborators. The rate limiter and
// replay guard are injected rather than created here so their lifecycle and
// persistence stay visible to the caller.
type GatewayOptions struct {
	Log     *zap.Logger
	Limiter *FixedWindowLimiter
	Guard   *replay.Guard
	Engine  *routing.Engine
}

// NewGateway builds a federation gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewFixedWindowLimiter(0, 0)
	}
	return &Gateway{
		log:     opts.Log,
		limiter: opts.Limiter,
		guard:   opts.Guard,
		engine:  opts.Engine,
	}
}

// Receive processes one inbound federated message.
//
// Trust wrapping happens here, once, BEFORE recipient resolution; the local
// delivery path never wraps. Wrap-before-resolve is the always-safe ordering
// and keeping it in the one component that computes the trust level is what
// guarantees the marker can never double-nest.
func (g *Gateway) Receive(ctx context.Context, provider string, env envelope.Envelope, payload envelope.Payload, senderPublicKey []byte) (routing.Result, error) {
	if provider == "" {
		return routing.Result{}, &GateError{Kind: KindMissingHeader, Msg: "provider identity header is required"}
	}

	if allowed, retryAfter := g.limiter.Allow(provider); !allowed {
		g.log.Warn("federation rate limit exceeded", zap.String("provider", provider))
		return routing.Result{}, &GateError{
			Kind:       KindRateLimited,
			Msg:        fmt.Sprintf("provider %s exceeded the rate limit", provider),
			RetryAfter: retryAfter,
		}
	}

	if err := validateEnvelope(env); err != nil {
		return routing.Result{}, err
	}

	if g.guard.Seen(env.ID) {
		return routing.Result{}, &GateError{Kind: KindDuplicateMessage, Msg: "message " + env.ID + " was already accepted"}
	}

	level := envelope.TrustFor(env, payload, senderPublicKey)
	payload.Message = trust.Wrap(payload.Message, env.From, level)

	res, err := g.engine.DeliverLocal(ctx, env, payload, senderPublicKey)
	if err != nil {
		return routing.Result{}, err
	}

	// Record only accepted messages so a not_found retry can still land
	// after the recipient registers.
	g.guard.Record(env.ID)

	res.Trust = level
	g.log.Info("federated message accepted",
		zap.String("provider", provider),
		zap.String("message_id", env.ID),
		zap.String("status", res.Status),
		zap.String("trust", string(level)))
	return res, nil
}

func validateEnvelope(env envelope.Envelope) error {
	switch {
	case env.ID == "":
		return &GateError{Kind: KindInvalidRequest, Msg: "envelope id is required"}
	case env.From == "":
		return &GateError{Kind: KindInvalidRequest, Msg: "envelope from is required"}
	case env.To == "":
		return &GateError{Kind: KindInvalidRequest, Msg: "envelope to is required"}
	default:
		return nil
	}
}
