package core

import (
	"context"

	"github.com/arvoki/camlink/internal/domain"
)

// SignalingChannel is a per-session pub/sub transport for negotiation and
// control envelopes, backed by a relay. Delivery guarantees: only envelopes
// addressed to the local device are handed to the subscriber, in the
// relay's per-topic publish order. No ordering across topics.
//
// Send is fire-and-forget: it may fail (relay unreachable) and returns the
// error, but never retries internally. Recovery is the caller's business,
// via renegotiation rather than resend.
type SignalingChannel interface {
	// Subscribe joins the session topic and delivers inbound envelopes to
	// handler. At most one subscription is live at a time; subscribing
	// again replaces the previous one.
	Subscribe(ctx context.Context, sessionID string, handler func(domain.SignalEnvelope)) error
	Send(ctx context.Context, env domain.SignalEnvelope) error
	// Unsubscribe is idempotent.
	Unsubscribe()
}
