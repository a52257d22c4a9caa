package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// IceServerProvider yields the NAT-traversal server set for a new
// transport. Implementations cache fetched credentials with a TTL and
// must always resolve, within a bounded time, to a non-empty set that
// contains at least one STUN and one relay entry. Fetch failures are
// absorbed into a static fallback, never surfaced.
type IceServerProvider interface {
	Servers(ctx context.Context) []webrtc.ICEServer
}
