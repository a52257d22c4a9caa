package core

import (
	"context"

	"github.com/arvoki/camlink/internal/domain"
)

// PairingStore is the local pairing/session record.
type PairingStore interface {
	// Pairing returns the current pairing, if any.
	Pairing() (domain.Pairing, bool)
	SavePairing(p domain.Pairing) error
	ClearPairing() error
}

// PairingAPI is the remote pairing-lookup collaborator.
type PairingAPI interface {
	// CurrentPairing returns the peer currently paired with deviceID.
	CurrentPairing(ctx context.Context, deviceID domain.DeviceID) (domain.DeviceID, error)
	Unpair(ctx context.Context, deviceID domain.DeviceID) error
}

// PresenceAPI is the remote presence/history collaborator.
type PresenceAPI interface {
	UpdateOnlineStatus(ctx context.Context, deviceID domain.DeviceID, online bool) error
	DisconnectAll(ctx context.Context, deviceID domain.DeviceID) error
}

// CommandSink records received command envelopes, keyed by session id.
type CommandSink interface {
	AppendCommand(ctx context.Context, rec domain.CommandRecord) error
}
