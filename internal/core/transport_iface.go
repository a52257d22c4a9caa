package core

import "github.com/pion/webrtc/v4"

// PeerTransport wraps one underlying peer connection. Handlers are
// registered through this interface so that a teardown can clear them all
// before closing: a late-firing handler from a destroyed instance must
// never mutate the state of its successor.
type PeerTransport interface {
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	// ClearHandlers detaches every registered handler. Must be called
	// before Close on teardown.
	ClearHandlers()

	AddTrack(track webrtc.TrackLocal) error
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	// Stats returns a snapshot of transport statistics for health polling.
	Stats() webrtc.StatsReport
	Close() error
}

// TransportFactory builds a PeerTransport for a fresh negotiation.
type TransportFactory func(servers []webrtc.ICEServer) (PeerTransport, error)
