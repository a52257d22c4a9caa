// Package rtc wraps a pion PeerConnection behind core.PeerTransport.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/core"
)

// Transport owns one pion PeerConnection. Handlers registered by the
// controller are held here and forwarded through a liveness gate, so
// ClearHandlers can guarantee that nothing fires into a torn-down owner.
type Transport struct {
	pc *webrtc.PeerConnection

	mu            sync.Mutex
	onCandidate   func(*webrtc.ICECandidate)
	onStateChange func(webrtc.PeerConnectionState)
	onTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// NewTransport builds a Transport for the given ICE server set. Pion
// callbacks are registered once here; user handlers attach and detach
// through the Transport without touching pion again.
func NewTransport(servers []webrtc.ICEServer) (core.PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	t := &Transport{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(cand)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("state", s.String()).Msg("peer connection state")
		t.mu.Lock()
		fn := t.onStateChange
		t.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	return t, nil
}

func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onStateChange = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// ClearHandlers detaches every user handler. Called before Close so that
// handlers from a destroyed instance cannot fire into its successor.
func (t *Transport) ClearHandlers() {
	t.mu.Lock()
	t.onCandidate = nil
	t.onStateChange = nil
	t.onTrack = nil
	t.mu.Unlock()
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	_, err := t.pc.AddTrack(track)
	return err
}

func (t *Transport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return t.pc.CreateOffer(opts)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *Transport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *Transport) Stats() webrtc.StatsReport {
	return t.pc.GetStats()
}

func (t *Transport) Close() error {
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Msg("closed")
	return nil
}
