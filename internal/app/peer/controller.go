// Package peer drives one ICE/SDP negotiation session between the local
// device and its paired peer. A Controller owns at most one live
// negotiation at a time; instances are identified by a monotonically
// increasing epoch, and every continuation that resumes after a blocking
// step rechecks its epoch before touching shared state. Stale epochs are
// no-ops.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/adapters/media"
	"github.com/arvoki/camlink/internal/app/retry"
	"github.com/arvoki/camlink/internal/core"
	"github.com/arvoki/camlink/internal/domain"
)

const (
	// mediaAcquireTimeout bounds one capture attempt.
	mediaAcquireTimeout = 12 * time.Second
	mediaMaxAttempts    = 3
	mediaRetryBase      = time.Second
	mediaRetryCap       = 4 * time.Second

	// checkingStallTimeout bounds how long the transport may sit in
	// "checking" before a synthetic timeout fires.
	checkingStallTimeout = 20 * time.Second

	// disconnectedGrace is how long a "disconnected" transport gets to
	// recover before it is declared lost. Transient blips are common on
	// mobile networks.
	disconnectedGrace = 12 * time.Second

	healthInterval      = 10 * time.Second
	healthFailThreshold = 3

	// offerSuppression drops duplicate offers that a lossy relay may
	// deliver more than once while the signaling phase is stable.
	offerSuppression = 2 * time.Second
)

var (
	// ErrCheckingStall is the synthetic timeout for a transport stuck in
	// the checking state.
	ErrCheckingStall = errors.New("ice checking stalled: timeout")
	// ErrTransportFailed reports a failed transport with no restart left.
	ErrTransportFailed = errors.New("transport failed")
)

type State string

const (
	StateIdle          State = "idle"
	StateInitializing  State = "initializing"
	StateOffering      State = "offering"
	StateAwaitingOffer State = "awaiting-offer"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	StateClosed        State = "closed"
)

// Callbacks carry negotiation outcomes to the owner. All callbacks are
// invoked without internal locks held; nil entries are skipped.
type Callbacks struct {
	OnConnected      func()
	OnConnectionLost func()
	OnDegraded       func(misses int)
	OnError          func(error)
	OnFatal          func(error)
	OnCommand        func(domain.SignalEnvelope)
	OnRemoteTrack    func(*webrtc.TrackRemote)
}

type Options struct {
	Signals      core.SignalingChannel
	Ice          core.IceServerProvider
	Media        core.MediaSource
	NewTransport core.TransportFactory
	Commands     core.CommandSink
}

type Controller struct {
	signals      core.SignalingChannel
	ice          core.IceServerProvider
	media        core.MediaSource
	newTransport core.TransportFactory
	commands     core.CommandSink
	now          func() time.Time

	// initMu serializes whole init bodies: a superseded init unwinds
	// fully, subscription rollback included, before its successor
	// installs any side effect.
	initMu sync.Mutex

	mu       sync.Mutex
	epoch    uint64
	teardown chan struct{}
	n        *negotiation
}

// negotiation is the per-epoch state. All fields are guarded by
// Controller.mu except where noted.
type negotiation struct {
	epoch uint64
	sess  domain.Session
	cb    Callbacks
	state State

	transport core.PeerTransport
	stream    core.MediaStream

	answering   bool
	lastOfferAt time.Time

	stallTimer *time.Timer
	stallFired bool
	graceTimer *time.Timer

	healthStop   chan struct{}
	healthMisses int

	restartUsed bool
}

func NewController(o Options) *Controller {
	return &Controller{
		signals:      o.Signals,
		ice:          o.Ice,
		media:        o.Media,
		newTransport: o.NewTransport,
		commands:     o.Commands,
		now:          time.Now,
	}
}

// Init starts a new negotiation for sess. Any previous instance is torn
// down first; a teardown already in flight is awaited, never raced. A
// newer Init supersedes this one silently at its next suspension point.
func (c *Controller) Init(ctx context.Context, sess domain.Session, cb Callbacks) error {
	if err := c.Destroy(ctx); err != nil {
		return err
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	// A racing Init may have installed an instance between the first
	// teardown and acquiring the init lock.
	if err := c.Destroy(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.epoch++
	e := c.epoch
	n := &negotiation{epoch: e, sess: sess, cb: cb, state: StateInitializing}
	c.n = n
	c.mu.Unlock()

	log.Info().
		Str("module", "peer").
		Str("session", sess.SessionID).
		Str("role", string(sess.Role)).
		Uint64("epoch", e).
		Msg("negotiation init")

	servers := c.ice.Servers(ctx)
	if !c.isCurrent(e) {
		return nil
	}

	transport, err := c.newTransport(servers)
	if err != nil {
		_ = c.Destroy(context.Background())
		return fmt.Errorf("creating transport: %w", err)
	}
	transport.OnICECandidate(func(cand *webrtc.ICECandidate) { c.onLocalCandidate(e, cand) })
	transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { c.onTransportState(e, s) })
	transport.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { c.onRemoteTrack(e, track) })

	c.mu.Lock()
	if c.epoch != e {
		c.mu.Unlock()
		transport.ClearHandlers()
		_ = transport.Close()
		return nil
	}
	n.transport = transport
	c.mu.Unlock()

	if err := c.signals.Subscribe(ctx, sess.SessionID, func(env domain.SignalEnvelope) { c.onEnvelope(e, env) }); err != nil {
		_ = c.Destroy(context.Background())
		return fmt.Errorf("subscribing to signaling: %w", err)
	}
	if !c.isCurrent(e) {
		// The subscription just installed belongs to a dead epoch.
		// Take it back down before the next init subscribes.
		c.signals.Unsubscribe()
		return nil
	}

	switch sess.Role {
	case domain.RoleProducer:
		return c.startProducer(ctx, e)
	case domain.RoleController:
		c.setState(e, StateAwaitingOffer)
		// The peer has no other way to learn a new controller-side
		// instance exists after a role switch; tell it to (re-)send an
		// offer.
		env := domain.SignalEnvelope{
			From: sess.LocalDeviceID,
			To:   sess.PeerDeviceID,
			Kind: domain.KindDirectorReady,
		}
		if err := c.signals.Send(ctx, env); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("director-ready send failed")
		}
		return nil
	}
	return domain.ErrUnknownRole
}

// Destroy tears down the current negotiation. A mid-flight Init is
// cancelled purely by the epoch increment: every suspension point
// observes staleness. Concurrent callers and a subsequent Init await the
// single in-flight teardown rather than racing it.
func (c *Controller) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.teardown != nil {
		done := c.teardown
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.epoch++
	n := c.n
	c.n = nil
	if n == nil {
		c.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	c.teardown = done
	n.stopStallTimerLocked()
	n.stopGraceTimerLocked()
	n.stopHealthLocked()
	c.mu.Unlock()

	if n.stream != nil {
		n.stream.Stop()
	}
	if n.transport != nil {
		// Clear before Close: no handler from this instance may fire
		// into a successor.
		n.transport.ClearHandlers()
		_ = n.transport.Close()
	}
	c.signals.Unsubscribe()

	c.mu.Lock()
	c.teardown = nil
	c.mu.Unlock()
	close(done)

	log.Info().Str("module", "peer").Uint64("epoch", n.epoch).Msg("negotiation destroyed")
	return nil
}

// State reports the current negotiation state, or idle when none is live.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		return StateIdle
	}
	return c.n.state
}

func (c *Controller) startProducer(ctx context.Context, e uint64) error {
	n := c.get(e)
	if n == nil {
		return nil
	}

	stream, err := retry.Run(ctx, retry.Config{
		MaxAttempts: mediaMaxAttempts,
		BaseDelay:   mediaRetryBase,
		MaxDelay:    mediaRetryCap,
		Classify:    func(err error) bool { return media.Classify(err).Retryable() },
		OnAttempt: func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Str("module", "peer").Msg("media acquisition failed")
		},
	}, func(ctx context.Context) (core.MediaStream, error) {
		actx, cancel := context.WithTimeout(ctx, mediaAcquireTimeout)
		defer cancel()
		return c.media.Acquire(actx)
	})
	if err != nil {
		merr := media.Classify(err)
		log.Error().Err(merr).Str("module", "peer").Msg("media acquisition exhausted")
		if cb := n.cb.OnFatal; cb != nil {
			cb(merr)
		}
		return merr
	}
	if !c.isCurrent(e) {
		stream.Stop()
		return nil
	}

	c.mu.Lock()
	n.stream = stream
	transport := n.transport
	c.mu.Unlock()

	for _, track := range stream.Tracks() {
		if err := transport.AddTrack(track); err != nil {
			log.Error().Err(err).Str("module", "peer").Msg("attaching local track")
			c.reportError(n, err)
		}
	}

	c.setState(e, StateOffering)
	return c.sendOffer(ctx, e, false)
}

// sendOffer creates a local offer, rewrites its codec preferences so a
// software-decodable video codec leads, and publishes it. With iceRestart
// it performs an ICE restart on the existing transport.
func (c *Controller) sendOffer(ctx context.Context, e uint64, iceRestart bool) error {
	n := c.get(e)
	if n == nil || n.transport == nil {
		return nil
	}
	t := n.transport

	offer, err := t.CreateOffer(iceRestart)
	if err != nil {
		if isWrongState(err) {
			log.Warn().Err(err).Str("module", "peer").Msg("offer race, swallowed")
			return nil
		}
		c.reportError(n, err)
		return err
	}
	offer.SDP = PreferSoftwareVideoCodec(offer.SDP)
	if err := t.SetLocalDescription(offer); err != nil {
		if isWrongState(err) {
			log.Warn().Err(err).Str("module", "peer").Msg("offer race, swallowed")
			return nil
		}
		c.reportError(n, err)
		return err
	}
	if !c.isCurrent(e) {
		return nil
	}

	body, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	env := domain.SignalEnvelope{
		From:   n.sess.LocalDeviceID,
		To:     n.sess.PeerDeviceID,
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalOffer, Data: body},
	}
	if err := c.signals.Send(ctx, env); err != nil {
		// Send failures are non-fatal; recovery is a renegotiation, not
		// a resend.
		log.Warn().Err(err).Str("module", "peer").Msg("offer send failed")
	}
	return nil
}

func (c *Controller) isCurrent(e uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == e
}

// get returns the live negotiation for epoch e, or nil when superseded.
func (c *Controller) get(e uint64) *negotiation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil || c.n.epoch != e {
		return nil
	}
	return c.n
}

func (c *Controller) setState(e uint64, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n != nil && c.n.epoch == e {
		c.n.state = s
	}
}

func (c *Controller) reportError(n *negotiation, err error) {
	if cb := n.cb.OnError; cb != nil {
		cb(err)
	}
}

func (n *negotiation) stopStallTimerLocked() {
	if n.stallTimer != nil {
		n.stallTimer.Stop()
		n.stallTimer = nil
	}
}

func (n *negotiation) stopGraceTimerLocked() {
	if n.graceTimer != nil {
		n.graceTimer.Stop()
		n.graceTimer = nil
	}
}

func (n *negotiation) stopHealthLocked() {
	if n.healthStop != nil {
		close(n.healthStop)
		n.healthStop = nil
	}
}

// isWrongState matches the negotiation-state errors produced by offer/
// answer races, which are swallowed rather than surfaced.
func isWrongState(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsFold(msg, "invalid state") || containsFold(msg, "wrong state") ||
		containsFold(msg, "invalidstateerror")
}
