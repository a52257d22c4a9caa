package peer

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/domain"
)

func (c *Controller) onEnvelope(e uint64, env domain.SignalEnvelope) {
	n := c.get(e)
	if n == nil {
		return
	}

	switch env.Kind {
	case domain.KindCommand:
		c.recordCommand(n, env)
		if cb := n.cb.OnCommand; cb != nil {
			cb(env)
		}
	case domain.KindDirectorReady:
		// A new controller-side instance appeared; it needs a fresh offer.
		if n.sess.Role == domain.RoleProducer {
			log.Info().Str("module", "peer").Msg("director ready, re-offering")
			go func() { _ = c.sendOffer(context.Background(), e, false) }()
		}
	case domain.KindSignal:
		if env.Signal == nil {
			log.Warn().Str("module", "peer").Msg("signal envelope without body")
			return
		}
		switch env.Signal.Type {
		case domain.SignalOffer:
			c.onOffer(e, env.Signal.Data)
		case domain.SignalAnswer:
			c.onAnswer(e, env.Signal.Data)
		case domain.SignalICECandidate:
			c.onRemoteCandidate(e, env.Signal.Data)
		}
	}
}

// recordCommand appends the command to the history sink off the pump
// goroutine. Sink failures are logged, never propagated.
func (c *Controller) recordCommand(n *negotiation, env domain.SignalEnvelope) {
	if c.commands == nil {
		return
	}
	rec := domain.CommandRecord{
		SessionID:  n.sess.SessionID,
		From:       env.From,
		Command:    env.Command,
		Payload:    string(env.Data),
		ReceivedAt: c.now().Unix(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.commands.AppendCommand(ctx, rec); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("command history append failed")
		}
	}()
}

// onOffer answers an inbound offer on the controller side. Guarded by a
// reentrancy flag and a minimum-interval suppression window keyed on the
// stable signaling phase, because a lossy or retried relay may deliver
// the same offer more than once.
func (c *Controller) onOffer(e uint64, data json.RawMessage) {
	c.mu.Lock()
	n := c.n
	if n == nil || n.epoch != e {
		c.mu.Unlock()
		return
	}
	if n.sess.Role != domain.RoleController {
		c.mu.Unlock()
		log.Debug().Str("module", "peer").Msg("ignoring offer on producer side")
		return
	}
	if n.answering {
		c.mu.Unlock()
		log.Debug().Str("module", "peer").Msg("offer dropped: answer in progress")
		return
	}
	if n.transport.SignalingState() == webrtc.SignalingStateStable &&
		!n.lastOfferAt.IsZero() && c.now().Sub(n.lastOfferAt) < offerSuppression {
		c.mu.Unlock()
		log.Debug().Str("module", "peer").Msg("duplicate offer suppressed")
		return
	}
	n.answering = true
	n.lastOfferAt = c.now()
	t := n.transport
	sess := n.sess
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.n == n {
			n.answering = false
		}
		c.mu.Unlock()
	}()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(data, &offer); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("bad offer payload")
		return
	}
	if err := t.SetRemoteDescription(offer); err != nil {
		if isWrongState(err) {
			log.Warn().Err(err).Str("module", "peer").Msg("offer race, swallowed")
			return
		}
		c.reportError(n, err)
		return
	}
	answer, err := t.CreateAnswer()
	if err != nil {
		if isWrongState(err) {
			log.Warn().Err(err).Str("module", "peer").Msg("answer race, swallowed")
			return
		}
		c.reportError(n, err)
		return
	}
	answer.SDP = PreferSoftwareVideoCodec(answer.SDP)
	if err := t.SetLocalDescription(answer); err != nil {
		if isWrongState(err) {
			log.Warn().Err(err).Str("module", "peer").Msg("answer race, swallowed")
			return
		}
		c.reportError(n, err)
		return
	}
	if !c.isCurrent(e) {
		return
	}

	body, err := json.Marshal(answer)
	if err != nil {
		return
	}
	env := domain.SignalEnvelope{
		From:   sess.LocalDeviceID,
		To:     sess.PeerDeviceID,
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalAnswer, Data: body},
	}
	if err := c.signals.Send(context.Background(), env); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("answer send failed")
	}
	c.setState(e, StateNegotiating)
}

// onAnswer applies an inbound answer on the producer side. A bad answer
// is logged, not retried: recovery is a fresh offer attempt, not a patch.
func (c *Controller) onAnswer(e uint64, data json.RawMessage) {
	n := c.get(e)
	if n == nil || n.transport == nil {
		return
	}
	if n.sess.Role != domain.RoleProducer {
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("bad answer payload")
		return
	}
	if err := n.transport.SetRemoteDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("applying answer")
		return
	}
	c.setState(e, StateNegotiating)
}

func (c *Controller) onRemoteCandidate(e uint64, data json.RawMessage) {
	n := c.get(e)
	if n == nil {
		return
	}
	if len(data) == 0 || string(data) == "null" {
		log.Debug().Str("module", "peer").Msg("remote candidate gathering complete")
		return
	}
	if n.transport == nil || n.transport.ConnectionState() == webrtc.PeerConnectionStateClosed {
		log.Warn().Str("module", "peer").Msg("candidate dropped: transport not open")
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &cand); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("bad candidate payload")
		return
	}
	if err := n.transport.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "peer").Msg("add ice candidate")
	}
}

// onLocalCandidate relays a locally gathered candidate to the peer; a nil
// candidate marks gathering complete.
func (c *Controller) onLocalCandidate(e uint64, cand *webrtc.ICECandidate) {
	n := c.get(e)
	if n == nil {
		return
	}

	env := domain.SignalEnvelope{
		From:   n.sess.LocalDeviceID,
		To:     n.sess.PeerDeviceID,
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalICECandidate, Data: json.RawMessage("null")},
	}
	if cand != nil {
		log.Debug().
			Str("module", "peer").
			Str("candidate_type", classifyCandidate(cand.Typ)).
			Msg("local candidate")
		body, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		env.Signal.Data = body
	} else {
		log.Debug().Str("module", "peer").Msg("local candidate gathering complete")
	}

	if err := c.signals.Send(context.Background(), env); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("candidate send failed")
	}
}

// classifyCandidate buckets candidate types for diagnostics.
func classifyCandidate(t webrtc.ICECandidateType) string {
	switch t {
	case webrtc.ICECandidateTypeHost:
		return "host"
	case webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
		return "reflexive"
	case webrtc.ICECandidateTypeRelay:
		return "relay"
	}
	return "unknown"
}

func (c *Controller) onRemoteTrack(e uint64, track *webrtc.TrackRemote) {
	n := c.get(e)
	if n == nil {
		return
	}
	if cb := n.cb.OnRemoteTrack; cb != nil {
		cb(track)
	}
}

func (c *Controller) onTransportState(e uint64, s webrtc.PeerConnectionState) {
	c.mu.Lock()
	n := c.n
	if n == nil || n.epoch != e {
		c.mu.Unlock()
		return
	}

	var after []func()
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		if n.stallTimer == nil {
			n.stallFired = false
			n.stallTimer = time.AfterFunc(checkingStallTimeout, func() { c.onCheckingStall(e) })
		}
	case webrtc.PeerConnectionStateConnected:
		n.stopStallTimerLocked()
		n.stopGraceTimerLocked()
		n.healthMisses = 0
		n.restartUsed = false
		n.state = StateConnected
		if n.healthStop == nil {
			stop := make(chan struct{})
			n.healthStop = stop
			go c.healthLoop(e, stop)
		}
		if cb := n.cb.OnConnected; cb != nil {
			after = append(after, cb)
		}
	case webrtc.PeerConnectionStateDisconnected:
		// Not a teardown: wait out the grace period before declaring loss.
		if n.graceTimer == nil {
			n.graceTimer = time.AfterFunc(disconnectedGrace, func() { c.onGraceExpired(e) })
		}
	case webrtc.PeerConnectionStateFailed:
		n.stopStallTimerLocked()
		n.stopHealthLocked()
		if n.sess.Role == domain.RoleProducer && !n.restartUsed {
			// Restart is the offering party's move only.
			n.restartUsed = true
			n.state = StateReconnecting
			after = append(after, func() { _ = c.sendOffer(context.Background(), e, true) })
		} else if cb := n.cb.OnFatal; cb != nil {
			after = append(after, func() { cb(ErrTransportFailed) })
		}
	case webrtc.PeerConnectionStateClosed:
		n.stopStallTimerLocked()
		n.stopGraceTimerLocked()
		n.stopHealthLocked()
	}
	c.mu.Unlock()

	if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateDisconnected {
		log.Warn().Str("module", "peer").Str("state", s.String()).Msg("transport state")
	}
	for _, fn := range after {
		fn()
	}
}

// onCheckingStall fires once per stall episode: a synthetic timeout to
// the caller plus a single restart attempt.
func (c *Controller) onCheckingStall(e uint64) {
	c.mu.Lock()
	n := c.n
	if n == nil || n.epoch != e {
		c.mu.Unlock()
		return
	}
	n.stallTimer = nil
	if n.stallFired || n.transport == nil ||
		n.transport.ConnectionState() != webrtc.PeerConnectionStateConnecting {
		c.mu.Unlock()
		return
	}
	n.stallFired = true
	restart := n.sess.Role == domain.RoleProducer && !n.restartUsed
	if restart {
		n.restartUsed = true
		n.state = StateReconnecting
	}
	onErr := n.cb.OnError
	c.mu.Unlock()

	log.Warn().Str("module", "peer").Dur("timeout", checkingStallTimeout).Msg("ice checking stalled")
	if onErr != nil {
		onErr(ErrCheckingStall)
	}
	if restart {
		_ = c.sendOffer(context.Background(), e, true)
	}
}

func (c *Controller) onGraceExpired(e uint64) {
	c.mu.Lock()
	n := c.n
	if n == nil || n.epoch != e {
		c.mu.Unlock()
		return
	}
	n.graceTimer = nil
	still := n.transport != nil &&
		n.transport.ConnectionState() == webrtc.PeerConnectionStateDisconnected
	cb := n.cb.OnConnectionLost
	c.mu.Unlock()

	if !still {
		return
	}
	log.Warn().Str("module", "peer").Dur("grace", disconnectedGrace).Msg("disconnected past grace period")
	if cb != nil {
		cb()
	}
}

func (c *Controller) healthLoop(e uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.pollHealth(e)
		}
	}
}

// pollHealth counts consecutive stat polls with no succeeded candidate
// pair. Hitting the threshold emits a non-fatal degraded warning; the
// connection is left up.
func (c *Controller) pollHealth(e uint64) {
	c.mu.Lock()
	n := c.n
	if n == nil || n.epoch != e || n.transport == nil {
		c.mu.Unlock()
		return
	}
	t := n.transport
	c.mu.Unlock()

	healthy := hasSucceededPair(t.Stats())

	c.mu.Lock()
	if c.n != n {
		c.mu.Unlock()
		return
	}
	if healthy {
		n.healthMisses = 0
		c.mu.Unlock()
		return
	}
	n.healthMisses++
	misses := n.healthMisses
	cb := n.cb.OnDegraded
	c.mu.Unlock()

	log.Warn().Str("module", "peer").Int("misses", misses).Msg("no succeeded candidate pair")
	if misses == healthFailThreshold && cb != nil {
		cb(misses)
	}
}

func hasSucceededPair(report webrtc.StatsReport) bool {
	for _, s := range report {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if ok && pair.State == webrtc.StatsICECandidatePairStateSucceeded {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
