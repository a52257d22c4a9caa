// Package lifecycle owns when a peer negotiation exists: it reacts to
// network and app-state changes, validates the session against the
// pairing collaborators, schedules capped reconnection attempts, and
// keeps a best-effort presence heartbeat while foregrounded.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/app/peer"
	"github.com/arvoki/camlink/internal/app/retry"
	"github.com/arvoki/camlink/internal/core"
	"github.com/arvoki/camlink/internal/domain"
)

const (
	maxReconnectAttempts = 5
	backoffBase          = time.Second
	backoffCap           = 30 * time.Second

	// validationInterval rate-limits session validation to one round
	// trip per window; a call inside the window is treated as still
	// valid.
	validationInterval = 60 * time.Second

	heartbeatInterval = 30 * time.Second
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// ControllerAPI is the slice of the peer controller the manager drives.
type ControllerAPI interface {
	Init(ctx context.Context, sess domain.Session, cb peer.Callbacks) error
	Destroy(ctx context.Context) error
}

type Options struct {
	Controller ControllerAPI
	Pairing    core.PairingStore
	PairingAPI core.PairingAPI
	Presence   core.PresenceAPI
	Role       domain.Role
}

type Manager struct {
	ctrl       ControllerAPI
	pairing    core.PairingStore
	pairingAPI core.PairingAPI
	presence   core.PresenceAPI
	role       domain.Role
	now        func() time.Time

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu           sync.Mutex
	state        State
	listeners    map[int]func(domain.ConnectionEvent)
	nextListener int

	attempt            int
	reconnectTimer     *time.Timer
	reconnectExhausted bool

	lastValidation time.Time
	sessionExpired bool

	online     bool
	foreground bool

	baseCtx       context.Context
	heartbeatStop chan struct{}
}

func NewManager(o Options) *Manager {
	return &Manager{
		ctrl:        o.Controller,
		pairing:     o.Pairing,
		pairingAPI:  o.PairingAPI,
		presence:    o.Presence,
		role:        o.Role,
		now:         time.Now,
		maxAttempts: maxReconnectAttempts,
		baseDelay:   backoffBase,
		maxDelay:    backoffCap,
		state:       StateIdle,
		listeners:   make(map[int]func(domain.ConnectionEvent)),
		online:      true,
		foreground:  true,
		baseCtx:     context.Background(),
	}
}

// Subscribe registers a connection-event listener and returns its
// unsubscribe func.
func (m *Manager) Subscribe(fn func(domain.ConnectionEvent)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev domain.ConnectionEvent) {
	m.mu.Lock()
	fns := make([]func(domain.ConnectionEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins the heartbeat loop; ctx bounds all timer-driven work.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	if m.heartbeatStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()
	go m.heartbeatLoop(ctx, stop)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	m.cancelReconnectLocked()
	m.mu.Unlock()
}

// Connect starts the initial negotiation for the stored pairing.
func (m *Manager) Connect(ctx context.Context) error {
	sess, ok := m.session()
	if !ok {
		return domain.ErrNotPaired
	}
	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()
	return m.ctrl.Init(ctx, sess, m.callbacks())
}

// HandleNetworkChange feeds connectivity transitions from the platform.
func (m *Manager) HandleNetworkChange(online bool) {
	m.mu.Lock()
	m.online = online
	if !online {
		// No point firing a reconnect into a dead network.
		m.cancelReconnectLocked()
	}
	foreground := m.foreground
	ctx := m.baseCtx
	m.mu.Unlock()

	m.emit(domain.ConnectionEvent{Type: domain.EventNetworkChanged, Online: online})
	if online && foreground {
		go m.revalidateAndReconnect(ctx)
	}
}

// HandleAppState feeds foreground/background transitions. Backgrounding
// cancels pending reconnect timers but keeps the live connection: some
// platforms grant brief background execution and the user may return
// promptly.
func (m *Manager) HandleAppState(foreground bool) {
	m.mu.Lock()
	m.foreground = foreground
	if !foreground {
		m.cancelReconnectLocked()
	}
	online := m.online
	ctx := m.baseCtx
	m.mu.Unlock()

	m.emit(domain.ConnectionEvent{Type: domain.EventAppStateChanged, Foreground: foreground})
	if foreground && online {
		go m.revalidateAndReconnect(ctx)
	}
}

func (m *Manager) revalidateAndReconnect(ctx context.Context) {
	valid, err := m.ValidateSession(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "lifecycle").Msg("session validation failed")
		return
	}
	if valid {
		m.scheduleReconnect()
	}
}

// ValidateSession checks the stored pairing against the pairing-lookup
// API, at most one round trip per rate-limit window. A partner mismatch
// clears local pairing and emits a terminal session-expired event.
func (m *Manager) ValidateSession(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.sessionExpired {
		m.mu.Unlock()
		return false, nil
	}
	p, ok := m.pairing.Pairing()
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if m.now().Sub(m.lastValidation) < validationInterval {
		m.mu.Unlock()
		return true, nil
	}
	m.lastValidation = m.now()
	m.mu.Unlock()

	peerID, err := retry.Run(ctx, retry.Config{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}, func(ctx context.Context) (domain.DeviceID, error) {
		return m.pairingAPI.CurrentPairing(ctx, p.LocalDeviceID)
	})
	if err != nil {
		return false, err
	}

	if peerID != p.PeerDeviceID {
		m.mu.Lock()
		first := !m.sessionExpired
		m.sessionExpired = true
		m.state = StateError
		m.cancelReconnectLocked()
		m.mu.Unlock()

		if err := m.pairing.ClearPairing(); err != nil {
			log.Error().Err(err).Str("module", "lifecycle").Msg("clearing pairing")
		}
		if first {
			log.Warn().
				Str("module", "lifecycle").
				Str("expected", string(p.PeerDeviceID)).
				Str("actual", string(peerID)).
				Msg("partner mismatch, session expired")
			m.emit(domain.ConnectionEvent{Type: domain.EventSessionExpired})
		}
		return false, nil
	}

	m.emit(domain.ConnectionEvent{Type: domain.EventSessionValidated})
	return true, nil
}

// scheduleReconnect arms the single pending reconnect timer with the
// next backoff delay. Exhausting the attempt cap emits a terminal
// reconnect-failed event exactly once and stops scheduling.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.reconnectTimer != nil || m.sessionExpired {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.maxAttempts {
		first := !m.reconnectExhausted
		m.reconnectExhausted = true
		m.state = StateDisconnected
		m.mu.Unlock()
		if first {
			log.Error().Str("module", "lifecycle").Int("attempts", m.maxAttempts).Msg("reconnect attempts exhausted")
			m.emit(domain.ConnectionEvent{Type: domain.EventReconnectFailed, Attempt: m.maxAttempts})
		}
		return
	}
	m.attempt++
	attempt := m.attempt
	delay := retry.Backoff(attempt, m.baseDelay, m.maxDelay)
	m.state = StateReconnecting
	m.reconnectTimer = time.AfterFunc(delay, m.runReconnect)
	m.mu.Unlock()

	log.Info().Str("module", "lifecycle").Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.emit(domain.ConnectionEvent{Type: domain.EventReconnectAttempt, Attempt: attempt, Delay: delay})
}

func (m *Manager) runReconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if !m.online || !m.foreground || m.sessionExpired {
		m.mu.Unlock()
		return
	}
	ctx := m.baseCtx
	m.mu.Unlock()

	sess, ok := m.session()
	if !ok {
		return
	}
	if err := m.ctrl.Init(ctx, sess, m.callbacks()); err != nil {
		log.Warn().Err(err).Str("module", "lifecycle").Msg("reconnect attempt failed")
		m.scheduleReconnect()
	}
	// Success is confirmed by the controller's connected callback, which
	// resets the attempt counter.
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) session() (domain.Session, bool) {
	p, ok := m.pairing.Pairing()
	if !ok {
		return domain.Session{}, false
	}
	return domain.Session{
		SessionID:     p.SessionID,
		LocalDeviceID: p.LocalDeviceID,
		PeerDeviceID:  p.PeerDeviceID,
		Role:          m.role,
	}, true
}

func (m *Manager) callbacks() peer.Callbacks {
	return peer.Callbacks{
		OnConnected: m.onConnected,
		OnConnectionLost: func() {
			m.scheduleReconnect()
		},
		OnDegraded: func(misses int) {
			m.emit(domain.ConnectionEvent{Type: domain.EventConnectionDegraded, Attempt: misses})
		},
		OnError: func(err error) {
			log.Warn().Err(err).Str("module", "lifecycle").Msg("negotiation error")
		},
		OnFatal: func(err error) {
			m.ReportFatalError(err, retry.Recoverable(err))
		},
	}
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	wasReconnecting := m.state == StateReconnecting
	m.state = StateConnected
	m.attempt = 0
	m.reconnectExhausted = false
	m.cancelReconnectLocked()
	m.mu.Unlock()

	log.Info().Str("module", "lifecycle").Msg("connection established")
	if wasReconnecting {
		m.emit(domain.ConnectionEvent{Type: domain.EventReconnectSuccess})
	}
}

// ReportFatalError surfaces a fatal condition. Recoverable errors go
// back through reconnection scheduling; unrecoverable ones trigger the
// full reset path.
func (m *Manager) ReportFatalError(err error, recoverable bool) {
	log.Error().Err(err).Bool("recoverable", recoverable).Str("module", "lifecycle").Msg("fatal error reported")
	m.emit(domain.ConnectionEvent{Type: domain.EventFatalError, Error: err.Error(), Recoverable: recoverable})
	if recoverable {
		m.scheduleReconnect()
		return
	}
	m.mu.Lock()
	ctx := m.baseCtx
	m.mu.Unlock()
	m.ForceReset(ctx)
}

// ForceReset is the full recovery path: destroy the negotiation, drop
// presence, best-effort unpair remotely, clear local pairing, and reset
// all counters.
func (m *Manager) ForceReset(ctx context.Context) {
	if err := m.ctrl.Destroy(ctx); err != nil {
		log.Error().Err(err).Str("module", "lifecycle").Msg("destroying controller")
	}

	p, paired := m.pairing.Pairing()
	if paired {
		if err := m.presence.DisconnectAll(ctx, p.LocalDeviceID); err != nil {
			log.Warn().Err(err).Str("module", "lifecycle").Msg("presence disconnect failed")
		}
		if err := m.pairingAPI.Unpair(ctx, p.LocalDeviceID); err != nil {
			log.Warn().Err(err).Str("module", "lifecycle").Msg("remote unpair failed")
		}
	}
	if err := m.pairing.ClearPairing(); err != nil {
		log.Error().Err(err).Str("module", "lifecycle").Msg("clearing pairing")
	}

	m.mu.Lock()
	m.cancelReconnectLocked()
	m.attempt = 0
	m.reconnectExhausted = false
	m.sessionExpired = false
	m.lastValidation = time.Time{}
	m.state = StateIdle
	m.mu.Unlock()
	log.Info().Str("module", "lifecycle").Msg("force reset complete")
}

// heartbeatLoop pushes a best-effort presence update while the app is
// foregrounded and online. Failures are logged, never fatal.
func (m *Manager) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			active := m.online && m.foreground
			m.mu.Unlock()
			if !active {
				continue
			}
			p, ok := m.pairing.Pairing()
			if !ok {
				continue
			}
			hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := m.presence.UpdateOnlineStatus(hctx, p.LocalDeviceID, true); err != nil {
				log.Warn().Err(err).Str("module", "lifecycle").Msg("presence heartbeat failed")
			}
			cancel()
		}
	}
}
