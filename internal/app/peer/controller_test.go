package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/arvoki/camlink/internal/core"
	"github.com/arvoki/camlink/internal/domain"
)

type fakeSignals struct {
	mu      sync.Mutex
	session string
	handler func(domain.SignalEnvelope)
	sent    []domain.SignalEnvelope
	unsubs  int
}

func (f *fakeSignals) Subscribe(_ context.Context, sessionID string, handler func(domain.SignalEnvelope)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = sessionID
	f.handler = handler
	return nil
}

func (f *fakeSignals) Send(_ context.Context, env domain.SignalEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignals) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs++
}

func (f *fakeSignals) deliver(env domain.SignalEnvelope) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (f *fakeSignals) sentOfKind(kind domain.EnvelopeKind, st domain.SignalType) []domain.SignalEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SignalEnvelope
	for _, env := range f.sent {
		if env.Kind != kind {
			continue
		}
		if kind == domain.KindSignal && (env.Signal == nil || env.Signal.Type != st) {
			continue
		}
		out = append(out, env)
	}
	return out
}

// gatedSignals stalls the first Subscribe before the handler install,
// the way the websocket channel stalls in its relay dial. Later
// Subscribe calls pass straight through and overwrite the handler.
type gatedSignals struct {
	fakeSignals
	gate     sync.Mutex
	dialGate chan struct{}
	stalled  bool
}

func (g *gatedSignals) Subscribe(ctx context.Context, sessionID string, handler func(domain.SignalEnvelope)) error {
	g.gate.Lock()
	first := !g.stalled
	g.stalled = true
	g.gate.Unlock()
	if first {
		<-g.dialGate
	}
	return g.fakeSignals.Subscribe(ctx, sessionID, handler)
}

type fakeIce struct {
	block chan struct{}
}

func (f *fakeIce) Servers(ctx context.Context) []webrtc.ICEServer {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.test:3478"}}}
}

type fakeStream struct {
	mu    sync.Mutex
	stops int
}

func (f *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

type fakeMedia struct {
	mu     sync.Mutex
	stream *fakeStream
	err    error
	calls  int
}

func (f *fakeMedia) Acquire(ctx context.Context) (core.MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type fakeTransport struct {
	mu sync.Mutex

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	cleared    bool
	closed     bool
	offers     int
	answers    int
	candidates int
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription

	sigState  webrtc.SignalingState
	connState webrtc.PeerConnectionState
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sigState:  webrtc.SignalingStateStable,
		connState: webrtc.PeerConnectionStateNew,
	}
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) ClearHandlers() {
	f.mu.Lock()
	f.cleared = true
	f.onCandidate = nil
	f.onState = nil
	f.onTrack = nil
	f.mu.Unlock()
}

func (f *fakeTransport) AddTrack(webrtc.TrackLocal) error { return nil }

func (f *fakeTransport) CreateOffer(bool) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sampleSDP}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sampleSDP}, nil
}

func (f *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.localDesc = &d
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	f.remoteDesc = &d
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddICECandidate(webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigState
}

func (f *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakeTransport) Stats() webrtc.StatsReport { return webrtc.StatsReport{} }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.connState = s
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

type fixture struct {
	ctrl      *Controller
	signals   *fakeSignals
	media     *fakeMedia
	transport *fakeTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signals := &fakeSignals{}
	transport := newFakeTransport()
	media := &fakeMedia{stream: &fakeStream{}}
	ctrl := NewController(Options{
		Signals: signals,
		Ice:     &fakeIce{},
		Media:   media,
		NewTransport: func([]webrtc.ICEServer) (core.PeerTransport, error) {
			return transport, nil
		},
	})
	return &fixture{ctrl: ctrl, signals: signals, media: media, transport: transport}
}

func testSession(role domain.Role) domain.Session {
	return domain.Session{
		SessionID:     "sess-1",
		LocalDeviceID: "local-dev",
		PeerDeviceID:  "peer-dev",
		Role:          role,
	}
}

func (fx *fixture) epoch(t *testing.T) uint64 {
	t.Helper()
	fx.ctrl.mu.Lock()
	defer fx.ctrl.mu.Unlock()
	return fx.ctrl.epoch
}

func TestProducerInitSendsOneOffer(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	offers := fx.signals.sentOfKind(domain.KindSignal, domain.SignalOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer sent, got %d", len(offers))
	}
	if offers[0].To != "peer-dev" {
		t.Fatalf("offer addressed to %q", offers[0].To)
	}
	if got := fx.ctrl.State(); got != StateOffering {
		t.Fatalf("state = %q, want %q", got, StateOffering)
	}
}

func TestControllerInitAnnouncesReady(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleController), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	ready := fx.signals.sentOfKind(domain.KindDirectorReady, "")
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready announcement, got %d", len(ready))
	}
	if got := fx.ctrl.State(); got != StateAwaitingOffer {
		t.Fatalf("state = %q, want %q", got, StateAwaitingOffer)
	}
}

func TestDestroyMidInitSendsNothing(t *testing.T) {
	signals := &fakeSignals{}
	transport := newFakeTransport()
	ice := &fakeIce{block: make(chan struct{})}
	ctrl := NewController(Options{
		Signals: signals,
		Ice:     ice,
		Media:   &fakeMedia{stream: &fakeStream{}},
		NewTransport: func([]webrtc.ICEServer) (core.PeerTransport, error) {
			return transport, nil
		},
	})

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{})
	}()

	// Let Init reach the blocked server fetch, then supersede it.
	time.Sleep(20 * time.Millisecond)
	if err := ctrl.Destroy(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(ice.block)

	if err := <-done; err != nil {
		t.Fatalf("superseded init returned error: %v", err)
	}
	signals.mu.Lock()
	sent := len(signals.sent)
	signals.mu.Unlock()
	if sent != 0 {
		t.Fatalf("superseded init sent %d envelopes", sent)
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
}

func TestRapidReinitKeepsLiveSubscription(t *testing.T) {
	signals := &gatedSignals{dialGate: make(chan struct{})}
	ctrl := NewController(Options{
		Signals: signals,
		Ice:     &fakeIce{},
		Media:   &fakeMedia{stream: &fakeStream{}},
		NewTransport: func([]webrtc.ICEServer) (core.PeerTransport, error) {
			return newFakeTransport(), nil
		},
	})

	// First init stalls inside Subscribe while a second one supersedes
	// it. The superseded subscription must never displace the live one.
	first := make(chan error, 1)
	go func() {
		first <- ctrl.Init(context.Background(), testSession(domain.RoleController), Callbacks{})
	}()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		second <- ctrl.Init(context.Background(), testSession(domain.RoleController), Callbacks{})
	}()
	time.Sleep(20 * time.Millisecond)
	close(signals.dialGate)

	if err := <-first; err != nil {
		t.Fatalf("superseded init returned error: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatal(err)
	}

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sampleSDP})
	signals.deliver(domain.SignalEnvelope{
		From:   "peer-dev",
		To:     "local-dev",
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalOffer, Data: offer},
	})

	if answers := signals.sentOfKind(domain.KindSignal, domain.SignalAnswer); len(answers) != 1 {
		t.Fatalf("live instance answered %d times, want 1", len(answers))
	}
	if got := ctrl.State(); got != StateNegotiating {
		t.Fatalf("state = %q, want %q", got, StateNegotiating)
	}
}

func TestDestroyClearsHandlersAndUnsubscribes(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	if err := fx.ctrl.Destroy(context.Background()); err != nil {
		t.Fatal(err)
	}

	fx.transport.mu.Lock()
	cleared, closed := fx.transport.cleared, fx.transport.closed
	fx.transport.mu.Unlock()
	if !cleared || !closed {
		t.Fatalf("cleared=%v closed=%v, want both", cleared, closed)
	}
	fx.signals.mu.Lock()
	unsubs := fx.signals.unsubs
	fx.signals.mu.Unlock()
	if unsubs != 1 {
		t.Fatalf("unsubscribes = %d, want 1", unsubs)
	}
	fx.media.stream.mu.Lock()
	stops := fx.media.stream.stops
	fx.media.stream.mu.Unlock()
	if stops != 1 {
		t.Fatalf("stream stops = %d, want 1", stops)
	}

	// Destroy with nothing live is a no-op.
	if err := fx.ctrl.Destroy(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateOfferAnsweredOnce(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleController), Callbacks{}); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	fx.ctrl.now = func() time.Time { return base }

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sampleSDP})
	env := domain.SignalEnvelope{
		From:   "peer-dev",
		To:     "local-dev",
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalOffer, Data: offer},
	}
	fx.signals.deliver(env)
	// Same offer again, inside the suppression window, signaling stable.
	fx.ctrl.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	fx.signals.deliver(env)

	answers := fx.signals.sentOfKind(domain.KindSignal, domain.SignalAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(answers))
	}
	if got := fx.ctrl.State(); got != StateNegotiating {
		t.Fatalf("state = %q, want %q", got, StateNegotiating)
	}
}

func TestOfferAfterSuppressionWindowAnswered(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleController), Callbacks{}); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	fx.ctrl.now = func() time.Time { return base }

	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sampleSDP})
	env := domain.SignalEnvelope{
		From:   "peer-dev",
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalOffer, Data: offer},
	}
	fx.signals.deliver(env)
	fx.ctrl.now = func() time.Time { return base.Add(3 * time.Second) }
	fx.signals.deliver(env)

	answers := fx.signals.sentOfKind(domain.KindSignal, domain.SignalAnswer)
	if len(answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(answers))
	}
}

func TestOfferIgnoredOnProducerSide(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	offer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sampleSDP})
	fx.signals.deliver(domain.SignalEnvelope{
		From:   "peer-dev",
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalOffer, Data: offer},
	})
	if answers := fx.signals.sentOfKind(domain.KindSignal, domain.SignalAnswer); len(answers) != 0 {
		t.Fatalf("producer answered an offer: %d answers", len(answers))
	}
}

func TestAnswerAppliedOnProducer(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	answer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sampleSDP})
	fx.signals.deliver(domain.SignalEnvelope{
		From:   "peer-dev",
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalAnswer, Data: answer},
	})
	fx.transport.mu.Lock()
	applied := fx.transport.remoteDesc != nil
	fx.transport.mu.Unlock()
	if !applied {
		t.Fatal("answer not applied to transport")
	}
	if got := fx.ctrl.State(); got != StateNegotiating {
		t.Fatalf("state = %q, want %q", got, StateNegotiating)
	}
}

func TestNullCandidateIsGatheringMarker(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	fx.signals.deliver(domain.SignalEnvelope{
		From:   "peer-dev",
		Kind:   domain.KindSignal,
		Signal: &domain.SignalBody{Type: domain.SignalICECandidate, Data: json.RawMessage("null")},
	})
	fx.transport.mu.Lock()
	added := fx.transport.candidates
	fx.transport.mu.Unlock()
	if added != 0 {
		t.Fatalf("null marker added as candidate: %d", added)
	}
}

func TestDirectorReadyTriggersReoffer(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	fx.signals.deliver(domain.SignalEnvelope{From: "peer-dev", Kind: domain.KindDirectorReady})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(fx.signals.sentOfKind(domain.KindSignal, domain.SignalOffer)) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected re-offer, got %d offers", len(fx.signals.sentOfKind(domain.KindSignal, domain.SignalOffer)))
}

func TestFailedTransportRestartsOnceThenFatal(t *testing.T) {
	fx := newFixture(t)
	var fatal []error
	var fatalMu sync.Mutex
	cb := Callbacks{OnFatal: func(err error) {
		fatalMu.Lock()
		fatal = append(fatal, err)
		fatalMu.Unlock()
	}}
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), cb); err != nil {
		t.Fatal(err)
	}

	fx.transport.fireState(webrtc.PeerConnectionStateFailed)
	if offers := fx.signals.sentOfKind(domain.KindSignal, domain.SignalOffer); len(offers) != 2 {
		t.Fatalf("expected restart offer, got %d offers", len(offers))
	}
	fatalMu.Lock()
	n := len(fatal)
	fatalMu.Unlock()
	if n != 0 {
		t.Fatalf("fatal reported on first failure")
	}

	fx.transport.fireState(webrtc.PeerConnectionStateFailed)
	fatalMu.Lock()
	defer fatalMu.Unlock()
	if len(fatal) != 1 || !errors.Is(fatal[0], ErrTransportFailed) {
		t.Fatalf("expected one fatal transport error, got %v", fatal)
	}
}

func TestConnectedCancelsGraceTimer(t *testing.T) {
	fx := newFixture(t)
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), Callbacks{}); err != nil {
		t.Fatal(err)
	}
	fx.transport.fireState(webrtc.PeerConnectionStateDisconnected)
	fx.ctrl.mu.Lock()
	armed := fx.ctrl.n.graceTimer != nil
	fx.ctrl.mu.Unlock()
	if !armed {
		t.Fatal("grace timer not armed on disconnect")
	}

	fx.transport.fireState(webrtc.PeerConnectionStateConnected)
	fx.ctrl.mu.Lock()
	armed = fx.ctrl.n.graceTimer != nil
	fx.ctrl.mu.Unlock()
	if armed {
		t.Fatal("grace timer survived reconnect")
	}
	if got := fx.ctrl.State(); got != StateConnected {
		t.Fatalf("state = %q, want %q", got, StateConnected)
	}
}

func TestGraceExpiryReportsLossWhileStillDisconnected(t *testing.T) {
	fx := newFixture(t)
	var lost int
	var mu sync.Mutex
	cb := Callbacks{OnConnectionLost: func() {
		mu.Lock()
		lost++
		mu.Unlock()
	}}
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), cb); err != nil {
		t.Fatal(err)
	}
	e := fx.epoch(t)

	fx.transport.fireState(webrtc.PeerConnectionStateDisconnected)
	fx.ctrl.onGraceExpired(e)
	mu.Lock()
	n := lost
	mu.Unlock()
	if n != 1 {
		t.Fatalf("connection loss reported %d times, want 1", n)
	}

	// Recovered transports do not report loss on a late expiry.
	fx.transport.fireState(webrtc.PeerConnectionStateConnected)
	fx.ctrl.onGraceExpired(e)
	mu.Lock()
	defer mu.Unlock()
	if lost != 1 {
		t.Fatalf("loss reported after recovery: %d", lost)
	}
}

func TestCheckingStallFiresOncePerEpisode(t *testing.T) {
	fx := newFixture(t)
	var errs []error
	var mu sync.Mutex
	cb := Callbacks{OnError: func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}}
	if err := fx.ctrl.Init(context.Background(), testSession(domain.RoleProducer), cb); err != nil {
		t.Fatal(err)
	}
	e := fx.epoch(t)

	fx.transport.mu.Lock()
	fx.transport.connState = webrtc.PeerConnectionStateConnecting
	fx.transport.mu.Unlock()

	fx.ctrl.onCheckingStall(e)
	fx.ctrl.onCheckingStall(e)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], ErrCheckingStall) {
		t.Fatalf("expected one stall error, got %v", errs)
	}
	if offers := fx.signals.sentOfKind(domain.KindSignal, domain.SignalOffer); len(offers) != 2 {
		t.Fatalf("expected one restart offer, got %d offers total", len(offers))
	}
}

func TestMediaFailureExhaustsAndReportsFatal(t *testing.T) {
	signals := &fakeSignals{}
	media := &fakeMedia{err: errors.New("media acquisition failed (busy): device busy")}
	ctrl := NewController(Options{
		Signals: signals,
		Ice:     &fakeIce{},
		Media:   media,
		NewTransport: func([]webrtc.ICEServer) (core.PeerTransport, error) {
			return newFakeTransport(), nil
		},
	})
	var fatal error
	var mu sync.Mutex
	cb := Callbacks{OnFatal: func(err error) {
		mu.Lock()
		fatal = err
		mu.Unlock()
	}}

	err := ctrl.Init(context.Background(), testSession(domain.RoleProducer), cb)
	if err == nil {
		t.Fatal("expected error from exhausted media retries")
	}
	media.mu.Lock()
	calls := media.calls
	media.mu.Unlock()
	if calls != 3 {
		t.Fatalf("media attempts = %d, want 3", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if fatal == nil {
		t.Fatal("fatal callback not invoked")
	}
	if offers := signals.sentOfKind(domain.KindSignal, domain.SignalOffer); len(offers) != 0 {
		t.Fatalf("offer sent without media: %d", len(offers))
	}
}
