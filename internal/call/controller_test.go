package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskflow/callkit/internal/negotiator"
	"github.com/taskflow/callkit/internal/roomclient"
	"github.com/taskflow/callkit/internal/signal"
)

type sentMsg struct {
	to            string
	d             signal.Description
	offer         bool
	renegotiation bool
}

type fakeTransport struct {
	mu     sync.Mutex
	room   string
	sent   []sentMsg
	events chan roomclient.Event
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan roomclient.Event, 16)}
}

func (f *fakeTransport) Join(room, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = room
	return nil
}

func (f *fakeTransport) Events() <-chan roomclient.Event { return f.events }

func (f *fakeTransport) SendOffer(to string, d signal.Description, renegotiation bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, d: d, offer: true, renegotiation: renegotiation})
	return nil
}

func (f *fakeTransport) SendAnswer(to string, d signal.Description, renegotiation bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, d: d, offer: false, renegotiation: renegotiation})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) push(t *testing.T, ev roomclient.Event) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		t.Fatalf("push %T on closed transport", ev)
	}
	f.events <- ev
}

func (f *fakeTransport) sentMessages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeEngine struct {
	mu          sync.Mutex
	offers      int
	answers     int
	tracks      []negotiator.Track
	closed      bool
	onTrack     func(negotiator.Track)
	onNegNeeded func()
}

func (f *fakeEngine) CreateOffer(context.Context) (signal.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return signal.Description{Type: signal.RoleOffer, SDP: fmt.Sprintf("offer-%d", f.offers)}, nil
}

func (f *fakeEngine) CreateAnswer(_ context.Context, _ signal.Description) (signal.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return signal.Description{Type: signal.RoleAnswer, SDP: fmt.Sprintf("answer-%d", f.answers)}, nil
}

func (f *fakeEngine) ApplyAnswer(context.Context, signal.Description) error { return nil }

func (f *fakeEngine) AddTrack(t negotiator.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil
}

func (f *fakeEngine) OnTrack(fn func(negotiator.Track)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeEngine) OnNegotiationNeeded(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNegNeeded = fn
}

func (f *fakeEngine) fireTrack(t *testing.T, track negotiator.Track) {
	t.Helper()
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn == nil {
		t.Fatal("no track handler registered")
	}
	fn(track)
}

func (f *fakeEngine) fireNegotiationNeeded(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	fn := f.onNegNeeded
	f.mu.Unlock()
	if fn == nil {
		t.Fatal("no negotiationneeded handler registered")
	}
	fn()
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTrack struct{ id, kind string }

func (t fakeTrack) ID() string   { return t.id }
func (t fakeTrack) Kind() string { return t.kind }

type fakeStream struct {
	mu     sync.Mutex
	tracks []negotiator.Track
	closed bool
}

func (s *fakeStream) Tracks() []negotiator.Track { return s.tracks }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeCapture struct {
	stream *fakeStream
	err    error
}

func (c *fakeCapture) Acquire(context.Context) (MediaStream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

type harness struct {
	ctrl      *fakeTransport
	engine    *fakeEngine
	stream    *fakeStream
	capture   *fakeCapture
	c         *Controller
	runResult chan error
	runDone   bool
}

func startController(t *testing.T, opts Options, capture *fakeCapture) (*harness, *Controller) {
	t.Helper()
	tr := newFakeTransport()
	eng := &fakeEngine{}
	if opts.Room == "" {
		opts.Room = "standup"
	}
	if opts.Identity == "" {
		opts.Identity = "a@example.com"
	}
	c := New(tr, capture, func() (negotiator.Engine, error) { return eng, nil }, opts)

	h := &harness{
		ctrl:      tr,
		engine:    eng,
		stream:    capture.stream,
		capture:   capture,
		c:         c,
		runResult: make(chan error, 1),
	}
	go func() { h.runResult <- c.Run(context.Background()) }()
	t.Cleanup(func() {
		if h.runDone {
			return
		}
		c.Hangup()
		select {
		case <-h.runResult:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after hangup")
		}
	})
	return h, c
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", c.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitRun(t *testing.T, h *harness) error {
	t.Helper()
	select {
	case err := <-h.runResult:
		h.runDone = true
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func newStream(tracks ...negotiator.Track) *fakeStream {
	return &fakeStream{tracks: tracks}
}

func TestCallerPlacesCallAndGoesActive(t *testing.T) {
	capture := &fakeCapture{stream: newStream(fakeTrack{id: "cam", kind: "video"}, fakeTrack{id: "mic", kind: "audio"})}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Room: "standup", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y", Identity: "b@example.com"}})
	waitForState(t, c, StateRinging)

	msgs := h.ctrl.sentMessages()
	if len(msgs) != 1 || !msgs[0].offer || msgs[0].renegotiation || msgs[0].to != "y" {
		t.Fatalf("sent=%+v, want one opening offer to y", msgs)
	}
	if remote, ok := c.Remote(); !ok || remote.Identity != "b@example.com" {
		t.Fatalf("Remote()=%+v,%v, want the joined peer", remote, ok)
	}

	h.ctrl.push(t, roomclient.AnswerReceived{From: "y", Description: signal.Description{Type: signal.RoleAnswer, SDP: "a1"}})
	waitForState(t, c, StateActive)

	// Both captured tracks attach after the answer, as renegotiation rounds.
	waitFor(t, "track attachment", func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.tracks) == 2
	})
	waitFor(t, "renegotiation offer", func() bool {
		msgs := h.ctrl.sentMessages()
		return len(msgs) == 2 && msgs[1].offer && msgs[1].renegotiation
	})
}

func TestCalleeAnswersIncomingCall(t *testing.T) {
	capture := &fakeCapture{stream: newStream(fakeTrack{id: "mic", kind: "audio"})}
	h, c := startController(t, Options{Identity: "b@example.com"}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{
		Self: "y", Room: "standup",
		Peers: []signal.Peer{{Handle: "x", Identity: "a@example.com"}},
	})
	waitForState(t, c, StateAwaitingOffer)
	if len(h.ctrl.sentMessages()) != 0 {
		t.Fatal("callee must not signal before the opening offer arrives")
	}

	h.ctrl.push(t, roomclient.OfferReceived{From: "x", Description: signal.Description{Type: signal.RoleOffer, SDP: "o1"}})
	waitForState(t, c, StateActive)

	msgs := h.ctrl.sentMessages()
	if len(msgs) < 1 || msgs[0].offer || msgs[0].renegotiation {
		t.Fatalf("sent=%+v, want the opening answer first", msgs)
	}
	// The callee's own track rides a follow-up renegotiation offer.
	waitFor(t, "renegotiation offer", func() bool {
		msgs := h.ctrl.sentMessages()
		return len(msgs) == 2 && msgs[1].offer && msgs[1].renegotiation
	})
}

func TestAnswerTimeoutEndsRingingCall(t *testing.T) {
	capture := &fakeCapture{stream: newStream()}
	h, c := startController(t, Options{AnswerTimeout: 50 * time.Millisecond}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})
	waitForState(t, c, StateRinging)

	if err := waitRun(t, h); !errors.Is(err, ErrAnswerTimeout) {
		t.Fatalf("Run=%v, want ErrAnswerTimeout", err)
	}
	if c.State() != StateEnded {
		t.Fatalf("state=%s, want ended", c.State())
	}
	if !h.stream.isClosed() {
		t.Fatal("media capture not released")
	}
	if !h.engine.isClosed() {
		t.Fatal("peer connection not released")
	}
}

func TestMediaFailureAbortsBeforeSignaling(t *testing.T) {
	capture := &fakeCapture{err: errors.New("permission denied")}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})

	err := waitRun(t, h)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Run=%v, want media acquisition failure", err)
	}
	if c.State() != StateEnded {
		t.Fatalf("state=%s, want ended", c.State())
	}
	if len(h.ctrl.sentMessages()) != 0 {
		t.Fatalf("sent=%+v, want nothing before media failure", h.ctrl.sentMessages())
	}
}

func TestPeerLeftMidRingingEndsCall(t *testing.T) {
	capture := &fakeCapture{stream: newStream(fakeTrack{id: "mic", kind: "audio"})}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})
	waitForState(t, c, StateRinging)

	h.ctrl.push(t, roomclient.PeerLeft{Peer: signal.Peer{Handle: "y"}})
	if err := waitRun(t, h); err != nil {
		t.Fatalf("Run=%v, want nil for partner departure", err)
	}
	if !h.stream.isClosed() || !h.engine.isClosed() {
		t.Fatal("resources not released after partner left")
	}
}

func TestPeerLeftFromStrangerIgnored(t *testing.T) {
	capture := &fakeCapture{stream: newStream()}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})
	waitForState(t, c, StateRinging)

	h.ctrl.push(t, roomclient.PeerLeft{Peer: signal.Peer{Handle: "stranger"}})
	time.Sleep(50 * time.Millisecond)
	if c.State() != StateRinging {
		t.Fatalf("state=%s, want still ringing", c.State())
	}
}

func TestHangupReleasesEverything(t *testing.T) {
	capture := &fakeCapture{stream: newStream(fakeTrack{id: "mic", kind: "audio"})}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})
	waitForState(t, c, StateRinging)

	c.Hangup()
	if err := waitRun(t, h); err != nil {
		t.Fatalf("Run=%v, want nil after hangup", err)
	}
	if !h.stream.isClosed() || !h.engine.isClosed() {
		t.Fatal("resources not released after hangup")
	}
	h.ctrl.mu.Lock()
	closed := h.ctrl.closed
	h.ctrl.mu.Unlock()
	if !closed {
		t.Fatal("signaling transport not closed")
	}
}

func TestDisconnectSurfacesTransportError(t *testing.T) {
	capture := &fakeCapture{stream: newStream()}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	wantErr := errors.New("connection reset")
	h.ctrl.push(t, roomclient.Disconnected{Err: wantErr})

	if err := waitRun(t, h); !errors.Is(err, wantErr) {
		t.Fatalf("Run=%v, want the transport error", err)
	}
	if c.State() != StateEnded {
		t.Fatalf("state=%s, want ended", c.State())
	}
}

func TestThirdPeerIgnored(t *testing.T) {
	capture := &fakeCapture{stream: newStream()}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y", Identity: "b@example.com"}})
	waitForState(t, c, StateRinging)

	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "z", Identity: "c@example.com"}})
	time.Sleep(50 * time.Millisecond)
	if remote, _ := c.Remote(); remote.Handle != "y" {
		t.Fatalf("remote=%+v, want the first partner", remote)
	}
	// Only the opening offer to the first partner went out.
	for _, m := range h.ctrl.sentMessages() {
		if m.to != "y" {
			t.Fatalf("message sent to %q, want only y", m.to)
		}
	}
}

func TestTransitionsAreAudited(t *testing.T) {
	capture := &fakeCapture{stream: newStream()}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})
	h.ctrl.push(t, roomclient.AnswerReceived{From: "y", Description: signal.Description{Type: signal.RoleAnswer, SDP: "a1"}})
	waitForState(t, c, StateActive)
	c.Hangup()
	waitRun(t, h)

	var got []State
	for tr := range c.Transitions() {
		got = append(got, tr.To)
	}
	want := []State{StateRinging, StateNegotiating, StateActive, StateEnded}
	if len(got) != len(want) {
		t.Fatalf("transitions=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d=%s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestTransportRenegotiationRequestSendsOffer(t *testing.T) {
	capture := &fakeCapture{stream: newStream()}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})
	h.ctrl.push(t, roomclient.AnswerReceived{From: "y", Description: signal.Description{Type: signal.RoleAnswer, SDP: "a1"}})
	waitForState(t, c, StateActive)
	base := len(h.ctrl.sentMessages())

	// An ICE restart or transceiver change surfaces as negotiationneeded on
	// the engine; the controller must start a renegotiation round.
	h.engine.fireNegotiationNeeded(t)
	waitFor(t, "renegotiation offer", func() bool {
		msgs := h.ctrl.sentMessages()
		return len(msgs) == base+1 && msgs[base].offer && msgs[base].renegotiation && msgs[base].to == "y"
	})

	h.ctrl.push(t, roomclient.AnswerReceived{From: "y", Description: signal.Description{Type: signal.RoleAnswer, SDP: "a2"}})
	waitForState(t, c, StateActive)
}

func TestRemoteTracksClosedOnTeardown(t *testing.T) {
	capture := &fakeCapture{stream: newStream()}
	h, c := startController(t, Options{}, capture)

	h.ctrl.push(t, roomclient.RoomJoined{Self: "x", Initiator: true})
	h.ctrl.push(t, roomclient.PeerJoined{Peer: signal.Peer{Handle: "y"}})
	h.ctrl.push(t, roomclient.AnswerReceived{From: "y", Description: signal.Description{Type: signal.RoleAnswer, SDP: "a1"}})
	waitForState(t, c, StateActive)

	h.engine.fireTrack(t, fakeTrack{id: "remote-cam", kind: "video"})
	select {
	case tr := <-c.RemoteTracks():
		if tr.ID() != "remote-cam" {
			t.Fatalf("track=%s, want remote-cam", tr.ID())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("remote track never delivered")
	}

	c.Hangup()
	waitRun(t, h)

	// A consumer ranging over RemoteTracks must terminate once the call ends.
	select {
	case _, ok := <-c.RemoteTracks():
		if ok {
			t.Fatal("unexpected track after teardown")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RemoteTracks not closed after teardown")
	}
}
