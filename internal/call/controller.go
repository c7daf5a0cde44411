// Package call coordinates one pairwise call: room membership, media
// capture, and session negotiation, driven as a single-goroutine event loop.
//
// The caller side places the call when a partner joins; the callee side
// waits for the partner's opening offer. Local tracks are attached only
// after the opening round settles, so the first offer stays small and track
// announcements ride renegotiation rounds.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskflow/callkit/internal/negotiator"
	"github.com/taskflow/callkit/internal/roomclient"
	"github.com/taskflow/callkit/internal/signal"
)

const DefaultAnswerTimeout = 30 * time.Second

// ErrAnswerTimeout ends a placed call whose partner never answered.
var ErrAnswerTimeout = errors.New("call: partner did not answer in time")

// Transport is the signaling leg the controller drives.
// *roomclient.Client satisfies it.
type Transport interface {
	Join(room, identity string) error
	Events() <-chan roomclient.Event
	SendOffer(to string, d signal.Description, renegotiation bool) error
	SendAnswer(to string, d signal.Description, renegotiation bool) error
	Close() error
}

// Options configures a call session.
type Options struct {
	Room     string
	Identity string

	// AnswerTimeout bounds StateRinging. Defaults to 30s.
	AnswerTimeout time.Duration

	Logger *slog.Logger
}

// Controller runs one call session. Create with New, drive with Run; Run
// returns when the call ends. All session state lives on the run loop
// goroutine; the exported accessors are safe from anywhere.
type Controller struct {
	log       *slog.Logger
	transport Transport
	capture   Capture
	newEngine func() (negotiator.Engine, error)
	opts      Options

	mu     sync.Mutex
	state  State
	self   string
	remote *signal.Peer

	neg   *negotiator.Negotiator
	media MediaStream

	transitions  chan Transition
	needOffer    chan struct{}
	remoteTracks chan negotiator.Track
	trackMu      sync.Mutex
	tracksClosed bool

	hangup     chan struct{}
	hangupOnce sync.Once
}

func New(transport Transport, capture Capture, newEngine func() (negotiator.Engine, error), opts Options) *Controller {
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = DefaultAnswerTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		log:          logger.With("room", opts.Room, "identity", opts.Identity),
		transport:    transport,
		capture:      capture,
		newEngine:    newEngine,
		opts:         opts,
		state:        StateIdle,
		transitions:  make(chan Transition, 16),
		needOffer:    make(chan struct{}, 1),
		remoteTracks: make(chan negotiator.Track, 8),
		hangup:       make(chan struct{}),
	}
}

// State reports the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remote reports the call partner, once one is known.
func (c *Controller) Remote() (signal.Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return signal.Peer{}, false
	}
	return *c.remote, true
}

// Transitions streams audited state changes. The stream is best effort: a
// consumer that falls 16 transitions behind loses the oldest ones.
func (c *Controller) Transitions() <-chan Transition { return c.transitions }

// RemoteTracks delivers the partner's media tracks as they arrive. The
// channel is closed when the call ends.
func (c *Controller) RemoteTracks() <-chan negotiator.Track { return c.remoteTracks }

// Hangup ends the call from the local side. Safe to call at any time, any
// number of times.
func (c *Controller) Hangup() {
	c.hangupOnce.Do(func() { close(c.hangup) })
}

func (c *Controller) transition(to State, reason string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.log.Info("call state change", "from", from, "to", to, "reason", reason)
	select {
	case c.transitions <- Transition{From: from, To: to, Reason: reason}:
	default:
		c.log.Debug("transition stream full, dropping", "from", from, "to", to)
	}
}

// Run joins the room and drives the call to completion. It returns nil for
// an orderly end (hangup, partner left) and an error when the call failed.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer c.teardown()

	if err := c.transport.Join(c.opts.Room, c.opts.Identity); err != nil {
		c.transition(StateEnded, "join failed")
		return fmt.Errorf("join room %s: %w", c.opts.Room, err)
	}

	answerTimer := time.NewTimer(time.Hour)
	answerTimer.Stop()
	defer answerTimer.Stop()

	for {
		select {
		case ev, ok := <-c.transport.Events():
			if !ok {
				c.transition(StateEnded, "signaling stream closed")
				return nil
			}
			done, err := c.handleEvent(ctx, ev, answerTimer)
			if done || err != nil {
				return err
			}

		case <-c.needOffer:
			// Transport-requested renegotiation (ICE restart, transceiver
			// change). The negotiator coalesces repeats, so firing while a
			// round is in flight just queues one follow-up.
			if c.neg == nil {
				continue
			}
			if err := c.neg.RequestOffer(ctx); err != nil {
				c.transition(StateEnded, "negotiation failed")
				return err
			}

		case <-answerTimer.C:
			if c.State() == StateRinging {
				c.transition(StateEnded, "answer timeout")
				return ErrAnswerTimeout
			}

		case <-c.hangup:
			c.transition(StateEnded, "hangup")
			return nil

		case <-ctx.Done():
			c.transition(StateEnded, "context canceled")
			return ctx.Err()
		}
	}
}

// handleEvent processes one signaling event on the run loop. It reports
// done=true when the call reached its terminal state.
func (c *Controller) handleEvent(ctx context.Context, ev roomclient.Event, answerTimer *time.Timer) (bool, error) {
	switch ev := ev.(type) {
	case roomclient.RoomJoined:
		c.mu.Lock()
		c.self = ev.Self
		c.mu.Unlock()
		if len(ev.Peers) > 0 {
			// A partner is already waiting; their offer opens the call.
			c.setRemote(ev.Peers[0])
			c.transition(StateAwaitingOffer, "partner present in room")
		}
		return false, nil

	case roomclient.PeerJoined:
		if _, ok := c.Remote(); ok {
			c.log.Debug("ignoring extra room member", "handle", ev.Peer.Handle)
			return false, nil
		}
		c.setRemote(ev.Peer)
		if err := c.placeCall(ctx); err != nil {
			c.transition(StateEnded, "call setup failed")
			return true, err
		}
		answerTimer.Reset(c.opts.AnswerTimeout)
		return false, nil

	case roomclient.OfferReceived:
		return c.handleOffer(ctx, ev)

	case roomclient.AnswerReceived:
		return c.handleAnswer(ctx, ev, answerTimer)

	case roomclient.PeerLeft:
		remote, ok := c.Remote()
		if !ok || ev.Peer.Handle != remote.Handle {
			return false, nil
		}
		c.transition(StateEnded, "partner left")
		return true, nil

	case roomclient.ErrorReceived:
		// The relay closes the connection after an error; the Disconnected
		// event that follows ends the call.
		c.log.Warn("relay error", "code", ev.Code, "message", ev.Message)
		return false, nil

	case roomclient.Disconnected:
		c.transition(StateEnded, "signaling lost")
		return true, ev.Err

	default:
		return false, nil
	}
}

// placeCall is the caller path: capture media first so a permission failure
// ends the call before the partner hears anything, then ring with a
// trackless opening offer. Tracks attach after the partner answers.
func (c *Controller) placeCall(ctx context.Context) error {
	media, err := c.capture.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	c.media = media

	if err := c.startSession(); err != nil {
		return err
	}
	c.transition(StateRinging, "calling partner")
	if err := c.neg.RequestOffer(ctx); err != nil {
		return fmt.Errorf("opening offer: %w", err)
	}
	return nil
}

func (c *Controller) handleOffer(ctx context.Context, ev roomclient.OfferReceived) (bool, error) {
	remote, ok := c.Remote()
	if !ok || ev.From != remote.Handle {
		c.log.Debug("ignoring offer from unknown sender", "from", ev.From)
		return false, nil
	}

	if c.neg == nil {
		// Callee path: the partner's opening offer. Capture before
		// answering so a failure here never signals acceptance.
		media, err := c.capture.Acquire(ctx)
		if err != nil {
			c.transition(StateEnded, "media acquisition failed")
			return true, fmt.Errorf("acquire media: %w", err)
		}
		c.media = media
		if err := c.startSession(); err != nil {
			c.transition(StateEnded, "call setup failed")
			return true, err
		}
		c.transition(StateNegotiating, "offer received")
		if err := c.neg.HandleOffer(ctx, ev.Description, ev.Renegotiation); err != nil {
			c.transition(StateEnded, "negotiation failed")
			return true, err
		}
		c.transition(StateActive, "opening round settled")
		return false, c.attachLocalTracks(ctx)
	}

	err := c.neg.HandleOffer(ctx, ev.Description, ev.Renegotiation)
	switch {
	case errors.Is(err, negotiator.ErrGlareDiscarded):
		return false, nil
	case err != nil:
		c.transition(StateEnded, "negotiation failed")
		return true, err
	}
	if c.State() == StateNegotiating || c.State() == StateRinging {
		c.transition(StateActive, "round settled")
		return false, c.attachLocalTracks(ctx)
	}
	return false, nil
}

func (c *Controller) handleAnswer(ctx context.Context, ev roomclient.AnswerReceived, answerTimer *time.Timer) (bool, error) {
	remote, ok := c.Remote()
	if !ok || c.neg == nil || ev.From != remote.Handle {
		c.log.Debug("ignoring answer from unknown sender", "from", ev.From)
		return false, nil
	}

	err := c.neg.HandleAnswer(ctx, ev.Description)
	switch {
	case errors.Is(err, negotiator.ErrUnexpectedAnswer):
		c.log.Debug("stale answer ignored")
		return false, nil
	case err != nil:
		c.transition(StateEnded, "negotiation failed")
		return true, err
	}

	if c.State() == StateRinging {
		answerTimer.Stop()
		c.transition(StateNegotiating, "answer received")
		c.transition(StateActive, "opening round settled")
		return false, c.attachLocalTracks(ctx)
	}
	return false, nil
}

func (c *Controller) setRemote(p signal.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &p
}

// startSession builds the peer connection and negotiator for the known
// partner.
func (c *Controller) startSession() error {
	engine, err := c.newEngine()
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine.OnTrack(c.deliverRemoteTrack)
	engine.OnNegotiationNeeded(func() {
		select {
		case c.needOffer <- struct{}{}:
		default:
		}
	})

	c.mu.Lock()
	self := c.self
	remote := c.remote.Handle
	c.mu.Unlock()
	c.neg = negotiator.New(engine, c.transport, self, remote, c.log)
	return nil
}

// attachLocalTracks announces the captured tracks to the partner. The
// negotiator coalesces these into as few renegotiation rounds as the answer
// pacing allows.
func (c *Controller) attachLocalTracks(ctx context.Context) error {
	if c.media == nil {
		return nil
	}
	for _, t := range c.media.Tracks() {
		if err := c.neg.AddTrack(ctx, t); err != nil {
			c.transition(StateEnded, "track attachment failed")
			return err
		}
	}
	return nil
}

// deliverRemoteTrack hands an engine track to the consumer without ever
// blocking the engine's callback goroutine.
func (c *Controller) deliverRemoteTrack(t negotiator.Track) {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	if c.tracksClosed {
		return
	}
	select {
	case c.remoteTracks <- t:
	default:
		c.log.Debug("remote track stream full, dropping", "track", t.ID())
	}
}

// teardown releases everything the call holds. Runs exactly once, on every
// exit path out of Run.
func (c *Controller) teardown() {
	c.trackMu.Lock()
	c.tracksClosed = true
	close(c.remoteTracks)
	c.trackMu.Unlock()
	if c.media != nil {
		if err := c.media.Close(); err != nil {
			c.log.Warn("releasing media capture", "err", err)
		}
		c.media = nil
	}
	if c.neg != nil {
		if err := c.neg.Close(); err != nil {
			c.log.Warn("closing peer connection", "err", err)
		}
	}
	if err := c.transport.Close(); err != nil {
		c.log.Warn("closing signaling transport", "err", err)
	}
	c.transition(StateEnded, "teardown")
	close(c.transitions)
}
