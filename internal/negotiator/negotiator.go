// Package negotiator runs the offer/answer cycle with a single remote peer.
//
// It owns the negotiation state machine, including renegotiation of an
// established session and glare resolution: when both sides offer at once,
// the side with the lexicographically lower connection handle wins the round
// and the loser folds its changes into a follow-up round. Local changes made
// while a round is in flight are coalesced into one follow-up round, so k
// queued changes cost at most k rounds and usually far fewer.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taskflow/callkit/internal/signal"
)

var (
	// ErrUnexpectedAnswer reports an answer that no in-flight local offer is
	// waiting for.
	ErrUnexpectedAnswer = errors.New("negotiator: answer received with no offer in flight")

	// ErrGlareDiscarded reports a remote offer dropped because this side won
	// the glare tie-break. The peer answers our offer instead; nothing is
	// lost and callers normally ignore this error.
	ErrGlareDiscarded = errors.New("negotiator: remote offer discarded after glare tie-break")
)

// Negotiator drives an Engine through offer/answer rounds against one remote
// peer. Methods are safe for concurrent use, though a call controller
// normally serializes them on its event loop.
type Negotiator struct {
	log    *slog.Logger
	engine Engine
	sig    Signaler
	local  string
	remote string

	mu          sync.Mutex
	state       State
	established bool
	dirty       bool
	lastAnswer  string
}

func New(engine Engine, sig Signaler, localHandle, remoteHandle string, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		log:    logger.With("local", localHandle, "remote", remoteHandle),
		engine: engine,
		sig:    sig,
		local:  localHandle,
		remote: remoteHandle,
		state:  StateIdle,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Established reports whether at least one round has completed.
func (n *Negotiator) Established() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.established
}

// transition is the single place negotiation state changes.
func (n *Negotiator) transition(to State, reason string) {
	n.log.Debug("negotiation state change", "from", n.state, "to", to, "reason", reason)
	n.state = to
}

// AddTrack attaches a local track and starts (or queues) the round that
// announces it to the peer.
func (n *Negotiator) AddTrack(ctx context.Context, t Track) error {
	if err := n.engine.AddTrack(t); err != nil {
		return fmt.Errorf("add track %s: %w", t.ID(), err)
	}
	n.log.Debug("local track attached", "track", t.ID(), "kind", t.Kind())
	return n.RequestOffer(ctx)
}

// RequestOffer starts a new round now, or marks the session dirty so one
// starts as soon as the in-flight round settles. Repeated calls while a
// round is in flight coalesce into a single follow-up round.
func (n *Negotiator) RequestOffer(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateIdle, StateStable:
		return n.startRoundLocked(ctx, "local change")
	default:
		n.dirty = true
		n.log.Debug("round in flight, queueing follow-up", "state", n.state)
		return nil
	}
}

func (n *Negotiator) startRoundLocked(ctx context.Context, reason string) error {
	prev := n.state
	n.transition(StateOfferSent, reason)

	offer, err := n.engine.CreateOffer(ctx)
	if err != nil {
		n.transition(prev, "offer creation failed")
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.sig.SendOffer(n.remote, offer, n.established); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleOffer answers a remote offer. On glare (a local offer already in
// flight) the lexicographically lower handle wins: the winner returns
// ErrGlareDiscarded and keeps waiting for its answer; the loser abandons its
// round, answers the winner, and retries its own changes afterwards.
func (n *Negotiator) HandleOffer(ctx context.Context, d signal.Description, renegotiation bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateOfferSent:
		if n.local < n.remote {
			n.log.Debug("glare: won tie-break, discarding remote offer")
			return ErrGlareDiscarded
		}
		n.log.Debug("glare: lost tie-break, abandoning local round")
		n.dirty = true
	case StateAnswerPending:
		return fmt.Errorf("negotiator: offer received while answering (state %s)", n.state)
	}

	prev := n.state
	n.transition(StateAnswerPending, "remote offer")
	answer, err := n.engine.CreateAnswer(ctx, d)
	if err != nil {
		n.transition(prev, "answer creation failed")
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.sig.SendAnswer(n.remote, answer, renegotiation); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	n.transition(StateStable, "answer sent")
	n.established = true
	return n.retryDirtyLocked(ctx)
}

// HandleAnswer completes a locally initiated round. A duplicate of the last
// applied answer is a no-op; any other answer outside an in-flight round is
// ErrUnexpectedAnswer.
func (n *Negotiator) HandleAnswer(ctx context.Context, d signal.Description) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if d.SDP == n.lastAnswer && n.lastAnswer != "" {
		n.log.Debug("duplicate answer ignored")
		return nil
	}
	if n.state != StateOfferSent {
		return fmt.Errorf("%w (state %s)", ErrUnexpectedAnswer, n.state)
	}

	if err := n.engine.ApplyAnswer(ctx, d); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	n.lastAnswer = d.SDP
	n.transition(StateStable, "answer applied")
	n.established = true
	return n.retryDirtyLocked(ctx)
}

func (n *Negotiator) retryDirtyLocked(ctx context.Context) error {
	if !n.dirty {
		return nil
	}
	n.dirty = false
	return n.startRoundLocked(ctx, "coalesced changes")
}

// Close releases the underlying engine.
func (n *Negotiator) Close() error {
	return n.engine.Close()
}
