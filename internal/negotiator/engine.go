package negotiator

import (
	"context"

	"github.com/taskflow/callkit/internal/signal"
)

// Track is a media source or sink attached to an engine. Implementations
// expose whatever richer surface they have; the negotiator only needs
// identity for logging.
type Track interface {
	ID() string
	Kind() string
}

// Engine abstracts the underlying peer connection. The negotiator drives it
// strictly through the offer/answer cycle; the engine owns description
// application order, including rolling back a pending local offer when a
// remote offer must be applied over it.
type Engine interface {
	// CreateOffer produces a fresh offer covering the engine's current
	// local tracks and applies it as the local description.
	CreateOffer(ctx context.Context) (signal.Description, error)

	// CreateAnswer applies the remote offer (rolling back any pending local
	// offer first) and produces and applies the local answer.
	CreateAnswer(ctx context.Context, offer signal.Description) (signal.Description, error)

	// ApplyAnswer applies the remote answer that completes a locally
	// initiated round.
	ApplyAnswer(ctx context.Context, answer signal.Description) error

	// AddTrack attaches a local track. The change is not visible to the
	// peer until the next offer/answer round.
	AddTrack(t Track) error

	// OnTrack registers the handler for remote tracks. Must be called
	// before the first round.
	OnTrack(fn func(Track))

	// OnNegotiationNeeded registers the handler invoked when a local change
	// requires a new round.
	OnNegotiationNeeded(fn func())

	Close() error
}

// Signaler ships descriptions to the remote peer. *roomclient.Client
// satisfies it.
type Signaler interface {
	SendOffer(to string, d signal.Description, renegotiation bool) error
	SendAnswer(to string, d signal.Description, renegotiation bool) error
}
