package call

import (
	"context"

	"github.com/taskflow/callkit/internal/negotiator"
)

// Capture produces the local media stream for a call. Acquisition can fail
// (no device, permission denied); the controller surfaces that before any
// signaling reaches the partner.
type Capture interface {
	Acquire(ctx context.Context) (MediaStream, error)
}

// MediaStream is an acquired set of local tracks. Close releases the
// underlying devices; the controller calls it on every path into StateEnded.
type MediaStream interface {
	Tracks() []negotiator.Track
	Close() error
}
