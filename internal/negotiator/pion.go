package negotiator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/taskflow/callkit/internal/signal"
)

// PionEngine implements Engine on a pion PeerConnection. Descriptions are
// exchanged non-trickle: each CreateOffer/CreateAnswer waits for ICE
// gathering to complete so the emitted description carries all candidates
// and no separate candidate signaling is needed.
type PionEngine struct {
	pc *webrtc.PeerConnection
}

func NewPionEngine(cfg webrtc.Configuration, logger *slog.Logger) (*PionEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{
		LoggerFactory: &slogLoggerFactory{log: logger},
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionEngine{pc: pc}, nil
}

// PeerConnection exposes the underlying connection for callers that need
// surfaces the Engine interface does not cover (stats, data channels).
func (e *PionEngine) PeerConnection() *webrtc.PeerConnection { return e.pc }

func (e *PionEngine) CreateOffer(ctx context.Context) (signal.Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return signal.Description{}, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return signal.Description{}, ctx.Err()
	}
	return signal.DescriptionFromPion(*e.pc.LocalDescription()), nil
}

func (e *PionEngine) CreateAnswer(ctx context.Context, offer signal.Description) (signal.Description, error) {
	remote, err := offer.ToPion()
	if err != nil {
		return signal.Description{}, err
	}
	// A pending local offer means we lost a glare tie-break; roll it back
	// before applying the peer's offer.
	if e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := e.pc.SetLocalDescription(rollback); err != nil {
			return signal.Description{}, fmt.Errorf("rollback local offer: %w", err)
		}
	}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return signal.Description{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return signal.Description{}, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return signal.Description{}, ctx.Err()
	}
	return signal.DescriptionFromPion(*e.pc.LocalDescription()), nil
}

func (e *PionEngine) ApplyAnswer(_ context.Context, answer signal.Description) error {
	remote, err := answer.ToPion()
	if err != nil {
		return err
	}
	return e.pc.SetRemoteDescription(remote)
}

func (e *PionEngine) AddTrack(t Track) error {
	lt, ok := t.(LocalTrack)
	if !ok {
		return fmt.Errorf("pion engine cannot attach track of type %T", t)
	}
	_, err := e.pc.AddTrack(lt.TrackLocal)
	return err
}

func (e *PionEngine) OnTrack(fn func(Track)) {
	e.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{Track: tr})
	})
}

func (e *PionEngine) OnNegotiationNeeded(fn func()) {
	e.pc.OnNegotiationNeeded(fn)
}

func (e *PionEngine) Close() error {
	return e.pc.Close()
}

// LocalTrack adapts a pion local track to the Engine track surface.
type LocalTrack struct {
	TrackLocal webrtc.TrackLocal
}

func (t LocalTrack) ID() string   { return t.TrackLocal.ID() }
func (t LocalTrack) Kind() string { return t.TrackLocal.Kind().String() }

// RemoteTrack adapts an inbound pion track.
type RemoteTrack struct {
	Track *webrtc.TrackRemote
}

func (t RemoteTrack) ID() string   { return t.Track.ID() }
func (t RemoteTrack) Kind() string { return t.Track.Kind().String() }

// slogLoggerFactory routes pion's internal logging onto the process logger.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveled{log: f.log.With("scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l *slogLeveled) Trace(msg string)                  { l.log.Debug(msg) }
func (l *slogLeveled) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Debug(msg string)                  { l.log.Debug(msg) }
func (l *slogLeveled) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Info(msg string)                   { l.log.Info(msg) }
func (l *slogLeveled) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Warn(msg string)                   { l.log.Warn(msg) }
func (l *slogLeveled) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLeveled) Error(msg string)                  { l.log.Error(msg) }
func (l *slogLeveled) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
