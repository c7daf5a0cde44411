package relay

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/taskflow/callkit/internal/auth"
	"github.com/taskflow/callkit/internal/metrics"
	"github.com/taskflow/callkit/internal/ratelimit"
	"github.com/taskflow/callkit/internal/signal"
)

const writeWait = 10 * time.Second

// frame is a queued outbound websocket frame. A nil data slice marks a close
// frame; the write pump exits after sending it, which keeps any error
// envelope queued before it ordered ahead of the close.
type frame struct {
	data      []byte
	closeCode int
	closeText string
}

// Participant is one signaling connection: an opaque handle, the room it
// joined (at most one per connection) and the display identity supplied at
// join time.
//
// roomID and identity are written under the hub lock; readers outside the
// hub's own methods must use currentRoom.
type Participant struct {
	hub     *Hub
	conn    *websocket.Conn
	handle  string
	query   url.Values
	limiter *ratelimit.TokenBucket

	roomID   string
	identity string

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func newParticipant(h *Hub, conn *websocket.Conn, r *http.Request) *Participant {
	mps := int64(h.cfg.MaxSignalingMessagesPerSecond)
	return &Participant{
		hub:     h,
		conn:    conn,
		handle:  uuid.NewString(),
		query:   r.URL.Query(),
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{}, mps, mps),
		send:    make(chan frame, h.cfg.SignalingSendQueueMessages),
		done:    make(chan struct{}),
	}
}

func (p *Participant) currentRoom() string {
	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()
	return p.roomID
}

// readPump processes the connection's inbound messages in arrival order. It
// runs on the HTTP handler goroutine and is the only reader.
func (p *Participant) readPump() {
	defer func() {
		p.hub.disconnect(p)
		p.close()
	}()

	cfg := p.hub.cfg
	p.conn.SetReadLimit(cfg.MaxSignalingMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
	})

	authenticated := p.hub.verifier == nil
	if !authenticated {
		cred, err := auth.CredentialFromQuery(cfg.AuthMode, p.query)
		switch {
		case err == nil:
			if p.hub.verifier.Verify(cred) != nil {
				p.hub.metrics.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "invalid credentials")
				return
			}
			authenticated = true
		case !errors.Is(err, auth.ErrMissingCredentials):
			p.fail("unauthorized", "invalid auth configuration")
			return
		default:
			// Wait for an auth envelope, but not forever.
			_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingAuthTimeout))
		}
	}

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if !authenticated && isTimeout(err) {
				p.hub.metrics.Inc(metrics.AuthFailure)
				p.sendClose(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if !p.limiter.Allow(1) {
			p.hub.metrics.Inc(metrics.DropReasonRateLimited)
			p.fail("rate_limited", "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.fail("bad_message", "expected text message")
			return
		}

		env, err := signal.Parse(data)
		if err != nil {
			p.hub.metrics.Inc(metrics.DropReasonBadMessage)
			p.fail("bad_message", err.Error())
			return
		}

		if !authenticated {
			if env.Type != signal.TypeAuth {
				p.hub.metrics.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "authentication required")
				return
			}
			cred, err := auth.CredentialFromEnvelope(cfg.AuthMode, env)
			if err != nil {
				p.hub.metrics.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "missing credentials")
				return
			}
			if p.hub.verifier.Verify(cred) != nil {
				p.hub.metrics.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "invalid credentials")
				return
			}
			authenticated = true
			_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
			continue
		}

		switch env.Type {
		case signal.TypeAuth:
			// Tolerated: clients may send an auth envelope even when already
			// authenticated (query-string fallback or AUTH_MODE=none).
		case signal.TypeJoin:
			p.hub.join(p, env.Room, env.Identity)
		default:
			// signal.Parse only admits the addressed description types here.
			if p.currentRoom() == "" {
				p.fail("not_joined", "join a room before signaling")
				return
			}
			p.hub.route(p, env)
		}
	}
}

// writePump is the connection's only writer. It drains the send queue, pings
// on the configured interval, and exits after emitting a queued close frame.
func (p *Participant) writePump() {
	ticker := time.NewTicker(p.hub.cfg.SignalingWSPingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case f := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if f.data == nil {
				_ = p.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(f.closeCode, f.closeText), time.Now().Add(writeWait))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Participant) sendEnvelope(env signal.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	p.trySend(data)
}

// trySend enqueues a frame without blocking. A slow consumer loses messages
// rather than stalling the sender: delivery here is best effort.
func (p *Participant) trySend(data []byte) bool {
	select {
	case p.send <- frame{data: data}:
		return true
	default:
		p.hub.metrics.Inc(metrics.DropReasonSendQueueFull)
		return false
	}
}

// fail reports a protocol error to the client and schedules the connection
// close behind it.
func (p *Participant) fail(code, message string) {
	p.sendEnvelope(signal.Envelope{Type: signal.TypeError, Code: code, Message: message})
	p.sendClose(websocket.ClosePolicyViolation, code)
}

func (p *Participant) sendClose(code int, reason string) {
	select {
	case p.send <- frame{closeCode: code, closeText: reason}:
	default:
		p.close()
	}
}

func (p *Participant) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
