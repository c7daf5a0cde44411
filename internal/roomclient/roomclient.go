// Package roomclient is the client side of the signaling relay protocol: it
// dials the relay, joins a room, and surfaces the relay's envelopes as typed
// events on a channel.
//
// The client carries no negotiation state. It is the transport leg that the
// session negotiator and call controller sit on top of.
package roomclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskflow/callkit/internal/signal"
)

const (
	defaultPingInterval = 20 * time.Second
	writeWait           = 10 * time.Second
	eventBuffer         = 32
)

var ErrClosed = errors.New("roomclient: connection closed")

// Options configures a relay connection. Credentials are passed as query
// parameters on the dial URL; leave both empty when the relay runs without
// authentication.
type Options struct {
	APIKey string
	Token  string

	// PingInterval defaults to 20s. The relay pings too; client pings keep
	// NAT bindings warm on long-idle calls.
	PingInterval time.Duration

	Logger *slog.Logger
}

// Client is a single connection to the signaling relay. Not safe for
// concurrent Join calls; Send* methods may be called from any goroutine.
//
// The caller must drain Events: the read loop blocks once the event buffer
// fills, and a blocked read loop eventually misses relay pings and gets
// disconnected.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	joinMu sync.Mutex
	joined bool
}

// Dial connects to the relay at wsURL (a ws:// or wss:// endpoint).
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	if opts.APIKey != "" {
		q.Set("apiKey", opts.APIKey)
	}
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		log:    logger,
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	interval := opts.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	go c.pingLoop(interval)
	go c.readPump()
	return c, nil
}

// Events returns the stream of relay events. It is closed after a
// Disconnected event, which is always the final event.
func (c *Client) Events() <-chan Event { return c.events }

// Join registers this connection in the named room. Allowed once per
// connection; the result arrives as a RoomJoined event.
func (c *Client) Join(room, identity string) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	if c.joined {
		return errors.New("roomclient: join already performed")
	}
	if err := c.send(signal.Envelope{Type: signal.TypeJoin, Room: room, Identity: identity}); err != nil {
		return err
	}
	c.joined = true
	return nil
}

// SendOffer ships an offer-role description to the addressed peer.
func (c *Client) SendOffer(to string, d signal.Description, renegotiation bool) error {
	t := signal.TypeCallOffer
	if renegotiation {
		t = signal.TypeRenegotiationOffer
	}
	env, err := signal.NewDescriptionEnvelope(t, to, d)
	if err != nil {
		return err
	}
	return c.send(env)
}

// SendAnswer ships an answer-role description to the addressed peer.
func (c *Client) SendAnswer(to string, d signal.Description, renegotiation bool) error {
	t := signal.TypeCallAnswer
	if renegotiation {
		t = signal.TypeRenegotiationAnswer
	}
	env, err := signal.NewDescriptionEnvelope(t, to, d)
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) send(env signal.Envelope) error {
	if c.isDone() {
		return ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s envelope: %w", env.Type, err)
	}
	return nil
}

func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isDone() {
				err = nil // deliberate close, not a failure
			}
			c.events <- Disconnected{Err: err}
			_ = c.Close()
			return
		}

		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping undecodable relay message", "err", err)
			continue
		}
		ev, err := eventFromEnvelope(env)
		if err != nil {
			c.log.Warn("dropping unexpected relay envelope", "type", env.Type, "err", err)
			continue
		}
		c.events <- ev
	}
}

func eventFromEnvelope(env signal.Envelope) (Event, error) {
	switch env.Type {
	case signal.TypeRoomJoined:
		return RoomJoined{
			Room:      env.Room,
			Self:      env.Self,
			Initiator: env.Initiator,
			Peers:     env.Peers,
		}, nil
	case signal.TypePeerJoined:
		if env.Peer == nil {
			return nil, errors.New("peer-joined envelope missing peer")
		}
		return PeerJoined{Peer: *env.Peer}, nil
	case signal.TypePeerLeft:
		if env.Peer == nil {
			return nil, errors.New("peer-left envelope missing peer")
		}
		return PeerLeft{Peer: *env.Peer, Initiator: env.Initiator}, nil
	case signal.TypeCallOffer, signal.TypeRenegotiationOffer:
		d, err := env.Description()
		if err != nil {
			return nil, err
		}
		return OfferReceived{From: env.From, Description: d, Renegotiation: env.Type.IsRenegotiation()}, nil
	case signal.TypeCallAnswer, signal.TypeRenegotiationAnswer:
		d, err := env.Description()
		if err != nil {
			return nil, err
		}
		return AnswerReceived{From: env.From, Description: d, Renegotiation: env.Type.IsRenegotiation()}, nil
	case signal.TypeError:
		return ErrorReceived{Code: env.Code, Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
}
