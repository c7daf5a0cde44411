// Package relay implements the signaling relay: it rooms participants by a
// room identifier and routes typed signaling envelopes between the
// participants sharing a room.
//
// The relay holds no call state. Room and participant records live for the
// server process (or until the last member leaves); session description
// payloads pass through verbatim and are never inspected.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/taskflow/callkit/internal/auth"
	"github.com/taskflow/callkit/internal/config"
	"github.com/taskflow/callkit/internal/metrics"
	"github.com/taskflow/callkit/internal/signal"
)

// Hub owns the room membership and participant index.
//
// Membership mutations (join, disconnect) take the write lock; the message
// routing path only takes a read lock on the participant index, so one room's
// traffic never serializes behind another room's joins.
type Hub struct {
	log      *slog.Logger
	cfg      config.Config
	metrics  *metrics.Metrics
	verifier auth.Verifier
	upgrader websocket.Upgrader

	mu           sync.RWMutex
	rooms        map[string]*Room
	participants map[string]*Participant
	closed       bool
}

func NewHub(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*Hub, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	return &Hub{
		log:      logger,
		cfg:      cfg,
		metrics:  m,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the httpserver origin middleware. For
			// unit tests that dial the hub directly, accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},

		rooms:        make(map[string]*Room),
		participants: make(map[string]*Participant),
	}, nil
}

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// ServeHTTP upgrades the connection and runs the participant's read loop on
// the handler goroutine.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := newParticipant(h, conn, r)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.participants[p.handle] = p
	h.mu.Unlock()

	go p.writePump()
	p.readPump()
}

// Close tears down every active connection. In-flight messages are dropped;
// the relay makes no delivery guarantees during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	participants := make([]*Participant, 0, len(h.participants))
	for _, p := range h.participants {
		participants = append(participants, p)
	}
	h.mu.Unlock()

	for _, p := range participants {
		p.close()
	}
}

// join adds p to the named room, acks the joiner, and notifies existing
// members. The membership mutation and the snapshot of existing members are
// atomic, so two near-simultaneous joiners each learn about the other exactly
// once: the earlier one via peer-joined, the later one via its room-joined ack.
func (h *Hub) join(p *Participant, roomID, identity string) {
	h.mu.Lock()
	if p.roomID != "" {
		h.mu.Unlock()
		p.fail("already_joined", "join already performed on this connection")
		return
	}

	room := h.rooms[roomID]
	if room == nil {
		room = &Room{ID: roomID}
		h.rooms[roomID] = room
		h.metrics.Inc(metrics.EventRoomCreated)
	}

	existing := make([]*Participant, len(room.members))
	copy(existing, room.members)

	room.members = append(room.members, p)
	p.roomID = roomID
	p.identity = identity
	h.mu.Unlock()

	h.metrics.Inc(metrics.EventJoin)
	h.log.Debug("participant joined room",
		"room", roomID, "handle", p.handle, "identity", identity, "occupancy", len(existing)+1)

	peers := make([]signal.Peer, 0, len(existing))
	for _, m := range existing {
		peers = append(peers, signal.Peer{Handle: m.handle, Identity: m.identity})
	}
	p.sendEnvelope(signal.Envelope{
		Type:      signal.TypeRoomJoined,
		Room:      roomID,
		Self:      p.handle,
		Initiator: len(existing) == 0,
		Peers:     peers,
	})

	joined := &signal.Peer{Handle: p.handle, Identity: identity}
	for _, m := range existing {
		m.sendEnvelope(signal.Envelope{Type: signal.TypePeerJoined, Peer: joined})
		h.metrics.Inc(metrics.EventPeerJoined)
	}
}

// route forwards an addressed envelope to its target connection, stamping the
// sender's handle. Delivery is best effort: if the target is gone (or in a
// different room) the message is dropped silently and only counted.
func (h *Hub) route(p *Participant, env signal.Envelope) {
	h.mu.RLock()
	target := h.participants[env.To]
	if target != nil && (target.roomID == "" || target.roomID != p.roomID) {
		target = nil
	}
	h.mu.RUnlock()

	if target == nil {
		h.metrics.Inc(metrics.DropReasonTargetGone)
		h.log.Debug("dropping envelope for unreachable target", "type", env.Type, "to", env.To)
		return
	}

	env.From = p.handle
	data, err := json.Marshal(env)
	if err != nil {
		h.metrics.Inc(metrics.DropReasonBadMessage)
		return
	}
	if target.trySend(data) {
		h.metrics.Inc(metrics.EventRelayed)
	}
}

// disconnect removes p from the hub and its room, destroying the room when it
// empties and otherwise notifying the remaining members that the peer left.
func (h *Hub) disconnect(p *Participant) {
	h.mu.Lock()
	if _, ok := h.participants[p.handle]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.participants, p.handle)

	var remaining []*Participant
	var newInitiator string
	if p.roomID != "" {
		if room := h.rooms[p.roomID]; room != nil {
			room.remove(p)
			if len(room.members) == 0 {
				delete(h.rooms, p.roomID)
				h.metrics.Inc(metrics.EventRoomDestroyed)
			} else {
				remaining = make([]*Participant, len(room.members))
				copy(remaining, room.members)
				newInitiator = room.Initiator()
			}
		}
	}
	h.mu.Unlock()

	// Each survivor learns whether the departure handed it the initiator
	// role, so the longest-standing member can pick up call setup.
	left := &signal.Peer{Handle: p.handle, Identity: p.identity}
	for _, m := range remaining {
		m.sendEnvelope(signal.Envelope{
			Type:      signal.TypePeerLeft,
			Peer:      left,
			Initiator: m.handle == newInitiator,
		})
		h.metrics.Inc(metrics.EventPeerLeft)
	}
}

// roomOccupancy reports the current member count of a room. Test helper.
func (h *Hub) roomOccupancy(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[roomID]
	if room == nil {
		return 0
	}
	return len(room.members)
}
