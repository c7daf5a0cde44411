package roomclient

import "github.com/taskflow/callkit/internal/signal"

// Event is a relay-originated occurrence on the signaling connection.
// Disconnected is always the final event before the channel closes.
type Event interface {
	event()
}

// RoomJoined acknowledges a Join. Peers lists the members that were already
// in the room; Initiator reports whether this connection holds the caller
// role for peers that arrive later.
type RoomJoined struct {
	Room      string
	Self      string
	Initiator bool
	Peers     []signal.Peer
}

// PeerJoined reports a new room member. Only members that were already in the
// room receive it.
type PeerJoined struct {
	Peer signal.Peer
}

// PeerLeft reports that a member's signaling connection went away.
// Initiator reports whether this connection now holds the caller role.
type PeerLeft struct {
	Peer      signal.Peer
	Initiator bool
}

// OfferReceived carries a peer's offer-role description. Renegotiation marks
// rounds on an already-established session.
type OfferReceived struct {
	From          string
	Description   signal.Description
	Renegotiation bool
}

// AnswerReceived carries a peer's answer-role description.
type AnswerReceived struct {
	From          string
	Description   signal.Description
	Renegotiation bool
}

// ErrorReceived is a relay protocol error. The relay closes the connection
// after sending one; a Disconnected event follows.
type ErrorReceived struct {
	Code    string
	Message string
}

// Disconnected reports the end of the connection. Err is nil when the client
// itself called Close.
type Disconnected struct {
	Err error
}

func (RoomJoined) event()     {}
func (PeerJoined) event()     {}
func (PeerLeft) event()       {}
func (OfferReceived) event()  {}
func (AnswerReceived) event() {}
func (ErrorReceived) event()  {}
func (Disconnected) event()   {}
