// Package signal defines the wire protocol spoken between call participants
// and the signaling relay.
//
// The relay routes envelopes by their addressing fields only. Session
// description payloads are carried as raw JSON and are never interpreted by
// the relay, which keeps the relay independent of the negotiation protocol
// version used by clients.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	// TypeAuth carries credentials when the relay requires authentication and
	// none were supplied out of band (e.g. via query parameters).
	TypeAuth Type = "auth"

	// TypeJoin registers the sending connection as a participant of a room.
	// Allowed exactly once per connection.
	TypeJoin Type = "join"

	// TypeRoomJoined acknowledges a join. It tells the joiner its own
	// connection handle, whether it holds the initiator role, and which peers
	// already occupy the room.
	TypeRoomJoined Type = "room-joined"

	// TypePeerJoined notifies existing room members that a new peer arrived.
	// The joiner itself does not receive it; it learns about existing peers
	// from the room-joined acknowledgement instead.
	TypePeerJoined Type = "peer-joined"

	// TypePeerLeft notifies remaining room members that a peer's connection
	// went away. Its Initiator flag marks the member that inherits the
	// caller role.
	TypePeerLeft Type = "peer-left"

	TypeCallOffer           Type = "call-offer"
	TypeCallAnswer          Type = "call-answer"
	TypeRenegotiationOffer  Type = "renegotiation-offer"
	TypeRenegotiationAnswer Type = "renegotiation-answer"

	TypeError Type = "error"
)

// Peer identifies a room member: an opaque connection handle plus the display
// identity supplied at join time (unvalidated).
type Peer struct {
	Handle   string `json:"handle"`
	Identity string `json:"identity"`
}

// Envelope is the single message shape carried over a signaling connection.
//
// SDP stays a json.RawMessage so the relay can forward it verbatim; clients
// decode it with Envelope.Description.
type Envelope struct {
	Type Type `json:"type"`

	// join fields (client -> relay).
	Room     string `json:"room,omitempty"`
	Identity string `json:"identity,omitempty"`

	// Addressing. To is set by the sender, From is stamped by the relay.
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	// room-joined fields (relay -> client). Initiator also rides peer-left
	// envelopes, where it tells the recipient it now holds the caller role.
	Self      string `json:"self,omitempty"`
	Initiator bool   `json:"initiator,omitempty"`
	Peers     []Peer `json:"peers,omitempty"`

	// peer-joined / peer-left payload (relay -> client).
	Peer *Peer `json:"peer,omitempty"`

	// Opaque session description for the offer/answer message types.
	SDP json.RawMessage `json:"sdp,omitempty"`

	// auth credentials (client -> relay).
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	// error fields (relay -> client).
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Description is a session description blob plus its role tag. It is immutable
// once created; every negotiation round produces a fresh value.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	RoleOffer  = "offer"
	RoleAnswer = "answer"
)

func DescriptionFromPion(desc webrtc.SessionDescription) Description {
	return Description{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (d Description) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case RoleOffer:
		t = webrtc.SDPTypeOffer
	case RoleAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// IsOffer reports whether the envelope type carries an offer-role description.
func (t Type) IsOffer() bool {
	return t == TypeCallOffer || t == TypeRenegotiationOffer
}

// IsAnswer reports whether the envelope type carries an answer-role description.
func (t Type) IsAnswer() bool {
	return t == TypeCallAnswer || t == TypeRenegotiationAnswer
}

// IsRenegotiation reports whether the envelope belongs to a renegotiation
// round of an already-established session.
func (t Type) IsRenegotiation() bool {
	return t == TypeRenegotiationOffer || t == TypeRenegotiationAnswer
}

// Description decodes the envelope's raw SDP payload and checks its role tag
// against the envelope type.
func (e Envelope) Description() (Description, error) {
	if len(e.SDP) == 0 {
		return Description{}, fmt.Errorf("%s envelope missing sdp", e.Type)
	}
	var d Description
	if err := json.Unmarshal(e.SDP, &d); err != nil {
		return Description{}, fmt.Errorf("decode sdp payload: %w", err)
	}
	switch {
	case e.Type.IsOffer() && d.Type != RoleOffer:
		return Description{}, fmt.Errorf("%s envelope carries sdp.type=%q", e.Type, d.Type)
	case e.Type.IsAnswer() && d.Type != RoleAnswer:
		return Description{}, fmt.Errorf("%s envelope carries sdp.type=%q", e.Type, d.Type)
	}
	return d, nil
}

// NewDescriptionEnvelope builds an addressed offer/answer envelope for the
// given message type.
func NewDescriptionEnvelope(t Type, to string, d Description) (Envelope, error) {
	if !t.IsOffer() && !t.IsAnswer() {
		return Envelope{}, fmt.Errorf("type %q does not carry a description", t)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode sdp payload: %w", err)
	}
	return Envelope{Type: t, To: to, SDP: raw}, nil
}

// Parse decodes and validates a client-originated envelope.
//
// Parsing is strict: unknown fields and trailing data are rejected so wire
// mistakes surface immediately instead of being silently ignored.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, err
	}
	if err := e.ValidateClientOrigin(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return e, nil
}

// ValidateClientOrigin checks an envelope that arrived at the relay from a
// client connection. Server-originated types (room-joined, peer-joined,
// peer-left, error) are rejected here.
func (e Envelope) ValidateClientOrigin() error {
	switch e.Type {
	case TypeAuth:
		if e.APIKey == "" && e.Token == "" {
			return fmt.Errorf("auth envelope missing apiKey/token")
		}
		if e.Room != "" || e.Identity != "" || e.To != "" || len(e.SDP) != 0 {
			return fmt.Errorf("auth envelope has unexpected fields")
		}
	case TypeJoin:
		if e.Room == "" {
			return fmt.Errorf("join envelope missing room")
		}
		if e.Identity == "" {
			return fmt.Errorf("join envelope missing identity")
		}
		if e.To != "" || len(e.SDP) != 0 || e.APIKey != "" || e.Token != "" {
			return fmt.Errorf("join envelope has unexpected fields")
		}
	case TypeCallOffer, TypeCallAnswer, TypeRenegotiationOffer, TypeRenegotiationAnswer:
		if e.To == "" {
			return fmt.Errorf("%s envelope missing to", e.Type)
		}
		if len(e.SDP) == 0 {
			return fmt.Errorf("%s envelope missing sdp", e.Type)
		}
		if e.From != "" {
			return fmt.Errorf("%s envelope must not set from", e.Type)
		}
		if e.Room != "" || e.Identity != "" || e.APIKey != "" || e.Token != "" {
			return fmt.Errorf("%s envelope has unexpected fields", e.Type)
		}
	case TypeRoomJoined, TypePeerJoined, TypePeerLeft, TypeError:
		return fmt.Errorf("%s envelope is not client-originated", e.Type)
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.Self != "" || e.Initiator || len(e.Peers) != 0 || e.Peer != nil || e.Code != "" || e.Message != "" {
		return fmt.Errorf("%s envelope has unexpected fields", e.Type)
	}
	return nil
}
