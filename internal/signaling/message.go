// Package signaling defines the session messages exchanged with the relay and
// runs the sender- and receiver-side negotiation flows over them.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/posecast/internal/config"
)

// Kind identifies which of the session message shapes an envelope carries.
type Kind int

const (
	KindInvalid Kind = iota
	KindIdentity
	KindOffer
	KindAnswer
	KindCandidate
	KindPeerLeft
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "candidate"
	case KindPeerLeft:
		return "peerleft"
	default:
		return "invalid"
	}
}

// ErrMalformedMessage is returned by Parse for envelopes that match none of
// the known shapes.
var ErrMalformedMessage = errors.New("malformed session message")

// envelope is the JSON wire shape. Exactly one kind-defining field is set.
type envelope struct {
	IdentifiedAs *int            `json:"identifiedas,omitempty"`
	Role         config.Role     `json:"role,omitempty"`
	Identifier   *int            `json:"identifier,omitempty"`
	SDPOffer     json.RawMessage `json:"sdpoffer,omitempty"`
	SDPResponse  json.RawMessage `json:"sdpresponse,omitempty"`
	ICECandidate json.RawMessage `json:"icecandidate,omitempty"`
	PeerLeft     *int            `json:"peerleft,omitempty"`
}

// Message is a parsed session message.
//
// Identity holds the assigned identity for KindIdentity and the departed
// sender for KindPeerLeft. Identifier names the sender a negotiation message
// concerns. Payload is the SDP object or ICE candidate exactly as received;
// a null candidate (end of gathering) is kept as the literal "null".
type Message struct {
	Kind       Kind
	Identity   int
	Role       config.Role
	Identifier int
	Payload    json.RawMessage
}

// Parse classifies a raw envelope. Only routing fields are interpreted; the
// payload is retained verbatim.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var kinds []Kind
	if env.IdentifiedAs != nil {
		kinds = append(kinds, KindIdentity)
	}
	if env.PeerLeft != nil {
		kinds = append(kinds, KindPeerLeft)
	}
	if env.SDPOffer != nil {
		kinds = append(kinds, KindOffer)
	}
	if env.SDPResponse != nil {
		kinds = append(kinds, KindAnswer)
	}
	if env.ICECandidate != nil {
		kinds = append(kinds, KindCandidate)
	}

	if len(kinds) != 1 {
		return Message{}, fmt.Errorf("%w: expected exactly one message field, found %d", ErrMalformedMessage, len(kinds))
	}

	msg := Message{Kind: kinds[0]}
	switch msg.Kind {
	case KindIdentity:
		msg.Identity = *env.IdentifiedAs
		msg.Role = env.Role
		return msg, nil
	case KindPeerLeft:
		msg.Identity = *env.PeerLeft
		return msg, nil
	}

	if env.Identifier == nil {
		return Message{}, fmt.Errorf("%w: %s without identifier", ErrMalformedMessage, msg.Kind)
	}
	msg.Identifier = *env.Identifier

	switch msg.Kind {
	case KindOffer:
		msg.Payload = env.SDPOffer
	case KindAnswer:
		msg.Payload = env.SDPResponse
	case KindCandidate:
		msg.Payload = env.ICECandidate
	}
	if msg.Kind != KindCandidate && isNull(msg.Payload) {
		return Message{}, fmt.Errorf("%w: %s with null payload", ErrMalformedMessage, msg.Kind)
	}
	return msg, nil
}

// Marshal encodes the message in its wire shape.
func (m Message) Marshal() ([]byte, error) {
	var env envelope
	switch m.Kind {
	case KindIdentity:
		id := m.Identity
		env.IdentifiedAs = &id
		env.Role = m.Role
	case KindPeerLeft:
		id := m.Identity
		env.PeerLeft = &id
	case KindOffer, KindAnswer, KindCandidate:
		id := m.Identifier
		env.Identifier = &id
		payload := m.Payload
		if payload == nil {
			payload = json.RawMessage("null")
		}
		switch m.Kind {
		case KindOffer:
			env.SDPOffer = payload
		case KindAnswer:
			env.SDPResponse = payload
		default:
			env.ICECandidate = payload
		}
	default:
		return nil, fmt.Errorf("cannot marshal %s message", m.Kind)
	}
	return json.Marshal(env)
}

// SessionDescription decodes the SDP payload of an offer or answer.
func (m Message) SessionDescription() (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if m.Kind != KindOffer && m.Kind != KindAnswer {
		return sdp, fmt.Errorf("%s message carries no SDP", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, &sdp); err != nil {
		return sdp, fmt.Errorf("failed to decode SDP: %w", err)
	}
	return sdp, nil
}

// ICECandidate decodes the candidate payload. A nil result with a nil error
// marks the end of candidate gathering.
func (m Message) ICECandidate() (*webrtc.ICECandidateInit, error) {
	if m.Kind != KindCandidate {
		return nil, fmt.Errorf("%s message carries no candidate", m.Kind)
	}
	if isNull(m.Payload) {
		return nil, nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Payload, &init); err != nil {
		return nil, fmt.Errorf("failed to decode ICE candidate: %w", err)
	}
	return &init, nil
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// IdentityAssignment builds the notice the relay sends on connect.
func IdentityAssignment(identity int, role config.Role) Message {
	return Message{Kind: KindIdentity, Identity: identity, Role: role}
}

// PeerLeftNotice builds the departure notice sent to the receiver.
func PeerLeftNotice(identity int) Message {
	return Message{Kind: KindPeerLeft, Identity: identity}
}

// Offer builds an SDP offer message for the given sender identity.
func Offer(identifier int, sdp webrtc.SessionDescription) (Message, error) {
	return sdpMessage(KindOffer, identifier, sdp)
}

// Answer builds an SDP answer message addressed to the given sender.
func Answer(identifier int, sdp webrtc.SessionDescription) (Message, error) {
	return sdpMessage(KindAnswer, identifier, sdp)
}

// Candidate builds an ICE candidate message. A nil candidate signals the end
// of gathering.
func Candidate(identifier int, c *webrtc.ICECandidateInit) (Message, error) {
	msg := Message{Kind: KindCandidate, Identifier: identifier, Payload: json.RawMessage("null")}
	if c != nil {
		data, err := json.Marshal(c)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = data
	}
	return msg, nil
}

func sdpMessage(kind Kind, identifier int, sdp webrtc.SessionDescription) (Message, error) {
	data, err := json.Marshal(sdp)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Identifier: identifier, Payload: data}, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
