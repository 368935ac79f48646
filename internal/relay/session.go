// Package relay implements the signaling relay: it assigns identities and
// roles to WebSocket connections and forwards session messages between the
// senders and the single receiver.
package relay

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/signaling"
	"github.com/1ureka/posecast/internal/util"
)

// ReceiverIdentity is the identity that takes the receiver slot under the
// fixed policy.
const ReceiverIdentity = 1

// DefaultOutboxSize is the per-peer outgoing message buffer.
const DefaultOutboxSize = 64

var (
	// ErrNoRoute means the addressed peer is not connected.
	ErrNoRoute = errors.New("no route to peer")
	// ErrOutboxFull means the addressed peer is not draining its outbox.
	ErrOutboxFull = errors.New("peer outbox full")
)

// State is the lifecycle state of a relay connection once identified.
type State int

const (
	StateSender State = iota
	StateReceiver
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSender:
		return "sender"
	case StateReceiver:
		return "receiver"
	default:
		return "closed"
	}
}

// Peer is one connection registered with a Session. Outgoing messages are
// queued on its outbox and written by the connection's writer goroutine.
type Peer struct {
	id   int
	role config.Role
	send chan []byte

	closed bool // guarded by Session.mu
}

// ID returns the identity assigned at join time.
func (p *Peer) ID() int { return p.id }

// Role returns the role assigned at join time.
func (p *Peer) Role() config.Role { return p.role }

// Outbox returns the queue of raw messages to deliver to this peer. It is
// closed when the peer leaves.
func (p *Peer) Outbox() <-chan []byte { return p.send }

// SessionOptions configures a Session.
type SessionOptions struct {
	Policy           config.ReceiverPolicy
	FirstIdentity    int
	NotifyDepartures bool
	OutboxSize       int
}

// Session owns the identity counter, the receiver slot and the sender route
// table. All mutation is serialized by one mutex.
type Session struct {
	policy     config.ReceiverPolicy
	notify     bool
	outboxSize int

	mu       sync.Mutex
	next     int
	receiver *Peer
	senders  map[int]*Peer
	closed   bool
}

// NewSession creates an empty session.
func NewSession(opts SessionOptions) *Session {
	if opts.Policy == "" {
		opts.Policy = config.PolicyFixed
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	return &Session{
		policy:     opts.Policy,
		notify:     opts.NotifyDepartures,
		outboxSize: opts.OutboxSize,
		next:       opts.FirstIdentity,
		senders:    make(map[int]*Peer),
	}
}

// Join assigns the next identity and a role to a new connection. The
// identity assignment is the first message queued on the peer's outbox.
func (s *Session) Join() *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++

	p := &Peer{
		id:   id,
		role: s.roleForLocked(id),
		send: make(chan []byte, s.outboxSize),
	}

	// After Close the peer is born closed and never routable.
	if s.closed {
		p.closed = true
		close(p.send)
		return p
	}

	// A fresh outbox always has room for the assignment.
	data, err := signaling.IdentityAssignment(id, p.role).Marshal()
	if err == nil {
		p.send <- data
	}

	if p.role == config.RoleReceiver {
		s.receiver = p
	} else {
		s.senders[id] = p
	}
	return p
}

// Leave releases the peer's bookkeeping and closes its outbox. It is safe to
// call more than once.
func (s *Session) Leave(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.send)

	if s.receiver == p {
		s.receiver = nil
		return
	}

	if s.senders[p.id] == p {
		delete(s.senders, p.id)
	}

	if s.notify && s.receiver != nil {
		data, err := signaling.PeerLeftNotice(p.id).Marshal()
		if err == nil && !s.deliverLocked(s.receiver, data) {
			util.LogDebug("[relay] could not notify receiver that peer %d left", p.id)
		}
	}
}

// Close closes every peer outbox and empties the session. No departure
// notices are sent. Peers joining afterwards get an already closed outbox.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.receiver != nil {
		s.closeLocked(s.receiver)
		s.receiver = nil
	}
	for id, p := range s.senders {
		s.closeLocked(p)
		delete(s.senders, id)
	}
}

func (s *Session) closeLocked(p *Peer) {
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// Route forwards a raw message from a peer. Messages from the receiver go to
// the sender named by their identifier; messages from a sender go to the
// receiver. The bytes are forwarded unchanged. The parsed message is
// returned so callers can label metrics even when routing fails.
func (s *Session) Route(from *Peer, data []byte) (signaling.Message, error) {
	msg, err := signaling.Parse(data)
	if err != nil {
		return msg, err
	}

	switch msg.Kind {
	case signaling.KindOffer, signaling.KindAnswer, signaling.KindCandidate:
	default:
		return msg, fmt.Errorf("%w: %s messages originate at the relay", signaling.ErrMalformedMessage, msg.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if from.closed {
		return msg, fmt.Errorf("peer %d already left: %w", from.id, ErrNoRoute)
	}

	var target *Peer
	if from.role == config.RoleReceiver {
		target = s.senders[msg.Identifier]
	} else {
		target = s.receiver
	}

	if target == nil {
		return msg, fmt.Errorf("%s from peer %d (identifier %d): %w", msg.Kind, from.id, msg.Identifier, ErrNoRoute)
	}
	if !s.deliverLocked(target, data) {
		return msg, fmt.Errorf("%s to peer %d: %w", msg.Kind, target.id, ErrOutboxFull)
	}
	return msg, nil
}

// State reports the lifecycle state of a peer.
func (s *Session) State(p *Peer) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case p.closed:
		return StateClosed
	case p.role == config.RoleReceiver:
		return StateReceiver
	default:
		return StateSender
	}
}

// NextRole reports the role the next connection would be assigned.
func (s *Session) NextRole() config.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleForLocked(s.next)
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Policy       config.ReceiverPolicy `json:"policy"`
	Receiver     *int                  `json:"receiver"`
	Senders      []int                 `json:"senders"`
	NextIdentity int                   `json:"nextIdentity"`
}

// Peers returns the number of connected peers.
func (s Snapshot) Peers() int {
	n := len(s.Senders)
	if s.Receiver != nil {
		n++
	}
	return n
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Policy:       s.policy,
		Senders:      make([]int, 0, len(s.senders)),
		NextIdentity: s.next,
	}
	if s.receiver != nil {
		id := s.receiver.id
		snap.Receiver = &id
	}
	for id := range s.senders {
		snap.Senders = append(snap.Senders, id)
	}
	slices.Sort(snap.Senders)
	return snap
}

// roleForLocked decides the role of a connection holding identity id.
// Under the fixed policy only identity 1 is ever the receiver. Under the
// reelect policy a vacant slot goes to the first connection from identity 1
// onward.
func (s *Session) roleForLocked(id int) config.Role {
	switch s.policy {
	case config.PolicyReelect:
		if s.receiver == nil && id >= ReceiverIdentity {
			return config.RoleReceiver
		}
	default:
		if id == ReceiverIdentity {
			return config.RoleReceiver
		}
	}
	return config.RoleSender
}

// deliverLocked queues data on p's outbox without blocking.
func (s *Session) deliverLocked(p *Peer, data []byte) bool {
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}
