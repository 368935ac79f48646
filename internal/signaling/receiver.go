package signaling

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/posecast/internal/config"
	"github.com/1ureka/posecast/internal/transport"
	"github.com/1ureka/posecast/internal/util"
)

// PeerHandler is called once per sender when the receiver creates the
// answering Transport for it. It runs before any data can arrive, so it is
// the place to register OnChunk.
type PeerHandler func(identity int, tr *transport.Transport)

// Receiver answers every sender that offers through the relay. It keeps one
// Transport per sender identity.
type Receiver struct {
	client     *Client
	iceServers []string
	onPeer     PeerHandler

	mu    sync.Mutex
	peers map[int]*transport.Transport
}

// ListenAsReceiver connects to the relay and checks that it holds the
// receiver slot. Call Run to start answering senders.
func ListenAsReceiver(ctx context.Context, relayURL string, iceServers []string, onPeer PeerHandler) (*Receiver, error) {
	client, err := Dial(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	if err := client.requireRole(config.RoleReceiver); err != nil {
		client.Close()
		return nil, err
	}
	util.LogInfo("[signaling] Connected to relay as receiver %d", client.Identity())

	return &Receiver{
		client:     client,
		iceServers: iceServers,
		onPeer:     onPeer,
		peers:      make(map[int]*transport.Transport),
	}, nil
}

// Identity returns the receiver's relay identity.
func (r *Receiver) Identity() int { return r.client.Identity() }

// Run dispatches relay messages until the relay connection fails or ctx is
// cancelled. Every sender Transport is closed on return.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.closePeers()

	stop := context.AfterFunc(ctx, func() { r.client.Close() })
	defer stop()

	for {
		msg, err := r.client.Next()
		if errors.Is(err, ErrMalformedMessage) {
			util.LogDebug("[signaling] ignoring message: %v", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		switch msg.Kind {
		case KindOffer:
			r.handleOffer(ctx, msg)
		case KindCandidate:
			r.handleCandidate(ctx, msg)
		case KindPeerLeft:
			util.LogInfo("[signaling] Sender %d left", msg.Identity)
			r.drop(msg.Identity, nil)
		default:
			util.LogDebug("[signaling] receiver ignoring %s message", msg.Kind)
		}
	}
}

// Peers returns the identities of senders with a live Transport.
func (r *Receiver) Peers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close leaves the relay and closes every sender Transport.
func (r *Receiver) Close() error {
	err := r.client.Close()
	r.closePeers()
	return err
}

func (r *Receiver) handleOffer(ctx context.Context, msg Message) {
	id := msg.Identifier
	sdp, err := msg.SessionDescription()
	if err != nil {
		util.LogDebug("[signaling] bad offer from %d: %v", id, err)
		return
	}

	// A repeated offer means the sender restarted; start over.
	tr, fresh := r.peer(ctx, id)
	if tr == nil {
		return
	}
	if !fresh && tr.ConnectionState() != webrtc.PeerConnectionStateNew {
		r.drop(id, tr)
		if tr, _ = r.peer(ctx, id); tr == nil {
			return
		}
	}

	if err := tr.SetRemoteDescription(sdp); err != nil {
		util.LogWarning("[signaling] sender %d: %v", id, err)
		r.drop(id, tr)
		return
	}
	answer, err := tr.CreateAnswer()
	if err != nil {
		util.LogWarning("[signaling] sender %d: %v", id, err)
		r.drop(id, tr)
		return
	}
	reply, err := Answer(id, answer)
	if err != nil {
		r.drop(id, tr)
		return
	}
	if err := r.client.Send(reply); err != nil {
		util.LogWarning("[signaling] failed to send answer to %d: %v", id, err)
	}
}

func (r *Receiver) handleCandidate(ctx context.Context, msg Message) {
	c, err := msg.ICECandidate()
	if err != nil {
		util.LogDebug("[signaling] bad candidate from %d: %v", msg.Identifier, err)
		return
	}
	if c == nil {
		return
	}

	// Candidates may overtake the offer; the Transport holds them until the
	// offer is applied.
	tr, _ := r.peer(ctx, msg.Identifier)
	if tr == nil {
		return
	}
	if err := tr.AddICECandidate(*c); err != nil {
		util.LogDebug("[signaling] could not add candidate from %d: %v", msg.Identifier, err)
	}
}

// peer returns the Transport for a sender, creating it on first contact.
func (r *Receiver) peer(ctx context.Context, id int) (*transport.Transport, bool) {
	r.mu.Lock()
	if tr, ok := r.peers[id]; ok {
		r.mu.Unlock()
		return tr, false
	}
	r.mu.Unlock()

	tr, err := transport.NewAnswerer(ctx, r.iceServers)
	if err != nil {
		util.LogError("[signaling] failed to create transport for sender %d: %v", id, err)
		return nil, false
	}

	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		msg, err := Candidate(id, &init)
		if err != nil {
			return
		}
		if err := r.client.Send(msg); err != nil {
			util.LogDebug("[signaling] failed to send candidate to %d: %v", id, err)
		}
	})

	r.mu.Lock()
	r.peers[id] = tr
	r.mu.Unlock()
	util.Stats.AddPeer()

	if r.onPeer != nil {
		r.onPeer(id, tr)
	}

	go func() {
		<-tr.Done()
		r.drop(id, tr)
	}()

	return tr, true
}

// drop closes and forgets the Transport for id. When tr is non-nil only that
// exact Transport is removed.
func (r *Receiver) drop(id int, tr *transport.Transport) {
	r.mu.Lock()
	cur, ok := r.peers[id]
	if !ok || (tr != nil && cur != tr) {
		r.mu.Unlock()
		return
	}
	delete(r.peers, id)
	r.mu.Unlock()

	util.Stats.RemovePeer()
	cur.Close()
}

func (r *Receiver) closePeers() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[int]*transport.Transport)
	r.mu.Unlock()

	for _, tr := range peers {
		util.Stats.RemovePeer()
		tr.Close()
	}
}
