// Package transport wraps the pion PeerConnection and DataChannel that carry
// pose frame units between a sender and the receiver.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/posecast/internal/protocol"
	"github.com/1ureka/posecast/internal/util"
)

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange, frame sending with backpressure,
// and chunk receiving.
//
// The offerer side (a sender) creates the DataChannel itself; the answerer
// side (the receiver) adopts the channel the offerer announces. Its lifecycle
// is governed by the DataChannel state and the context passed at
// construction time.
type Transport struct {
	pc *webrtc.PeerConnection

	sender     *sender
	openSignal chan struct{}
	openOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	dc        *webrtc.DataChannel
	pcState   webrtc.PeerConnectionState
	onChunk   func(protocol.Chunk)
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewOfferer creates a Transport that owns the DataChannel. Used by senders.
func NewOfferer(ctx context.Context, iceServers []string) (*Transport, error) {
	t, err := newTransport(ctx, iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(t.pc)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	t.attach(dc)

	return t, nil
}

// NewAnswerer creates a Transport that waits for the remote side to open the
// DataChannel. Used by the receiver, one per sender.
func NewAnswerer(ctx context.Context, iceServers []string) (*Transport, error) {
	t, err := newTransport(ctx, iceServers)
	if err != nil {
		return nil, err
	}

	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			util.LogWarning("[transport] ignoring unexpected data channel %q", dc.Label())
			return
		}
		t.attach(dc)
	})

	return t, nil
}

func newTransport(ctx context.Context, iceServers []string) (*Transport, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		sender:     newSender(),
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[transport] PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		// A failed connection never delivers another frame.
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			tCancel()
		}
	})

	return t, nil
}

// attach wires dc into the transport. Only the first channel is used.
func (t *Transport) attach(dc *webrtc.DataChannel) {
	t.mu.Lock()
	if t.dc != nil {
		t.mu.Unlock()
		return
	}
	t.dc = dc
	t.mu.Unlock()

	// DC open gate.
	dc.OnOpen(func() {
		t.openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("[transport] DataChannel closed")
		t.cancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		t.mu.RLock()
		fn := t.onChunk
		t.mu.RUnlock()
		if fn != nil {
			fn(protocol.Chunk{Data: msg.Data, Text: msg.IsString})
		}
	})

	t.sender.start(t.ctx, dc, t.openSignal)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the Transport is ready to send and receive.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed, connection failed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.RLock()
	dc := t.dc
	t.mu.RUnlock()

	var dcErr error
	if dc != nil {
		dcErr = dc.Close()
	}
	return errors.Join(dcErr, t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer and applies it as the local description.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return offer, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer generates an SDP answer and applies it as the local
// description. The remote offer must already be set.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return answer, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote SDP and flushes any candidates
// that arrived before it.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
// Candidates that arrive before the remote description are held until it is
// set.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// SendFrame enqueues a frame unit. It never blocks; it reports false when
// the unit was dropped.
func (t *Transport) SendFrame(unit protocol.FrameUnit) bool {
	return t.sender.enqueue(t.ctx, unit)
}

// OnChunk registers a callback invoked for every inbound DataChannel
// message, in arrival order.
func (t *Transport) OnChunk(fn func(protocol.Chunk)) {
	t.mu.Lock()
	t.onChunk = fn
	t.mu.Unlock()
}
