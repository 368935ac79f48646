package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/posecast/internal/protocol"
)

// fakeChannel implements channelWriter and records every message.
type fakeChannel struct {
	mu       sync.Mutex
	buffered uint64
	sent     []protocol.Chunk
	failAt   int // fail the n-th write (1-based); 0 never fails
	writes   int
}

func (f *fakeChannel) BufferedAmount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeChannel) record(c protocol.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failAt != 0 && f.writes == f.failAt {
		return errors.New("channel closed")
	}
	f.sent = append(f.sent, c)
	return nil
}

func (f *fakeChannel) Send(data []byte) error { return f.record(protocol.BinaryChunk(data)) }
func (f *fakeChannel) SendText(s string) error {
	return f.record(protocol.Chunk{Data: []byte(s), Text: true})
}

func (f *fakeChannel) chunks() []protocol.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Chunk(nil), f.sent...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testUnit() protocol.FrameUnit {
	return protocol.Encode(protocol.NewPose(), nil)
}

func TestSenderWritesUnitsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := &fakeChannel{}
	open := make(chan struct{})
	s := newSender()
	s.start(ctx, fc, open)

	unit := testUnit()
	if !s.enqueue(ctx, unit) {
		t.Fatal("enqueue before open dropped the unit")
	}
	close(open)

	waitFor(t, "four chunks", func() bool { return len(fc.chunks()) == protocol.FrameUnitLen })

	got := fc.chunks()
	for i := range unit {
		if got[i].Text != unit[i].Text || string(got[i].Data) != string(unit[i].Data) {
			t.Fatalf("chunk %d = %+v, want %+v", i, got[i], unit[i])
		}
	}
	if !got[protocol.SlotFacePositions].IsSentinel() || !got[protocol.SlotFaceConfidence].IsSentinel() {
		t.Fatal("face slots of a faceless unit must be sentinels")
	}
}

func TestSenderDropsWholeUnitsUnderBackpressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := &fakeChannel{buffered: highWaterMark + 1}
	open := make(chan struct{})
	close(open)
	s := newSender()
	s.start(ctx, fc, open)

	s.enqueue(ctx, testUnit())
	waitFor(t, "inbox drained", func() bool { return len(s.inbox) == 0 })
	time.Sleep(20 * time.Millisecond)
	if n := len(fc.chunks()); n != 0 {
		t.Fatalf("sent %d chunks while backed up, want 0", n)
	}

	fc.mu.Lock()
	fc.buffered = 0
	fc.mu.Unlock()

	s.enqueue(ctx, testUnit())
	waitFor(t, "unit after recovery", func() bool { return len(fc.chunks()) == protocol.FrameUnitLen })
}

func TestSenderEnqueueNeverBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Never started: nothing drains the inbox.
	s := newSender()
	accepted := 0
	for range sendBufferSize + 3 {
		if s.enqueue(ctx, testUnit()) {
			accepted++
		}
	}
	if accepted != sendBufferSize {
		t.Fatalf("accepted = %d, want %d", accepted, sendBufferSize)
	}

	cancel()
	s = newSender()
	if s.enqueue(ctx, testUnit()) {
		t.Fatal("enqueue after cancel accepted the unit")
	}
}

func TestSenderStopsOnWriteError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fc := &fakeChannel{failAt: 2}
	open := make(chan struct{})
	close(open)
	s := newSender()
	s.start(ctx, fc, open)

	s.enqueue(ctx, testUnit())
	waitFor(t, "failed write", func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.writes >= 2
	})

	s.enqueue(ctx, testUnit())
	time.Sleep(20 * time.Millisecond)
	if n := len(fc.chunks()); n != 1 {
		t.Fatalf("sent %d chunks, want 1 before the failure", n)
	}
}

func TestCandidatesHeldUntilRemoteDescription(t *testing.T) {
	tr, err := NewAnswerer(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	defer tr.Close()

	if err := tr.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}); err != nil {
		t.Fatalf("AddICECandidate before remote description: %v", err)
	}
	tr.mu.RLock()
	n := len(tr.pending)
	tr.mu.RUnlock()
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

// TestLoopbackFrame negotiates a real offerer/answerer pair in process and
// sends one frame unit across.
func TestLoopbackFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	offerer, err := NewOfferer(ctx, nil)
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	defer offerer.Close()

	answerer, err := NewAnswerer(ctx, nil)
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	defer answerer.Close()

	received := make(chan protocol.Chunk, protocol.FrameUnitLen)
	answerer.OnChunk(func(c protocol.Chunk) { received <- c })

	trickle := func(to *Transport) func(*webrtc.ICECandidate) {
		return func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			if err := to.AddICECandidate(c.ToJSON()); err != nil {
				t.Errorf("AddICECandidate: %v", err)
			}
		}
	}
	offerer.OnICECandidate(trickle(answerer))
	answerer.OnICECandidate(trickle(offerer))

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("answerer SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("offerer SetRemoteDescription: %v", err)
	}

	select {
	case <-offerer.Ready():
	case <-ctx.Done():
		t.Fatal("offerer never became ready")
	}

	pose := protocol.NewPose()
	pose.Score = 0.5
	pose.Keypoints[0].Position = protocol.Position{X: 120, Y: 45}
	face := &protocol.Face{Positions: []float32{1, 2, 3}, FaceInViewConfidence: 0.75}
	unit := protocol.Encode(pose, face)
	if !offerer.SendFrame(unit) {
		t.Fatal("SendFrame dropped the unit")
	}

	var got protocol.FrameUnit
	for i := range got {
		select {
		case got[i] = <-received:
		case <-ctx.Done():
			t.Fatalf("received %d of %d chunks", i, protocol.FrameUnitLen)
		}
	}

	gotPose, gotFace, err := protocol.Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotPose.Keypoints[0].Position != pose.Keypoints[0].Position {
		t.Errorf("keypoint 0 = %+v, want %+v", gotPose.Keypoints[0].Position, pose.Keypoints[0].Position)
	}
	if len(gotFace.Positions) != 3 || gotFace.FaceInViewConfidence != 0.75 {
		t.Errorf("face = %+v", gotFace)
	}
}
