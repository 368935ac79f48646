package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/posecast/internal/protocol"
)

func sampleUnit(withFace bool) protocol.FrameUnit {
	pose := protocol.NewPose()
	pose.Score = 0.8734
	pose.Keypoints[0].Score = 0.5
	pose.Keypoints[0].Position = protocol.Position{X: 120, Y: 45}
	if !withFace {
		return protocol.Encode(pose, nil)
	}
	return protocol.Encode(pose, &protocol.Face{Positions: []float32{1, 2, 3, 4, 5, 6}, FaceInViewConfidence: 0.9})
}

func TestAssemblerDecodesEveryFourChunks(t *testing.T) {
	asm := NewAssembler()
	unit := sampleUnit(true)

	for round := range 3 {
		for i, c := range unit {
			frame, ok, err := asm.Push(c)
			if err != nil {
				t.Fatalf("round %d chunk %d: %v", round, i, err)
			}
			if ok != (i == protocol.FrameUnitLen-1) {
				t.Fatalf("round %d chunk %d: ok = %v", round, i, ok)
			}
			if ok && frame.Pose.Keypoints[0].Position.X != 120 {
				t.Fatalf("decoded nose = %+v", frame.Pose.Keypoints[0].Position)
			}
		}
		if asm.Pending() != 0 {
			t.Fatalf("Pending() = %d after a full unit", asm.Pending())
		}
	}
}

func TestAssemblerResync(t *testing.T) {
	unit := sampleUnit(false)

	testCases := []struct {
		name          string
		chunks        []protocol.Chunk
		wantFrames    int
		wantDiscarded int
		wantPending   int
	}{
		{
			name:       "in order",
			chunks:     unit[:],
			wantFrames: 1,
		},
		{
			name:          "lost face confidence",
			chunks:        append(append([]protocol.Chunk{}, unit[:3]...), unit[:]...),
			wantFrames:    1,
			wantDiscarded: 1,
		},
		{
			name:          "lost pose confidences",
			chunks:        append([]protocol.Chunk{unit[1]}, unit[:]...),
			wantFrames:    1,
			wantDiscarded: 0,
		},
		{
			name:          "lost pose positions",
			chunks:        append([]protocol.Chunk{unit[0], unit[2], unit[3]}, unit[:]...),
			wantFrames:    1,
			wantDiscarded: 1,
		},
		{
			name:        "partial",
			chunks:      unit[:3],
			wantPending: 3,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			asm := NewAssembler()
			frames := 0
			for _, c := range tc.chunks {
				_, ok, err := asm.Push(c)
				if err != nil {
					t.Fatalf("Push: %v", err)
				}
				if ok {
					frames++
				}
			}
			if frames != tc.wantFrames {
				t.Errorf("frames = %d, want %d", frames, tc.wantFrames)
			}
			if asm.Discarded() != tc.wantDiscarded {
				t.Errorf("Discarded() = %d, want %d", asm.Discarded(), tc.wantDiscarded)
			}
			if asm.Pending() != tc.wantPending {
				t.Errorf("Pending() = %d, want %d", asm.Pending(), tc.wantPending)
			}
		})
	}
}

// TestAssemblerNeverDecodesAcrossUnits checks that three chunks followed by
// a chunk that cannot finish the unit never yield a frame.
func TestAssemblerNeverDecodesAcrossUnits(t *testing.T) {
	asm := NewAssembler()
	unit := sampleUnit(false)

	for _, c := range unit[:3] {
		asm.Push(c)
	}
	_, ok, err := asm.Push(unit[1])
	if ok || err != nil {
		t.Fatalf("Push(misfit) = (%v, %v), want no frame and no error", ok, err)
	}
	if asm.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", asm.Pending())
	}
}

func TestSyntheticEstimatorDeterministic(t *testing.T) {
	ctx := context.Background()
	a := NewSyntheticEstimator(3, 0)
	b := NewSyntheticEstimator(3, 0)

	faceless := 0
	for i := range faceCycle {
		pa, fa, err := a.Estimate(ctx)
		if err != nil {
			t.Fatalf("Estimate: %v", err)
		}
		pb, fb, _ := b.Estimate(ctx)

		if *pa != *pb {
			t.Fatalf("frame %d: poses differ", i)
		}
		if (fa == nil) != (fb == nil) {
			t.Fatalf("frame %d: face presence differs", i)
		}
		if fa == nil {
			faceless++
			continue
		}
		if len(fa.Positions) != DefaultFaceLandmarks*3 {
			t.Fatalf("frame %d: %d face values, want %d", i, len(fa.Positions), DefaultFaceLandmarks*3)
		}
		if fa.Landmarks(3) != DefaultFaceLandmarks {
			t.Fatalf("frame %d: %d landmarks", i, fa.Landmarks(3))
		}
	}
	if faceless != faceCycle-faceAbsentFrom {
		t.Fatalf("faceless frames = %d, want %d", faceless, faceCycle-faceAbsentFrom)
	}
}

func TestSyntheticEstimatorEncodes(t *testing.T) {
	est := NewSyntheticEstimator(2, 10)
	pose, face, err := est.Estimate(context.Background())
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}

	unit := protocol.Encode(*pose, face)
	got, gotFace, err := protocol.Decode(unit)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range got.Keypoints {
		if got.Keypoints[i].Position != pose.Keypoints[i].Position {
			t.Fatalf("keypoint %d = %+v, want %+v", i, got.Keypoints[i].Position, pose.Keypoints[i].Position)
		}
	}
	if gotFace.Landmarks(2) != 10 {
		t.Fatalf("landmarks = %d, want 10", gotFace.Landmarks(2))
	}
}

func TestReplayEstimator(t *testing.T) {
	recording := `{"pose":{"score":0.5,"keypoints":[{"score":0.9,"position":{"x":10,"y":20}}]},"face":null}

{"pose":null,"face":null}
{"pose":{"score":0.7},"face":{"positions":[1,2],"faceInViewConfidence":0.5}}
`
	est, err := NewReplayEstimator(strings.NewReader(recording))
	if err != nil {
		t.Fatalf("NewReplayEstimator: %v", err)
	}
	if est.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", est.Len())
	}

	ctx := context.Background()
	pose, face, _ := est.Estimate(ctx)
	if pose == nil || pose.Keypoints[0].Position.X != 10 || pose.Keypoints[0].Part != "nose" || face != nil {
		t.Fatalf("frame 0 = (%+v, %+v)", pose, face)
	}
	if pose, _, _ := est.Estimate(ctx); pose != nil {
		t.Fatal("frame 1 should have no pose")
	}
	_, face, _ = est.Estimate(ctx)
	if face == nil || len(face.Positions) != 2 {
		t.Fatalf("frame 2 face = %+v", face)
	}
	// Loops back to the start.
	if pose, _, _ := est.Estimate(ctx); pose == nil || pose.Score != 0.5 {
		t.Fatalf("frame 3 = %+v, want frame 0 again", pose)
	}
}

func TestReplayEstimatorRejectsBadInput(t *testing.T) {
	testCases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"blank lines", "\n\n"},
		{"not json", "{pose"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewReplayEstimator(strings.NewReader(tc.in)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type recordingSink struct {
	mu    sync.Mutex
	units []protocol.FrameUnit
}

func (s *recordingSink) SendFrame(u protocol.FrameUnit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, u)
	return true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

// sparseEstimator detects a pose only on even cycles.
type sparseEstimator struct {
	mu sync.Mutex
	n  int
}

func (e *sparseEstimator) Estimate(context.Context) (*protocol.Pose, *protocol.Face, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	if e.n%2 == 0 {
		return nil, nil, nil
	}
	p := protocol.NewPose()
	return &p, nil, nil
}

func (e *sparseEstimator) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

func TestRunSenderSkipsCyclesWithoutPose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	est := &sparseEstimator{}
	sink := &recordingSink{}

	done := make(chan error, 1)
	go func() { done <- RunSender(ctx, est, sink, time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for est.calls() < 10 {
		if time.Now().After(deadline) {
			t.Fatal("estimator not called often enough")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunSender: %v", err)
	}

	calls, sent := est.calls(), sink.count()
	if sent != (calls+1)/2 {
		t.Fatalf("sent %d units for %d cycles, want %d", sent, calls, (calls+1)/2)
	}
	for _, u := range sink.units {
		if u.HasFace() {
			t.Fatal("faceless cycle produced face data")
		}
	}
}

func TestReceiveRendersFrames(t *testing.T) {
	var got []int
	onChunk := Receive(7, RendererFunc(func(id int, f Frame) {
		got = append(got, id)
		if f.Pose.Keypoints[0].Position.Y != 45 {
			t.Errorf("nose = %+v", f.Pose.Keypoints[0].Position)
		}
	}))

	for range 2 {
		for _, c := range sampleUnit(true) {
			onChunk(c)
		}
	}
	if len(got) != 2 || got[0] != 7 {
		t.Fatalf("rendered %v, want two frames from 7", got)
	}
}
