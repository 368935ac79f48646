// Package stream runs the frame transmission loop on the sender and the
// frame reassembly on the receiver, plus the estimators and renderers they
// plug into.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/1ureka/posecast/internal/protocol"
)

// Estimator produces one pose and face snapshot per call. A nil pose means
// nothing was detected this cycle; a nil face means no face was in view.
type Estimator interface {
	Estimate(ctx context.Context) (*protocol.Pose, *protocol.Face, error)
}

// skeleton is a standing figure in a 640×480 frame, in PartNames order.
var skeleton = [protocol.NumKeypoints]protocol.Position{
	{X: 320, Y: 100}, // nose
	{X: 310, Y: 90},  // leftEye
	{X: 330, Y: 90},  // rightEye
	{X: 300, Y: 95},  // leftEar
	{X: 340, Y: 95},  // rightEar
	{X: 280, Y: 160}, // leftShoulder
	{X: 360, Y: 160}, // rightShoulder
	{X: 260, Y: 230}, // leftElbow
	{X: 390, Y: 220}, // rightElbow
	{X: 250, Y: 300}, // leftWrist
	{X: 420, Y: 170}, // rightWrist
	{X: 295, Y: 300}, // leftHip
	{X: 345, Y: 300}, // rightHip
	{X: 290, Y: 380}, // leftKnee
	{X: 350, Y: 380}, // rightKnee
	{X: 285, Y: 460}, // leftAnkle
	{X: 355, Y: 460}, // rightAnkle
}

const (
	// DefaultFaceLandmarks matches the face-mesh model's landmark count.
	DefaultFaceLandmarks = 468

	faceRadius     = 28
	wavePeriod     = 30 // frames per wave cycle
	faceCycle      = 120
	faceAbsentFrom = 90 // frames [90, 120) of every face cycle have no face
)

// SyntheticEstimator generates a deterministic waving figure with a face
// ring that periodically leaves the view. Two estimators with the same
// settings produce identical sequences.
type SyntheticEstimator struct {
	dims      int
	landmarks int

	mu    sync.Mutex
	frame int
}

// NewSyntheticEstimator creates a synthetic estimator emitting face
// coordinates with dims values per landmark.
func NewSyntheticEstimator(dims, landmarks int) *SyntheticEstimator {
	if landmarks <= 0 {
		landmarks = DefaultFaceLandmarks
	}
	return &SyntheticEstimator{dims: dims, landmarks: landmarks}
}

// Estimate implements Estimator.
func (s *SyntheticEstimator) Estimate(ctx context.Context) (*protocol.Pose, *protocol.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	n := s.frame
	s.frame++
	s.mu.Unlock()

	phase := 2 * math.Pi * float64(n%wavePeriod) / wavePeriod

	pose := protocol.NewPose()
	pose.Score = 0.9
	for i, p := range skeleton {
		pose.Keypoints[i].Position = p
		pose.Keypoints[i].Score = 0.8 + 0.1*math.Cos(phase+float64(i))
	}
	// The right forearm swings around the elbow.
	elbow := skeleton[protocol.PartIndex("rightElbow")]
	wrist := &pose.Keypoints[protocol.PartIndex("rightWrist")]
	angle := -math.Pi/2 + 0.6*math.Sin(phase)
	wrist.Position = protocol.Position{
		X: math.Round(elbow.X + 60*math.Cos(angle)),
		Y: math.Round(elbow.Y + 60*math.Sin(angle)),
	}

	if n%faceCycle >= faceAbsentFrom {
		return &pose, nil, nil
	}

	nose := skeleton[protocol.PartIndex("nose")]
	face := &protocol.Face{
		Positions:            make([]float32, 0, s.landmarks*s.dims),
		FaceInViewConfidence: 0.99,
	}
	for i := range s.landmarks {
		a := 2 * math.Pi * float64(i) / float64(s.landmarks)
		face.Positions = append(face.Positions,
			float32(nose.X+faceRadius*math.Cos(a)),
			float32(nose.Y+faceRadius*math.Sin(a)))
		if s.dims == 3 {
			face.Positions = append(face.Positions, float32(math.Sin(a+phase)))
		}
	}
	return &pose, face, nil
}

// replayFrame is one JSON line of a recording.
type replayFrame struct {
	Pose *protocol.Pose `json:"pose"`
	Face *protocol.Face `json:"face"`
}

// ReplayEstimator plays back recorded frames in a loop. Each line of the
// recording is a JSON object {"pose": ..., "face": ...}; either may be null.
type ReplayEstimator struct {
	frames []replayFrame

	mu   sync.Mutex
	next int
}

// LoadReplay reads a recording from a file.
func LoadReplay(path string) (*ReplayEstimator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay: %w", err)
	}
	defer f.Close()
	return NewReplayEstimator(f)
}

// NewReplayEstimator reads a whole recording from r. Blank lines are
// skipped.
func NewReplayEstimator(r io.Reader) (*ReplayEstimator, error) {
	var frames []replayFrame

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var f replayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		if f.Pose != nil {
			for i := range f.Pose.Keypoints {
				f.Pose.Keypoints[i].Part = protocol.PartNames[i]
			}
		}
		frames = append(frames, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay: %w", err)
	}
	if len(frames) == 0 {
		return nil, errors.New("replay contains no frames")
	}
	return &ReplayEstimator{frames: frames}, nil
}

// Len returns the number of recorded frames.
func (r *ReplayEstimator) Len() int { return len(r.frames) }

// Estimate implements Estimator.
func (r *ReplayEstimator) Estimate(ctx context.Context) (*protocol.Pose, *protocol.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	f := r.frames[r.next]
	r.next = (r.next + 1) % len(r.frames)
	r.mu.Unlock()

	var pose *protocol.Pose
	if f.Pose != nil {
		p := *f.Pose
		pose = &p
	}
	var face *protocol.Face
	if f.Face != nil {
		fc := *f.Face
		face = &fc
	}
	return pose, face, nil
}
