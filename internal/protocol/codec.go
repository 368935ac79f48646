package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ConfidenceScale maps a 0..1 score onto an int16 with four decimal digits.
const ConfidenceScale = 10000

// Buffer layout.
const (
	int16Size   = 2
	float32Size = 4

	PoseConfidencesLen  = NumKeypoints + 1 // overall score + one per keypoint
	PosePositionsLen    = NumKeypoints * 2 // (x, y) per keypoint
	PoseConfidencesSize = PoseConfidencesLen * int16Size
	PosePositionsSize   = PosePositionsLen * int16Size
	FaceConfidenceSize  = float32Size
)

// byteOrder is fixed per deployment. Browser typed arrays are little-endian
// on every platform they ship on.
var byteOrder = binary.LittleEndian

// ErrMalformedChunk is returned when a chunk does not have the size or type
// its slot requires.
var ErrMalformedChunk = errors.New("malformed chunk")

// ---------------------------------------------------------------------------
// Encode
// ---------------------------------------------------------------------------

// Encode serializes a pose and an optional face into a Frame Unit. A nil
// face produces sentinel chunks in both face slots.
func Encode(pose Pose, face *Face) FrameUnit {
	confidences, positions := EncodePose(pose)
	facePositions, faceConfidence := EncodeFace(face)
	return FrameUnit{
		BinaryChunk(confidences),
		BinaryChunk(positions),
		facePositions,
		faceConfidence,
	}
}

// EncodePose packs the pose into its confidences (18 × int16) and positions
// (34 × int16) buffers. Out-of-range values wrap; no bounds are checked.
func EncodePose(pose Pose) (confidences, positions []byte) {
	confidences = make([]byte, PoseConfidencesSize)
	positions = make([]byte, PosePositionsSize)

	putInt16(confidences, 0, scaleScore(pose.Score))
	for i, kp := range pose.Keypoints {
		putInt16(confidences, i+1, scaleScore(kp.Score))
		putInt16(positions, i*2, toInt16(kp.Position.X))
		putInt16(positions, i*2+1, toInt16(kp.Position.Y))
	}
	return confidences, positions
}

// EncodeFace packs landmark coordinates as float32s and the face-in-view
// confidence as a single float32. A nil face yields two sentinels.
func EncodeFace(face *Face) (positions, confidence Chunk) {
	if face == nil {
		return Sentinel, Sentinel
	}

	buf := make([]byte, len(face.Positions)*float32Size)
	for i, v := range face.Positions {
		byteOrder.PutUint32(buf[i*float32Size:], math.Float32bits(v))
	}

	conf := make([]byte, FaceConfidenceSize)
	byteOrder.PutUint32(conf, math.Float32bits(face.FaceInViewConfidence))

	return BinaryChunk(buf), BinaryChunk(conf)
}

// ---------------------------------------------------------------------------
// Decode
// ---------------------------------------------------------------------------

// Decode restores a pose and face from a complete Frame Unit. Sentinel face
// chunks decode to a face with no landmarks and zero confidence.
func Decode(u FrameUnit) (Pose, Face, error) {
	if u[SlotPoseConfidences].Text || u[SlotPosePositions].Text {
		return Pose{}, Face{}, fmt.Errorf("%w: pose buffers must be binary", ErrMalformedChunk)
	}

	pose, err := DecodePose(u[SlotPoseConfidences].Data, u[SlotPosePositions].Data)
	if err != nil {
		return Pose{}, Face{}, err
	}

	positions, err := DecodeFace(u[SlotFacePositions])
	if err != nil {
		return Pose{}, Face{}, err
	}

	confidence, err := DecodeFaceConfidence(u[SlotFaceConfidence])
	if err != nil {
		return Pose{}, Face{}, err
	}

	return pose, Face{Positions: positions, FaceInViewConfidence: confidence}, nil
}

// DecodePose is the inverse of EncodePose.
func DecodePose(confidences, positions []byte) (Pose, error) {
	if len(confidences) != PoseConfidencesSize {
		return Pose{}, fmt.Errorf("%w: pose confidences: %d bytes (need %d)",
			ErrMalformedChunk, len(confidences), PoseConfidencesSize)
	}
	if len(positions) != PosePositionsSize {
		return Pose{}, fmt.Errorf("%w: pose positions: %d bytes (need %d)",
			ErrMalformedChunk, len(positions), PosePositionsSize)
	}

	pose := Pose{Score: unscaleScore(getInt16(confidences, 0))}
	for i := range pose.Keypoints {
		pose.Keypoints[i] = Keypoint{
			Part:  PartNames[i],
			Score: unscaleScore(getInt16(confidences, i+1)),
			Position: Position{
				X: float64(getInt16(positions, i*2)),
				Y: float64(getInt16(positions, i*2+1)),
			},
		}
	}
	return pose, nil
}

// DecodeFace reinterprets a face positions chunk as float32 coordinates in
// order. The sentinel yields no coordinates.
func DecodeFace(c Chunk) ([]float32, error) {
	if c.IsSentinel() {
		return nil, nil
	}
	if c.Text || c.Len()%float32Size != 0 {
		return nil, fmt.Errorf("%w: face positions: %d bytes is not a float32 sequence",
			ErrMalformedChunk, c.Len())
	}

	out := make([]float32, c.Len()/float32Size)
	for i := range out {
		out[i] = math.Float32frombits(byteOrder.Uint32(c.Data[i*float32Size:]))
	}
	return out, nil
}

// DecodeFaceConfidence reads the face-in-view confidence. It accepts the
// sentinel (0), a 4-byte float32 buffer, or a decimal scalar sent as text.
func DecodeFaceConfidence(c Chunk) (float32, error) {
	if c.Text {
		v, err := parseScalar(c.Data)
		if err != nil {
			return 0, fmt.Errorf("%w: face confidence: %v", ErrMalformedChunk, err)
		}
		return v, nil
	}
	if c.Len() != FaceConfidenceSize {
		return 0, fmt.Errorf("%w: face confidence: %d bytes (need %d)",
			ErrMalformedChunk, c.Len(), FaceConfidenceSize)
	}
	return math.Float32frombits(byteOrder.Uint32(c.Data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func scaleScore(score float64) int16 {
	return toInt16(score * ConfidenceScale)
}

func unscaleScore(v int16) float64 {
	return float64(v) / ConfidenceScale
}

// toInt16 rounds to the nearest integer and keeps the low 16 bits.
func toInt16(v float64) int16 {
	return int16(int64(math.Round(v)))
}

func putInt16(buf []byte, idx int, v int16) {
	byteOrder.PutUint16(buf[idx*int16Size:], uint16(v))
}

func getInt16(buf []byte, idx int) int16 {
	return int16(byteOrder.Uint16(buf[idx*int16Size:]))
}

func parseScalar(b []byte) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}
