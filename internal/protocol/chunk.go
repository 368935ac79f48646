package protocol

// Slots of a Frame Unit, in transmission order.
const (
	SlotPoseConfidences = iota
	SlotPosePositions
	SlotFacePositions
	SlotFaceConfidence

	FrameUnitLen
)

// SentinelText is the literal scalar sent in place of a face chunk when no
// face was detected during the cycle.
const SentinelText = "0"

// Chunk is one discrete data-channel message. Binary chunks carry encoded
// buffers; text chunks carry a scalar rendered as decimal text (the
// sentinel, or a face confidence sent by a browser peer).
type Chunk struct {
	Data []byte
	Text bool
}

// Sentinel is the "no face detected" chunk.
var Sentinel = Chunk{Data: []byte(SentinelText), Text: true}

// BinaryChunk wraps an encoded buffer.
func BinaryChunk(b []byte) Chunk {
	return Chunk{Data: b}
}

// IsSentinel reports whether c is the no-face sentinel.
func (c Chunk) IsSentinel() bool {
	return c.Text && string(c.Data) == SentinelText
}

// Len returns the payload size in bytes.
func (c Chunk) Len() int {
	return len(c.Data)
}

// FrameUnit is the four chunks transmitted per sampling cycle.
type FrameUnit [FrameUnitLen]Chunk

// Size returns the total payload size of the unit in bytes.
func (u FrameUnit) Size() int {
	n := 0
	for _, c := range u {
		n += c.Len()
	}
	return n
}

// HasFace reports whether the unit carries face data.
func (u FrameUnit) HasFace() bool {
	return !u[SlotFacePositions].IsSentinel()
}

// Fits reports whether c has the shape expected at the given slot. The
// receiver uses it to detect a lost chunk before four have accumulated.
func Fits(slot int, c Chunk) bool {
	switch slot {
	case SlotPoseConfidences:
		return !c.Text && c.Len() == PoseConfidencesSize
	case SlotPosePositions:
		return !c.Text && c.Len() == PosePositionsSize
	case SlotFacePositions:
		return c.IsSentinel() || (!c.Text && c.Len()%float32Size == 0)
	case SlotFaceConfidence:
		if c.Text {
			_, err := parseScalar(c.Data)
			return err == nil
		}
		return c.Len() == FaceConfidenceSize
	default:
		return false
	}
}
