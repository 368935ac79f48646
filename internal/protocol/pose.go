// Package protocol defines the pose/face snapshot types and the fixed-layout
// binary format used to stream them over a peer data channel.
package protocol

// NumKeypoints is the number of body keypoints in every pose.
const NumKeypoints = 17

// PartNames is the fixed keypoint order shared by encoder and decoder.
var PartNames = [NumKeypoints]string{
	"nose",
	"leftEye",
	"rightEye",
	"leftEar",
	"rightEar",
	"leftShoulder",
	"rightShoulder",
	"leftElbow",
	"rightElbow",
	"leftWrist",
	"rightWrist",
	"leftHip",
	"rightHip",
	"leftKnee",
	"rightKnee",
	"leftAnkle",
	"rightAnkle",
}

// PartIndex returns the position of a part name in PartNames, or -1.
func PartIndex(name string) int {
	for i, p := range PartNames {
		if p == name {
			return i
		}
	}
	return -1
}

// Position is a pixel coordinate in the source frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Keypoint is one estimated body part.
type Keypoint struct {
	Part     string   `json:"part"`
	Score    float64  `json:"score"`
	Position Position `json:"position"`
}

// Pose is one frame of body keypoints. Keypoints are always complete and in
// PartNames order; a frame without a detection is not a Pose.
type Pose struct {
	Score     float64                `json:"score"`
	Keypoints [NumKeypoints]Keypoint `json:"keypoints"`
}

// NewPose returns a pose with part names filled in and everything else zero.
func NewPose() Pose {
	var p Pose
	for i := range p.Keypoints {
		p.Keypoints[i].Part = PartNames[i]
	}
	return p
}

// Face is one frame of face-mesh landmarks. Positions is the flat coordinate
// list exactly as the estimator produced it (2 or 3 values per landmark).
type Face struct {
	Positions            []float32 `json:"positions"`
	FaceInViewConfidence float32   `json:"faceInViewConfidence"`
}

// Landmarks reports how many landmarks Positions holds for the given
// coordinate count. dims <= 0 yields 0.
func (f Face) Landmarks(dims int) int {
	if dims <= 0 {
		return 0
	}
	return len(f.Positions) / dims
}
