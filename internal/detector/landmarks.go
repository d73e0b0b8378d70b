// Package detector provides pose detection interfaces and types for skeleton overlays.
package detector

import "fmt"

// Pose landmark indices following the MediaPipe BlazePose convention.
// See: https://developers.google.com/mediapipe/solutions/vision/pose_landmarker
const (
	Nose           = 0
	LeftEyeInner   = 1
	LeftEye        = 2
	LeftEyeOuter   = 3
	RightEyeInner  = 4
	RightEye       = 5
	RightEyeOuter  = 6
	LeftEar        = 7
	RightEar       = 8
	MouthLeft      = 9
	MouthRight     = 10
	LeftShoulder   = 11
	RightShoulder  = 12
	LeftElbow      = 13
	RightElbow     = 14
	LeftWrist      = 15
	RightWrist     = 16
	LeftPinky      = 17
	RightPinky     = 18
	LeftIndex      = 19
	RightIndex     = 20
	LeftThumb      = 21
	RightThumb     = 22
	LeftHip        = 23
	RightHip       = 24
	LeftKnee       = 25
	RightKnee      = 26
	LeftAnkle      = 27
	RightAnkle     = 28
	LeftHeel       = 29
	RightHeel      = 30
	LeftFootIndex  = 31
	RightFootIndex = 32
	NumLandmarks   = 33
)

var landmarkNames = [NumLandmarks]string{
	"nose", "left_eye_inner", "left_eye", "left_eye_outer",
	"right_eye_inner", "right_eye", "right_eye_outer",
	"left_ear", "right_ear", "mouth_left", "mouth_right",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_pinky", "right_pinky",
	"left_index", "right_index", "left_thumb", "right_thumb",
	"left_hip", "right_hip", "left_knee", "right_knee",
	"left_ankle", "right_ankle", "left_heel", "right_heel",
	"left_foot_index", "right_foot_index",
}

// LandmarkName returns the anatomical name of a landmark index.
func LandmarkName(index int) string {
	if index < 0 || index >= NumLandmarks {
		return fmt.Sprintf("landmark_%d", index)
	}
	return landmarkNames[index]
}

// FaceLandmarks is the set of head landmarks left out of reduced overlays:
// the nose, inner and outer eye corners, ears and mouth corners.
var FaceLandmarks = []int{
	Nose,
	LeftEyeInner, LeftEyeOuter,
	RightEyeInner, RightEyeOuter,
	LeftEar, RightEar,
	MouthLeft, MouthRight,
}

// Landmark is a single body keypoint. X and Y are normalized to [0,1] of the
// frame width and height; Z is depth relative to the hips.
type Landmark struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Z          float64 `json:"z" msgpack:"z"`
	Visibility float64 `json:"visibility" msgpack:"visibility"`
	Presence   float64 `json:"presence" msgpack:"presence"`
}

// PoseLandmarks represents the 33 pose landmarks detected for a single subject.
type PoseLandmarks struct {
	Points [NumLandmarks]Landmark `json:"points" msgpack:"points"`
}

// Connection is an unordered pair of landmark indices forming a skeletal segment.
type Connection struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Touches reports whether either endpoint of the connection is index.
func (c Connection) Touches(index int) bool {
	return c.A == index || c.B == index
}

// PoseConnections is the fixed BlazePose skeleton.
var PoseConnections = []Connection{
	// Face
	{Nose, LeftEyeInner}, {LeftEyeInner, LeftEye}, {LeftEye, LeftEyeOuter}, {LeftEyeOuter, LeftEar},
	{Nose, RightEyeInner}, {RightEyeInner, RightEye}, {RightEye, RightEyeOuter}, {RightEyeOuter, RightEar},
	{MouthLeft, MouthRight},

	// Torso
	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftHip}, {RightShoulder, RightHip}, {LeftHip, RightHip},

	// Arms and hands
	{LeftShoulder, LeftElbow}, {LeftElbow, LeftWrist},
	{LeftWrist, LeftPinky}, {LeftWrist, LeftIndex}, {LeftWrist, LeftThumb}, {LeftPinky, LeftIndex},
	{RightShoulder, RightElbow}, {RightElbow, RightWrist},
	{RightWrist, RightPinky}, {RightWrist, RightIndex}, {RightWrist, RightThumb}, {RightPinky, RightIndex},

	// Legs and feet
	{LeftHip, LeftKnee}, {LeftKnee, LeftAnkle},
	{LeftAnkle, LeftHeel}, {LeftHeel, LeftFootIndex}, {LeftAnkle, LeftFootIndex},
	{RightHip, RightKnee}, {RightKnee, RightAnkle},
	{RightAnkle, RightHeel}, {RightHeel, RightFootIndex}, {RightAnkle, RightFootIndex},
}
