// Package detector runs single-person pose estimation over capture frames.
package detector

// COCO keypoint indices as produced by MoveNet.
const (
	Nose = iota
	LeftEye
	RightEye
	LeftEar
	RightEar
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	NumKeypoints
)

// KeypointNames maps keypoint indices to their wire names.
var KeypointNames = [NumKeypoints]string{
	"nose",
	"left_eye",
	"right_eye",
	"left_ear",
	"right_ear",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
}

// MinRenderScore is the keypoint score below which renderers skip a point.
const MinRenderScore = 0.3

// Edge joins two keypoints of the skeleton.
type Edge struct {
	From int
	To   int
}

// Skeleton lists the keypoint pairs drawn as bones.
var Skeleton = []Edge{
	{Nose, LeftEye},
	{Nose, RightEye},
	{LeftEye, LeftEar},
	{RightEye, RightEar},
	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow},
	{RightShoulder, RightElbow},
	{LeftElbow, LeftWrist},
	{RightElbow, RightWrist},
	{LeftShoulder, LeftHip},
	{RightShoulder, RightHip},
	{LeftHip, RightHip},
	{LeftHip, LeftKnee},
	{RightHip, RightKnee},
	{LeftKnee, LeftAnkle},
	{RightKnee, RightAnkle},
}

// Keypoint is one scored body point in frame pixel coordinates.
type Keypoint struct {
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Detection is one detected pose.
type Detection struct {
	Keypoints []Keypoint `json:"keypoints"`
	Score     *float64   `json:"score,omitempty"`
}

// Keypoint returns the keypoint with the given name.
func (d Detection) Keypoint(name string) (Keypoint, bool) {
	for _, kp := range d.Keypoints {
		if kp.Name == name {
			return kp, true
		}
	}
	return Keypoint{}, false
}

// Visible reports whether k scores at least minScore.
func (k Keypoint) Visible(minScore float64) bool {
	return k.Score >= minScore
}

// Bones returns the skeleton edges whose endpoints are both Visible at
// minScore, as pairs of keypoints.
func (d Detection) Bones(minScore float64) [][2]Keypoint {
	byName := make(map[string]Keypoint, len(d.Keypoints))
	for _, kp := range d.Keypoints {
		byName[kp.Name] = kp
	}

	var bones [][2]Keypoint
	for _, e := range Skeleton {
		a, okA := byName[KeypointNames[e.From]]
		b, okB := byName[KeypointNames[e.To]]
		if okA && okB && a.Visible(minScore) && b.Visible(minScore) {
			bones = append(bones, [2]Keypoint{a, b})
		}
	}
	return bones
}

// CloneDetections returns a deep copy of ds.
func CloneDetections(ds []Detection) []Detection {
	if ds == nil {
		return nil
	}
	out := make([]Detection, len(ds))
	for i, d := range ds {
		out[i].Keypoints = append([]Keypoint(nil), d.Keypoints...)
		if d.Score != nil {
			s := *d.Score
			out[i].Score = &s
		}
	}
	return out
}
