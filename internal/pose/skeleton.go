package pose

// Bone is a parent to child edge of the skeleton topology.
type Bone struct {
	From JointType
	To   JointType
}

// skeleton lists the bones checked by anomaly rejection, in evaluation order.
// Order matters: once a child joint is discarded, later bones touching it are
// skipped, so the table walks outward from the head and the pelvis.
var skeleton = [...]Bone{
	{Top, Neck},
	{Neck, LeftShoulder},
	{LeftShoulder, LeftElbow},
	{LeftElbow, LeftWrist},
	{Neck, RightShoulder},
	{RightShoulder, RightElbow},
	{RightElbow, RightWrist},
	{Neck, Thorax},
	{Thorax, Pelvis},
	{Pelvis, LeftHip},
	{LeftHip, LeftKnee},
	{LeftKnee, LeftAnkle},
	{Pelvis, RightHip},
	{RightHip, RightKnee},
	{RightKnee, RightAnkle},
}

// Skeleton returns a copy of the bone table.
func Skeleton() []Bone {
	out := make([]Bone, len(skeleton))
	copy(out, skeleton[:])
	return out
}
