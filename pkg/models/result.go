package models

// Result holds the two kinematic metrics derived from a batted-ball clip.
// LaunchAngle is in degrees above horizontal (signed, up is positive) and
// ExitVelocity is in miles per hour.
type Result struct {
	LaunchAngle  float64 `json:"launch_angle"`
	ExitVelocity float64 `json:"exit_velocity"`
	// Observations is the number of frames in which the ball was detected.
	Observations int `json:"observations"`
}

// Degenerate reports whether r is the zero-valued result returned when too few
// detections exist to model a trajectory.
func (r Result) Degenerate() bool {
	return r.LaunchAngle == 0 && r.ExitVelocity == 0
}
