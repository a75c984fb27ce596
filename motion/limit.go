package motion

import (
	"github.com/crest-lab/zwscan/util"
)

// Limited wraps a Stage and refuses moves whose target lies outside Limits.
// Relative targets are computed from the current position.
type Limited struct {
	Stage

	// Axis names the axis in faults
	Axis string

	// Limits are the inclusive soft limits, µm
	Limits util.Limiter
}

// MoveAbs moves to pos if it is within the limits
func (l Limited) MoveAbs(pos, vel float64) error {
	if !l.Limits.Check(pos) {
		return &Fault{Axis: l.Axis, Op: "move abs", Err: ErrSoftLimit}
	}
	return l.Stage.MoveAbs(pos, vel)
}

// MoveRel moves by delta if the resulting position is within the limits
func (l Limited) MoveRel(delta, vel float64) error {
	curr, err := l.Stage.GetPos()
	if err != nil {
		return AsFault(l.Axis, "get pos", err)
	}
	if !l.Limits.Check(curr + delta) {
		return &Fault{Axis: l.Axis, Op: "move rel", Err: ErrSoftLimit}
	}
	return l.Stage.MoveRel(delta, vel)
}
