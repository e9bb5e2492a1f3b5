package teleop

import (
	"context"
	"fmt"

	"github.com/gwillem/alohamini/pkg/robot"
	"github.com/gwillem/alohamini/pkg/wire"
)

// LeaderSource samples live leader arms into per-arm commands. The leader
// arms are torque-disabled so the operator can move them freely.
type LeaderSource struct {
	arms   map[wire.ArmID]*robot.Arm
	mirror bool
}

// NewLeaderSource wraps calibrated leader arms and puts them in passive
// mode. With mirror set, shoulder_pan and wrist_roll are inverted so arms
// mounted facing each other track naturally.
func NewLeaderSource(ctx context.Context, arms map[wire.ArmID]*robot.Arm, mirror bool) (*LeaderSource, error) {
	for id, arm := range arms {
		if arm.CalibState() != robot.Calibrated {
			return nil, fmt.Errorf("%s leader arm is not calibrated", id)
		}
		if err := arm.Disable(ctx); err != nil {
			return nil, fmt.Errorf("disable %s leader arm: %w", id, err)
		}
	}
	return &LeaderSource{arms: arms, mirror: mirror}, nil
}

// Sample reads every leader arm and maps its pose through the leader's own
// calibration into a normalized command.
func (s *LeaderSource) Sample(ctx context.Context, tick uint64) (map[wire.ArmID]*wire.Command, error) {
	cmds := make(map[wire.ArmID]*wire.Command, len(s.arms))
	for id, arm := range s.arms {
		st, err := arm.ReadState(ctx, tick)
		if err != nil {
			return nil, fmt.Errorf("sample %s leader: %w", id, err)
		}
		targets := st.Positions
		if s.mirror {
			targets = make(map[robot.MotorName]float64, len(st.Positions))
			for name, pos := range st.Positions {
				if name == robot.ShoulderPan || name == robot.WristRoll {
					targets[name] = -pos
				} else {
					targets[name] = pos
				}
			}
		}
		cmds[id] = &wire.Command{
			ArmID:   id,
			Tick:    tick,
			Targets: targets,
		}
	}
	return cmds, nil
}

// Close releases the leader buses.
func (s *LeaderSource) Close() error {
	var firstErr error
	for _, arm := range s.arms {
		if err := arm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
