package robot

import (
	"errors"
	"fmt"
)

// Calibration failure modes. Both are recoverable by re-running the session.
var (
	// ErrRangeTooSmall means a joint's observed min/max span is below the
	// noise floor, so the derived mapping would amplify encoder noise.
	ErrRangeTooSmall = errors.New("calibration range too small")

	// ErrIncomplete means Finish was called before every joint had an
	// extreme recorded on both sides of its rest position.
	ErrIncomplete = errors.New("calibration incomplete")
)

// DefaultNoiseFloor is the minimum raw range a joint must sweep before its
// calibration is trusted. Matches the range the setup wizard marks as good.
const DefaultNoiseFloor = 500

// CalibrationError wraps a per-joint calibration failure.
type CalibrationError struct {
	Motor MotorName
	Err   error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibrate %s: %v", e.Motor, e.Err)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// Session accumulates raw-position samples while the operator moves each
// joint through its range of motion. A session is bound to the hardware
// connection it was started with; a changed port binding invalidates it.
type Session struct {
	ids        map[MotorName]int
	rest       map[MotorName]int
	min        map[MotorName]int
	max        map[MotorName]int
	seen       map[MotorName]bool
	noiseFloor int
}

// BeginCalibration starts a calibration session for the given motors.
// The arm should be torque-disabled first so the operator can move it.
func BeginCalibration(ids map[MotorName]int) *Session {
	return &Session{
		ids:        ids,
		rest:       make(map[MotorName]int, len(ids)),
		min:        make(map[MotorName]int, len(ids)),
		max:        make(map[MotorName]int, len(ids)),
		seen:       make(map[MotorName]bool, len(ids)),
		noiseFloor: DefaultNoiseFloor,
	}
}

// SetNoiseFloor overrides the minimum accepted raw range.
func (s *Session) SetNoiseFloor(ticks int) { s.noiseFloor = ticks }

// RecordRest captures a joint's reference rest (mid) position. It also seeds
// the running min/max so a joint that never moves fails the range check.
func (s *Session) RecordRest(motor MotorName, raw int) {
	s.rest[motor] = raw
	if !s.seen[motor] {
		s.min[motor] = raw
		s.max[motor] = raw
		s.seen[motor] = true
	}
}

// RecordExtreme folds a raw-position sample into the joint's running
// min/max. Called repeatedly while the operator sweeps the joint.
func (s *Session) RecordExtreme(motor MotorName, raw int) {
	if !s.seen[motor] {
		s.min[motor] = raw
		s.max[motor] = raw
		s.seen[motor] = true
		return
	}
	if raw < s.min[motor] {
		s.min[motor] = raw
	}
	if raw > s.max[motor] {
		s.max[motor] = raw
	}
}

// Range returns the observed raw span for a motor so far.
func (s *Session) Range(motor MotorName) int {
	if !s.seen[motor] {
		return 0
	}
	return s.max[motor] - s.min[motor]
}

// Finish validates the recorded ranges and derives the calibration map.
// Every joint must have been swept past its rest position in both
// directions, and every range must clear the noise floor.
func (s *Session) Finish() (Calibration, error) {
	cal := make(Calibration, len(s.ids))
	for motor, id := range s.ids {
		if !s.seen[motor] {
			return nil, &CalibrationError{Motor: motor, Err: ErrIncomplete}
		}
		rest, ok := s.rest[motor]
		if !ok {
			return nil, &CalibrationError{Motor: motor, Err: ErrIncomplete}
		}
		if s.min[motor] >= rest || s.max[motor] <= rest {
			return nil, &CalibrationError{Motor: motor, Err: ErrIncomplete}
		}
		if s.max[motor]-s.min[motor] < s.noiseFloor {
			return nil, &CalibrationError{Motor: motor, Err: ErrRangeTooSmall}
		}
		cal[motor] = MotorCalibration{
			ID:       id,
			RangeMin: s.min[motor],
			RangeMax: s.max[motor],
		}
	}
	return cal, nil
}
