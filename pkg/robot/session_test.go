package robot

import (
	"errors"
	"math"
	"testing"
)

func fullSweep(s *Session, motor MotorName, rest, min, max int) {
	s.RecordRest(motor, rest)
	for raw := rest; raw >= min; raw -= 50 {
		s.RecordExtreme(motor, raw)
	}
	s.RecordExtreme(motor, min)
	for raw := min; raw <= max; raw += 50 {
		s.RecordExtreme(motor, raw)
	}
	s.RecordExtreme(motor, max)
}

func TestSession_FullRange(t *testing.T) {
	ids := map[MotorName]int{}
	for i, name := range AllMotors() {
		ids[name] = i + 1
	}
	s := BeginCalibration(ids)
	for _, name := range AllMotors() {
		fullSweep(s, name, 2048, 1000, 3100)
	}

	cal, err := s.Finish()
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}

	for _, name := range AllMotors() {
		mc := cal[name]
		if mc.ID != ids[name] {
			t.Errorf("%s: ID = %d, want %d", name, mc.ID, ids[name])
		}
		// Midpoint of the recorded range maps to ~0, extremes to ±1.
		mid := (mc.RangeMin + mc.RangeMax) / 2
		if got := mc.Normalize(mid); math.Abs(got) > 0.001 {
			t.Errorf("%s: Normalize(mid) = %f, want 0", name, got)
		}
		if got := mc.Normalize(mc.RangeMin); math.Abs(got+1) > 0.001 {
			t.Errorf("%s: Normalize(min) = %f, want -1", name, got)
		}
		if got := mc.Normalize(mc.RangeMax); math.Abs(got-1) > 0.001 {
			t.Errorf("%s: Normalize(max) = %f, want 1", name, got)
		}
	}
}

func TestSession_RangeTooSmall(t *testing.T) {
	s := BeginCalibration(map[MotorName]int{WristFlex: 4})
	// A joint that barely moves must never yield a usable mapping.
	s.RecordRest(WristFlex, 2048)
	s.RecordExtreme(WristFlex, 2040)
	s.RecordExtreme(WristFlex, 2060)

	_, err := s.Finish()
	if !errors.Is(err, ErrRangeTooSmall) {
		t.Fatalf("Finish() = %v, want ErrRangeTooSmall", err)
	}

	var calErr *CalibrationError
	if !errors.As(err, &calErr) {
		t.Fatal("error is not a *CalibrationError")
	}
	if calErr.Motor != WristFlex {
		t.Errorf("error motor = %s, want wrist_flex", calErr.Motor)
	}
}

func TestSession_Incomplete(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Session)
	}{
		{"no samples at all", func(s *Session) {}},
		{"no rest recorded", func(s *Session) {
			s.RecordExtreme(Gripper, 1000)
			s.RecordExtreme(Gripper, 3000)
		}},
		{"only one side of rest", func(s *Session) {
			s.RecordRest(Gripper, 2048)
			s.RecordExtreme(Gripper, 3000)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := BeginCalibration(map[MotorName]int{Gripper: 6})
			tt.setup(s)
			_, err := s.Finish()
			if !errors.Is(err, ErrIncomplete) {
				t.Fatalf("Finish() = %v, want ErrIncomplete", err)
			}
		})
	}
}

func TestSession_NoiseFloorOverride(t *testing.T) {
	s := BeginCalibration(map[MotorName]int{ElbowFlex: 3})
	s.SetNoiseFloor(50)
	s.RecordRest(ElbowFlex, 2048)
	s.RecordExtreme(ElbowFlex, 2000)
	s.RecordExtreme(ElbowFlex, 2100)

	if _, err := s.Finish(); err != nil {
		t.Fatalf("Finish() with lowered floor: %v", err)
	}
}

func TestSession_Range(t *testing.T) {
	s := BeginCalibration(map[MotorName]int{WristRoll: 5})
	if got := s.Range(WristRoll); got != 0 {
		t.Errorf("Range before samples = %d, want 0", got)
	}
	s.RecordExtreme(WristRoll, 1500)
	s.RecordExtreme(WristRoll, 2500)
	if got := s.Range(WristRoll); got != 1000 {
		t.Errorf("Range = %d, want 1000", got)
	}
}
