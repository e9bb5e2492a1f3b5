package robot

import (
	"context"
	"fmt"
	"time"
)

// State is an immutable snapshot of one arm taken on a control tick.
// Positions and velocities are in normalized units; Tick is the logical
// clock shared by both ends of the teleoperation link.
type State struct {
	Role       Role
	Side       Side
	Tick       uint64
	Positions  map[MotorName]float64
	Velocities map[MotorName]float64
}

// Arm represents one physical robot arm on its own servo bus.
type Arm struct {
	bus        Bus
	role       Role
	side       Side
	cal        Calibration
	calState   CalibState
	lastPos    map[MotorName]float64
	lastReadAt time.Time
}

// NewArm wraps an open bus. The arm starts uncalibrated unless cal already
// holds a full mapping for its motors.
func NewArm(bus Bus, role Role, side Side, cal Calibration) *Arm {
	a := &Arm{
		bus:  bus,
		role: role,
		side: side,
	}
	if len(cal) > 0 {
		a.SetCalibration(cal)
	}
	return a
}

// OpenArm opens the serial port for an arm and wraps it. Motor IDs come
// from the calibration when present, servo IDs 1-6 otherwise.
func OpenArm(ctx context.Context, port string, role Role, side Side, cal Calibration) (*Arm, error) {
	ids := cal.MotorIDs()
	if len(ids) == 0 {
		for i := range AllMotors() {
			ids = append(ids, i+1)
		}
	}
	bus, err := OpenBus(ctx, port, ids)
	if err != nil {
		return nil, fmt.Errorf("open %s %s arm: %w", side, role, err)
	}
	return NewArm(bus, role, side, cal), nil
}

func (a *Arm) Role() Role             { return a.role }
func (a *Arm) Side() Side             { return a.side }
func (a *Arm) CalibState() CalibState { return a.calState }

// Calibration returns the arm's current raw-to-normalized mapping.
func (a *Arm) Calibration() Calibration { return a.cal }

// Bus exposes the underlying bus for calibration sessions, which need raw
// positions before any mapping exists.
func (a *Arm) Bus() Bus { return a.bus }

// SetCalibration installs a finished calibration map and marks the arm
// usable. This is the only path from uncalibrated to calibrated.
func (a *Arm) SetCalibration(cal Calibration) {
	a.cal = cal
	a.calState = Calibrated
	a.lastPos = nil
}

// BeginCalibration torque-disables the arm and starts a session over its
// motors. The arm stays unusable until SetCalibration is called with the
// session's result.
func (a *Arm) BeginCalibration(ctx context.Context) (*Session, error) {
	if err := a.bus.DisableTorque(ctx); err != nil {
		return nil, err
	}
	a.calState = Calibrating
	ids := make(map[MotorName]int, len(AllMotors()))
	for i, name := range AllMotors() {
		id := i + 1
		if mc, ok := a.cal[name]; ok {
			id = mc.ID
		}
		ids[name] = id
	}
	return BeginCalibration(ids), nil
}

// Enable enables torque on all servos.
func (a *Arm) Enable(ctx context.Context) error {
	return a.bus.EnableTorque(ctx)
}

// Disable disables torque on all servos.
func (a *Arm) Disable(ctx context.Context) error {
	return a.bus.DisableTorque(ctx)
}

// ReadState reads all motors and produces a snapshot for the given tick.
// Velocities are derived from the previous read; the first read after
// (re)calibration reports zero velocity. Requires a calibrated arm.
func (a *Arm) ReadState(ctx context.Context, tick uint64) (*State, error) {
	if a.calState != Calibrated {
		return nil, fmt.Errorf("%s %s arm is %s", a.side, a.role, a.calState)
	}

	rawPositions, err := a.bus.ReadPositions(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	dt := now.Sub(a.lastReadAt).Seconds()

	positions := make(map[MotorName]float64, len(rawPositions))
	velocities := make(map[MotorName]float64, len(rawPositions))
	for id, raw := range rawPositions {
		name, cal, ok := a.cal.ByID(id)
		if !ok {
			continue
		}
		norm := cal.Normalize(raw)
		positions[name] = norm
		if prev, ok := a.lastPos[name]; ok && dt > 0 {
			velocities[name] = (norm - prev) / dt
		}
	}

	a.lastPos = positions
	a.lastReadAt = now

	return &State{
		Role:       a.role,
		Side:       a.side,
		Tick:       tick,
		Positions:  positions,
		Velocities: velocities,
	}, nil
}

// ReadLoads reads present motor loads in raw load units, keyed by name.
func (a *Arm) ReadLoads(ctx context.Context) (map[MotorName]int, error) {
	raw, err := a.bus.ReadLoads(ctx)
	if err != nil {
		return nil, err
	}
	loads := make(map[MotorName]int, len(raw))
	for id, load := range raw {
		if name, _, ok := a.cal.ByID(id); ok {
			loads[name] = load
		}
	}
	return loads, nil
}

// WritePositions commands normalized target positions. Motors absent from
// the map are left alone.
func (a *Arm) WritePositions(ctx context.Context, targets map[MotorName]float64) error {
	if a.calState != Calibrated {
		return fmt.Errorf("%s %s arm is %s", a.side, a.role, a.calState)
	}
	raw := make(map[int]int, len(targets))
	for name, norm := range targets {
		cal, ok := a.cal[name]
		if !ok {
			continue
		}
		raw[cal.ID] = cal.Denormalize(norm)
	}
	return a.bus.WritePositions(ctx, raw)
}

// Close torque-disables the arm before releasing the bus. Disabling first
// is part of the shutdown contract: never drop the port with torque held
// in an unknown state.
func (a *Arm) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if a.role == RoleFollower {
		_ = a.bus.DisableTorque(ctx)
	}
	return a.bus.Close()
}
