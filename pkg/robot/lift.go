package robot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// LiftConfig describes the optional vertical axis sharing a follower bus.
// The motor runs in velocity mode with a closed loop on height in mm.
type LiftConfig struct {
	Side         Side    `json:"side"`
	MotorID      int     `json:"motor_id"`
	LeadMMPerRev float64 `json:"lead_mm_per_rev"`
	GearRatio    float64 `json:"gear_ratio,omitempty"`
	SoftMinMM    float64 `json:"soft_min_mm"`
	SoftMaxMM    float64 `json:"soft_max_mm"`
	HomeSpeed    int     `json:"home_speed,omitempty"`
	StallLoad    int     `json:"stall_load,omitempty"`
	BackoffMM    float64 `json:"backoff_mm,omitempty"`
	KpVel        float64 `json:"kp_vel,omitempty"`
	VMax         int     `json:"v_max,omitempty"`
	OnTargetMM   float64 `json:"on_target_mm,omitempty"`
	DirSign      int     `json:"dir_sign,omitempty"`
}

func (c *LiftConfig) defaults() {
	if c.GearRatio == 0 {
		c.GearRatio = 1
	}
	if c.HomeSpeed == 0 {
		c.HomeSpeed = 1000
	}
	if c.StallLoad == 0 {
		c.StallLoad = 600
	}
	if c.BackoffMM == 0 {
		c.BackoffMM = 5
	}
	if c.KpVel == 0 {
		c.KpVel = 300
	}
	if c.VMax == 0 {
		c.VMax = 1000
	}
	if c.OnTargetMM == 0 {
		c.OnTargetMM = 1
	}
	if c.DirSign == 0 {
		c.DirSign = 1
	}
}

// LiftMotor is the velocity-mode servo handle a Lift drives. Implemented by
// the feetech adapter and by SimLiftMotor for tests.
type LiftMotor interface {
	Position(ctx context.Context) (int, error)
	Load(ctx context.Context) (int, error)
	SetVelocity(ctx context.Context, vel int) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// ServoOpener is implemented by hardware buses that can hand out an extra
// servo handle sharing the same serial port.
type ServoOpener interface {
	OpenServo(ctx context.Context, id int) (LiftMotor, error)
}

func (b *feetechBus) OpenServo(ctx context.Context, id int) (LiftMotor, error) {
	found, err := b.bus.Scan(ctx, id, id)
	if err != nil {
		return nil, fmt.Errorf("scan servo %d: %w", id, err)
	}
	for _, s := range found {
		if s.ID == id {
			return &feetechLiftMotor{servo: feetech.NewServo(b.bus, s.ID, s.Model)}, nil
		}
	}
	return nil, fmt.Errorf("servo %d not responding", id)
}

type feetechLiftMotor struct {
	servo *feetech.Servo
}

func (m *feetechLiftMotor) Position(ctx context.Context) (int, error) {
	return m.servo.Position(ctx)
}

func (m *feetechLiftMotor) Load(ctx context.Context) (int, error) {
	return m.servo.Load(ctx)
}

func (m *feetechLiftMotor) SetVelocity(ctx context.Context, vel int) error {
	return m.servo.SetVelocity(ctx, vel)
}

func (m *feetechLiftMotor) Enable(ctx context.Context) error {
	return m.servo.Enable(ctx)
}

func (m *feetechLiftMotor) Disable(ctx context.Context) error {
	return m.servo.Disable(ctx)
}

const liftTicksPerRev = 4096.0

// Lift controls the vertical axis: multi-turn tick accounting on top of a
// single-turn encoder, a millimetre height closed loop, and stall-based
// homing against the lower hard stop.
type Lift struct {
	cfg   LiftConfig
	motor LiftMotor

	lastTick float64
	extTicks float64
	zeroDeg  float64
	targetMM float64
	homed    bool
}

// NewLift wraps a velocity-mode motor. Call Home before Update.
func NewLift(motor LiftMotor, cfg LiftConfig) *Lift {
	cfg.defaults()
	return &Lift{cfg: cfg, motor: motor}
}

func (l *Lift) mmPerDeg() float64 {
	return l.cfg.LeadMMPerRev * l.cfg.GearRatio / 360
}

// track folds a single-turn reading into the extended multi-turn count.
func (l *Lift) track(raw int) {
	tick := float64(raw)
	delta := tick - l.lastTick
	if delta > liftTicksPerRev/2 {
		delta -= liftTicksPerRev
	} else if delta < -liftTicksPerRev/2 {
		delta += liftTicksPerRev
	}
	l.extTicks += delta
	l.lastTick = tick
}

func (l *Lift) heightMM() float64 {
	deg := l.extTicks*360/liftTicksPerRev - l.zeroDeg
	return float64(l.cfg.DirSign) * deg * l.mmPerDeg()
}

// Home drives the axis down until the motor stalls against the hard stop,
// zeroes the height there, then backs off. Blocking; run before streaming.
func (l *Lift) Home(ctx context.Context) error {
	raw, err := l.motor.Position(ctx)
	if err != nil {
		return fmt.Errorf("lift home: %w", err)
	}
	l.lastTick = float64(raw)
	l.extTicks = float64(raw)

	if err := l.motor.Enable(ctx); err != nil {
		return fmt.Errorf("lift home: %w", err)
	}
	down := -l.cfg.DirSign * l.cfg.HomeSpeed
	if err := l.motor.SetVelocity(ctx, down); err != nil {
		return fmt.Errorf("lift home: %w", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = l.motor.SetVelocity(ctx, 0)
			return ctx.Err()
		case <-ticker.C:
		}
		raw, err := l.motor.Position(ctx)
		if err != nil {
			_ = l.motor.SetVelocity(ctx, 0)
			return fmt.Errorf("lift home: %w", err)
		}
		l.track(raw)
		load, err := l.motor.Load(ctx)
		if err != nil {
			_ = l.motor.SetVelocity(ctx, 0)
			return fmt.Errorf("lift home: %w", err)
		}
		if abs(load) >= l.cfg.StallLoad {
			break
		}
	}

	if err := l.motor.SetVelocity(ctx, 0); err != nil {
		return fmt.Errorf("lift home: %w", err)
	}
	l.zeroDeg = l.extTicks * 360 / liftTicksPerRev
	l.targetMM = l.cfg.BackoffMM
	l.homed = true
	return nil
}

// SetTarget sets the height setpoint, clamped to the soft limits.
func (l *Lift) SetTarget(mm float64) {
	if mm < l.cfg.SoftMinMM {
		mm = l.cfg.SoftMinMM
	}
	if mm > l.cfg.SoftMaxMM {
		mm = l.cfg.SoftMaxMM
	}
	l.targetMM = mm
}

// HeightMM returns the last computed height.
func (l *Lift) HeightMM() float64 { return l.heightMM() }

// Update runs one step of the height loop: read, unwrap, command velocity
// proportional to the remaining error. Non-blocking; called once per tick.
func (l *Lift) Update(ctx context.Context) error {
	if !l.homed {
		return nil
	}
	raw, err := l.motor.Position(ctx)
	if err != nil {
		return fmt.Errorf("lift update: %w", err)
	}
	l.track(raw)

	errMM := l.targetMM - l.heightMM()
	if math.Abs(errMM) <= l.cfg.OnTargetMM {
		return l.motor.SetVelocity(ctx, 0)
	}
	vel := int(l.cfg.KpVel * errMM)
	if vel > l.cfg.VMax {
		vel = l.cfg.VMax
	} else if vel < -l.cfg.VMax {
		vel = -l.cfg.VMax
	}
	return l.motor.SetVelocity(ctx, l.cfg.DirSign*vel)
}

// Stop zeroes the velocity command and releases the motor.
func (l *Lift) Stop(ctx context.Context) error {
	if err := l.motor.SetVelocity(ctx, 0); err != nil {
		return err
	}
	return l.motor.Disable(ctx)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
