// Package host runs the control loop on the robot-side compute unit: it
// owns the follower arms, applies the freshest client command each tick,
// and streams state and camera frames back.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/alohamini/pkg/camera"
	"github.com/gwillem/alohamini/pkg/robot"
	"github.com/gwillem/alohamini/pkg/wire"
)

// State is the host loop's lifecycle state.
type State int

const (
	Idle State = iota
	AwaitingCalibration
	Streaming
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingCalibration:
		return "awaiting_calibration"
	case Streaming:
		return "streaming"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// CommandSource hands the loop the freshest pending command per arm.
// Implemented by link.Server; anything older than the last accepted tick
// never reaches the loop.
type CommandSource interface {
	LatestCommand(arm wire.ArmID) (*wire.Command, bool)
}

// ReplySink receives the loop's per-tick output. Sends must never block.
type ReplySink interface {
	SendState(*wire.ArmState)
	SendFrame(*wire.FramePacket)
}

// Config tunes the host loop.
type Config struct {
	// TickRate is the loop frequency in Hz.
	TickRate int

	// WatchdogTicks is how many command-less ticks pass before replies are
	// marked stale. The follower holds position either way; going limp on
	// link loss is not an option for a physical arm.
	WatchdogTicks int

	// MaxStep bounds motion per tick in normalized units. A command may
	// lower it for itself via its velocity limit, never raise it.
	MaxStep float64

	// CurrentLimitMA trips the overcurrent fault; CurrentScale converts
	// raw load units to mA. A zero limit disables the check.
	CurrentLimitMA float64
	CurrentScale   float64

	// Calibrate is invoked for each uncalibrated arm before streaming.
	// It bridges to whatever dialogue surface the operator has; leaving
	// it nil makes an uncalibrated arm a startup error.
	Calibrate func(ctx context.Context, arm *robot.Arm) error
}

func (c *Config) defaults() {
	if c.TickRate <= 0 {
		c.TickRate = robot.DefaultTickRate
	}
	if c.WatchdogTicks <= 0 {
		c.WatchdogTicks = robot.DefaultWatchdogTicks
	}
	if c.MaxStep <= 0 {
		c.MaxStep = robot.DefaultMaxStep
	}
	if c.CurrentScale <= 0 {
		c.CurrentScale = 1
	}
}

// armSlot is the loop's per-arm bookkeeping.
type armSlot struct {
	arm      *robot.Arm
	cams     []camera.Camera
	applied  map[robot.MotorName]float64 // clamped targets currently commanded
	lastCmd  *wire.Command
	sinceCmd int
}

// Host is the robot-side control loop.
type Host struct {
	cfg     Config
	cmds    CommandSource
	replies ReplySink
	log     zerolog.Logger

	slots   map[wire.ArmID]*armSlot
	lift    *robot.Lift
	liftArm wire.ArmID

	mu    sync.Mutex
	state State
	tick  uint64
}

// New creates a host loop over the given follower arms.
func New(cfg Config, arms map[wire.ArmID]*robot.Arm, cmds CommandSource, replies ReplySink, log zerolog.Logger) *Host {
	cfg.defaults()
	slots := make(map[wire.ArmID]*armSlot, len(arms))
	for id, arm := range arms {
		slots[id] = &armSlot{arm: arm}
	}
	return &Host{
		cfg:     cfg,
		cmds:    cmds,
		replies: replies,
		log:     log,
		slots:   slots,
		state:   Idle,
	}
}

// AttachCamera adds a camera whose frames are tagged with the given arm.
func (h *Host) AttachCamera(arm wire.ArmID, cam camera.Camera) {
	if slot, ok := h.slots[arm]; ok {
		slot.cams = append(slot.cams, cam)
	}
}

// AttachLift adds the optional vertical axis, reported on the given arm.
func (h *Host) AttachLift(arm wire.ArmID, lift *robot.Lift) {
	h.lift = lift
	h.liftArm = arm
}

// Status returns the loop's current lifecycle state.
func (h *Host) Status() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()
	if prev != s {
		h.log.Info().Stringer("from", prev).Stringer("to", s).Msg("state change")
	}
}

// Reset clears a fault after the operator has dealt with its cause. Torque
// is re-enabled and streaming resumes on the next tick; until then no
// command is applied.
func (h *Host) Reset(ctx context.Context) error {
	if h.Status() != Faulted {
		return fmt.Errorf("reset in state %s", h.Status())
	}
	for _, slot := range h.slots {
		if err := slot.arm.Enable(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		slot.sinceCmd = 0
	}
	h.setState(Streaming)
	return nil
}

// Run executes the loop until ctx is canceled. On any exit path the
// follower arms are torque-disabled before their buses are released.
func (h *Host) Run(ctx context.Context) error {
	if err := h.prepare(ctx); err != nil {
		return err
	}

	period := time.Second / time.Duration(h.cfg.TickRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer h.shutdown()

	h.log.Info().Int("hz", h.cfg.TickRate).Msg("streaming")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// One timeout bounds the whole tick regardless of what the
			// bus or the cameras are doing.
			tickCtx, cancel := context.WithTimeout(ctx, period)
			h.step(tickCtx)
			cancel()
		}
	}
}

// prepare walks Idle → AwaitingCalibration → Streaming.
func (h *Host) prepare(ctx context.Context) error {
	for id, slot := range h.slots {
		if slot.arm.CalibState() == robot.Calibrated {
			continue
		}
		h.setState(AwaitingCalibration)
		if h.cfg.Calibrate == nil {
			return fmt.Errorf("%s follower arm is not calibrated", id)
		}
		h.log.Info().Stringer("arm", id).Msg("calibration required")
		if err := h.cfg.Calibrate(ctx, slot.arm); err != nil {
			return fmt.Errorf("calibrate %s arm: %w", id, err)
		}
	}

	for id, slot := range h.slots {
		if err := slot.arm.Enable(ctx); err != nil {
			return fmt.Errorf("enable %s arm: %w", id, err)
		}
		st, err := slot.arm.ReadState(ctx, 0)
		if err != nil {
			return fmt.Errorf("initial read %s arm: %w", id, err)
		}
		// Ramp from where the arm actually is, not from zero.
		slot.applied = st.Positions
	}

	if h.lift != nil {
		if err := h.lift.Home(ctx); err != nil {
			return err
		}
	}

	h.setState(Streaming)
	return nil
}

func (h *Host) step(ctx context.Context) {
	h.mu.Lock()
	h.tick++
	state := h.state
	h.mu.Unlock()

	if state == Faulted {
		// Keep telling the client why nothing moves.
		for id, slot := range h.slots {
			h.replies.SendState(&wire.ArmState{
				ArmID:     id,
				Tick:      slot.cmdTick(),
				Positions: slot.applied,
				Faulted:   true,
			})
		}
		return
	}

	for id, slot := range h.slots {
		h.stepArm(ctx, id, slot)
		if h.Status() == Faulted {
			return
		}
	}

	if h.lift != nil {
		if err := h.lift.Update(ctx); err != nil {
			h.fault(err)
		}
	}
}

func (h *Host) stepArm(ctx context.Context, id wire.ArmID, slot *armSlot) {
	if cmd, ok := h.cmds.LatestCommand(id); ok {
		slot.lastCmd = cmd
		slot.sinceCmd = 0
		if h.lift != nil && id == h.liftArm && cmd.LiftMM != nil {
			h.lift.SetTarget(*cmd.LiftMM)
		}
	} else {
		slot.sinceCmd++
	}
	stale := slot.sinceCmd >= h.cfg.WatchdogTicks

	// Converge toward the last valid command under the velocity clamp.
	// During an outage this finishes reaching the held target and then
	// stops issuing writes; the servos hold torque on their own.
	if slot.lastCmd != nil {
		if moved := slot.clampToward(slot.lastCmd, h.cfg.MaxStep); moved {
			if err := slot.arm.WritePositions(ctx, slot.applied); err != nil {
				h.fault(err)
				return
			}
		}
	}

	if err := h.checkCurrent(ctx, slot); err != nil {
		h.fault(err)
		return
	}

	st, err := slot.arm.ReadState(ctx, slot.cmdTick())
	if err != nil {
		h.fault(err)
		return
	}

	reply := &wire.ArmState{
		ArmID:      id,
		Tick:       st.Tick,
		Positions:  st.Positions,
		Velocities: st.Velocities,
		Stale:      stale,
	}
	if h.lift != nil && id == h.liftArm {
		reply.LiftMM = h.lift.HeightMM()
	}
	h.replies.SendState(reply)

	for _, cam := range slot.cams {
		frame, err := cam.Capture(ctx, st.Tick)
		if err != nil {
			// A missed frame is not a safety problem. Log and move on.
			h.log.Warn().Err(err).Str("camera", cam.Name()).Msg("capture failed")
			continue
		}
		h.replies.SendFrame(&wire.FramePacket{
			ArmID:  id,
			Tick:   frame.Tick,
			Camera: frame.Name,
			JPEG:   frame.JPEG,
		})
	}
}

func (slot *armSlot) cmdTick() uint64 {
	if slot.lastCmd != nil {
		return slot.lastCmd.Tick
	}
	return 0
}

// clampToward advances the applied targets toward the command by at most
// the per-tick step and reports whether anything changed.
func (slot *armSlot) clampToward(cmd *wire.Command, maxStep float64) bool {
	step := maxStep
	if cmd.VelocityLimit > 0 && cmd.VelocityLimit < step {
		step = cmd.VelocityLimit
	}
	if slot.applied == nil {
		slot.applied = make(map[robot.MotorName]float64, len(cmd.Targets))
	}
	moved := false
	next := make(map[robot.MotorName]float64, len(slot.applied))
	for name, cur := range slot.applied {
		next[name] = cur
	}
	for name, target := range cmd.Targets {
		cur, ok := next[name]
		if !ok {
			cur = target
		}
		delta := target - cur
		if delta > step {
			delta = step
		} else if delta < -step {
			delta = -step
		}
		if delta != 0 {
			moved = true
		}
		next[name] = cur + delta
	}
	slot.applied = next
	return moved
}

func (h *Host) checkCurrent(ctx context.Context, slot *armSlot) error {
	if h.cfg.CurrentLimitMA <= 0 {
		return nil
	}
	loads, err := slot.arm.ReadLoads(ctx)
	if err != nil {
		return err
	}
	for name, load := range loads {
		ma := float64(load) * h.cfg.CurrentScale
		if ma < 0 {
			ma = -ma
		}
		if ma > h.cfg.CurrentLimitMA {
			return fmt.Errorf("%s: %.1f mA over %.1f mA limit: %w",
				name, ma, h.cfg.CurrentLimitMA, robot.ErrOvercurrent)
		}
	}
	return nil
}

// fault is the only transition into Faulted: torque off everywhere, stop
// applying commands, wait for an explicit Reset.
func (h *Host) fault(err error) {
	h.log.Error().Err(err).Msg("actuator fault, disabling torque")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, slot := range h.slots {
		if derr := slot.arm.Disable(ctx); derr != nil {
			h.log.Error().Err(derr).Msg("torque disable failed")
		}
	}
	if h.lift != nil {
		if lerr := h.lift.Stop(ctx); lerr != nil && !errors.Is(lerr, context.Canceled) {
			h.log.Error().Err(lerr).Msg("lift stop failed")
		}
	}
	h.setState(Faulted)
}

// shutdown torque-disables everything before the buses are released.
func (h *Host) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if h.lift != nil {
		_ = h.lift.Stop(ctx)
	}
	for id, slot := range h.slots {
		if err := slot.arm.Disable(ctx); err != nil {
			h.log.Error().Err(err).Stringer("arm", id).Msg("shutdown disable failed")
		}
	}
	h.log.Info().Msg("host loop stopped")
}
