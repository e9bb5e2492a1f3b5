package host

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/alohamini/pkg/camera"
	"github.com/gwillem/alohamini/pkg/robot"
	"github.com/gwillem/alohamini/pkg/wire"
)

// fakeCmds is a single-slot command source the tests load by hand.
type fakeCmds struct {
	pending map[wire.ArmID]*wire.Command
}

func newFakeCmds() *fakeCmds {
	return &fakeCmds{pending: make(map[wire.ArmID]*wire.Command)}
}

func (f *fakeCmds) put(cmd *wire.Command) { f.pending[cmd.ArmID] = cmd }

func (f *fakeCmds) LatestCommand(arm wire.ArmID) (*wire.Command, bool) {
	cmd, ok := f.pending[arm]
	if ok {
		delete(f.pending, arm)
	}
	return cmd, ok
}

// fakeSink records every reply the loop emits.
type fakeSink struct {
	states []*wire.ArmState
	frames []*wire.FramePacket
}

func (f *fakeSink) SendState(st *wire.ArmState) { f.states = append(f.states, st) }
func (f *fakeSink) SendFrame(p *wire.FramePacket) { f.frames = append(f.frames, p) }

func (f *fakeSink) lastState() *wire.ArmState {
	if len(f.states) == 0 {
		return nil
	}
	return f.states[len(f.states)-1]
}

// countingBus counts actuator writes on top of the simulated bus.
type countingBus struct {
	*robot.SimBus
	writes int
}

func (b *countingBus) WritePositions(ctx context.Context, targets map[int]int) error {
	b.writes++
	return b.SimBus.WritePositions(ctx, targets)
}

func testCalibration() robot.Calibration {
	cal := robot.Calibration{}
	for i, name := range robot.AllMotors() {
		cal[name] = robot.MotorCalibration{ID: i + 1, RangeMin: 1000, RangeMax: 3000}
	}
	return cal
}

func followerArm() (*robot.Arm, *countingBus) {
	initial := make(map[int]int)
	for i := range robot.AllMotors() {
		initial[i+1] = 2000
	}
	bus := &countingBus{SimBus: robot.NewSimBus(initial)}
	arm := robot.NewArm(bus, robot.RoleFollower, robot.SideLeft, testCalibration())
	return arm, bus
}

func newTestHost(cfg Config) (*Host, *countingBus, *fakeCmds, *fakeSink) {
	arm, bus := followerArm()
	cmds := newFakeCmds()
	sink := &fakeSink{}
	h := New(cfg, map[wire.ArmID]*robot.Arm{wire.ArmLeft: arm}, cmds, sink, zerolog.Nop())
	return h, bus, cmds, sink
}

func TestPrepare_EnablesAndSeeds(t *testing.T) {
	h, bus, _, _ := newTestHost(Config{})
	require.NoError(t, h.prepare(context.Background()))

	assert.Equal(t, Streaming, h.Status())
	assert.True(t, bus.TorqueEnabled())
	// Applied targets ramp from the measured pose, not from zero.
	assert.InDelta(t, 0, h.slots[wire.ArmLeft].applied[robot.WristFlex], 1e-9)
}

func TestPrepare_UncalibratedWithoutHook(t *testing.T) {
	bus := robot.NewSimBus(map[int]int{1: 2000})
	arm := robot.NewArm(bus, robot.RoleFollower, robot.SideLeft, nil)
	h := New(Config{}, map[wire.ArmID]*robot.Arm{wire.ArmLeft: arm}, newFakeCmds(), &fakeSink{}, zerolog.Nop())

	err := h.prepare(context.Background())
	assert.Error(t, err)
	assert.Equal(t, AwaitingCalibration, h.Status())
}

func TestPrepare_CalibrateHookRuns(t *testing.T) {
	initial := make(map[int]int)
	for i := range robot.AllMotors() {
		initial[i+1] = 2000
	}
	bus := robot.NewSimBus(initial)
	arm := robot.NewArm(bus, robot.RoleFollower, robot.SideLeft, nil)

	called := false
	cfg := Config{Calibrate: func(ctx context.Context, a *robot.Arm) error {
		called = true
		a.SetCalibration(testCalibration())
		return nil
	}}
	h := New(cfg, map[wire.ArmID]*robot.Arm{wire.ArmLeft: arm}, newFakeCmds(), &fakeSink{}, zerolog.Nop())

	require.NoError(t, h.prepare(context.Background()))
	assert.True(t, called)
	assert.Equal(t, Streaming, h.Status())
}

// The follower converges toward the commanded pose one clamped step per
// tick instead of jumping.
func TestStep_ClampedConvergence(t *testing.T) {
	h, bus, cmds, sink := newTestHost(Config{MaxStep: 0.05, WatchdogTicks: 100})
	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))

	cmds.put(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    1,
		Targets: map[robot.MotorName]float64{robot.WristFlex: 0.5},
	})

	for i := 0; i < 12; i++ {
		h.step(ctx)
	}

	// 0.5 at 0.05 per tick takes 10 ticks; raw target is 2000 + 0.5*1000.
	assert.Equal(t, 2500, bus.Target(4))
	assert.Equal(t, 10, bus.writes)

	require.NotEmpty(t, sink.states)
	last := sink.lastState()
	assert.InDelta(t, 0.5, last.Positions[robot.WristFlex], 1e-9)
	assert.Equal(t, uint64(1), last.Tick)
	assert.False(t, last.Stale)
}

func TestStep_CommandVelocityLimit(t *testing.T) {
	h, bus, cmds, _ := newTestHost(Config{MaxStep: 0.05, WatchdogTicks: 100})
	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))

	cmds.put(&wire.Command{
		ArmID:         wire.ArmLeft,
		Tick:          1,
		Targets:       map[robot.MotorName]float64{robot.WristFlex: 0.5},
		VelocityLimit: 0.01,
	})
	h.step(ctx)

	// One tick moves at most the command's own limit.
	assert.Equal(t, 2010, bus.Target(4))
}

// During a link outage the loop keeps replying, flags the replies stale
// after the watchdog period, and issues no writes beyond the last valid
// command.
func TestStep_WatchdogStaleHold(t *testing.T) {
	h, bus, cmds, sink := newTestHost(Config{MaxStep: 0.05, WatchdogTicks: 3})
	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))

	cmds.put(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    7,
		Targets: map[robot.MotorName]float64{robot.WristFlex: 0.05},
	})
	h.step(ctx) // applies the command in one step
	require.Equal(t, 1, bus.writes)
	require.False(t, sink.lastState().Stale)

	// Ten command-less ticks: replies keep flowing, writes do not.
	for i := 0; i < 10; i++ {
		h.step(ctx)
	}
	assert.Equal(t, 1, bus.writes)
	assert.Len(t, sink.states, 11)

	staleCount := 0
	for _, st := range sink.states {
		if st.Stale {
			staleCount++
		}
		assert.Equal(t, uint64(7), st.Tick)
		assert.InDelta(t, 0.05, st.Positions[robot.WristFlex], 1e-9)
	}
	// Ticks 2 and 3 after the command are within the watchdog budget.
	assert.Equal(t, 8, staleCount)

	// A fresh command clears the stale flag and motion resumes.
	cmds.put(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    20,
		Targets: map[robot.MotorName]float64{robot.WristFlex: 0.1},
	})
	h.step(ctx)
	assert.Equal(t, 2, bus.writes)
	assert.False(t, sink.lastState().Stale)
	assert.Equal(t, uint64(20), sink.lastState().Tick)
}

func TestStep_ReplyTickBeforeFirstCommand(t *testing.T) {
	h, _, _, sink := newTestHost(Config{WatchdogTicks: 100})
	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))

	h.step(ctx)
	assert.Equal(t, uint64(0), sink.lastState().Tick)
}

func TestStep_OvercurrentFaultsAndResets(t *testing.T) {
	h, bus, cmds, sink := newTestHost(Config{
		WatchdogTicks:  100,
		CurrentLimitMA: 1500,
		CurrentScale:   1,
	})
	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))

	bus.SetLoad(3, 2000) // elbow_flex over the limit
	h.step(ctx)

	assert.Equal(t, Faulted, h.Status())
	assert.False(t, bus.TorqueEnabled())

	// While faulted: no writes, replies flagged so the client knows why.
	cmds.put(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    5,
		Targets: map[robot.MotorName]float64{robot.WristFlex: 0.5},
	})
	before := bus.writes
	h.step(ctx)
	assert.Equal(t, before, bus.writes)
	require.NotNil(t, sink.lastState())
	assert.True(t, sink.lastState().Faulted)

	// Reset requires the cause to be gone first; it re-enables torque.
	bus.SetLoad(3, 0)
	require.NoError(t, h.Reset(ctx))
	assert.Equal(t, Streaming, h.Status())
	assert.True(t, bus.TorqueEnabled())

	h.step(ctx)
	assert.Equal(t, Streaming, h.Status())
	assert.False(t, sink.lastState().Faulted)
}

func TestReset_OnlyFromFaulted(t *testing.T) {
	h, _, _, _ := newTestHost(Config{})
	require.NoError(t, h.prepare(context.Background()))
	assert.Error(t, h.Reset(context.Background()))
}

func TestStep_BusErrorFaults(t *testing.T) {
	h, bus, cmds, _ := newTestHost(Config{WatchdogTicks: 100})
	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))

	cmds.put(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    1,
		Targets: map[robot.MotorName]float64{robot.WristFlex: 0.05},
	})
	bus.FailNext = errors.New("packet checksum")
	h.step(ctx)

	assert.Equal(t, Faulted, h.Status())
	assert.False(t, bus.TorqueEnabled())
}

func TestStep_CameraFrames(t *testing.T) {
	h, _, cmds, sink := newTestHost(Config{WatchdogTicks: 100})
	h.AttachCamera(wire.ArmLeft, camera.NewTestPattern("wrist", 32, 24))
	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))

	cmds.put(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    9,
		Targets: map[robot.MotorName]float64{robot.WristFlex: 0},
	})
	h.step(ctx)

	require.Len(t, sink.frames, 1)
	f := sink.frames[0]
	assert.Equal(t, "wrist", f.Camera)
	assert.Equal(t, uint64(9), f.Tick)
	assert.Equal(t, wire.ArmLeft, f.ArmID)
	// JPEG SOI marker
	require.True(t, len(f.JPEG) > 2)
	assert.Equal(t, []byte{0xff, 0xd8}, f.JPEG[:2])
}

type fakeLiftMotor struct {
	pos  int
	vel  int
	load int
	on   bool
}

func (m *fakeLiftMotor) Position(ctx context.Context) (int, error) {
	m.pos += m.vel / 4
	if m.pos < 0 {
		m.pos = 0
	}
	return m.pos % 4096, nil
}

func (m *fakeLiftMotor) Load(ctx context.Context) (int, error) { return m.load, nil }

func (m *fakeLiftMotor) SetVelocity(ctx context.Context, vel int) error {
	m.vel = vel
	return nil
}

func (m *fakeLiftMotor) Enable(ctx context.Context) error {
	m.on = true
	return nil
}

func (m *fakeLiftMotor) Disable(ctx context.Context) error {
	m.on = false
	return nil
}

func TestStep_LiftFollowsCommandSetpoint(t *testing.T) {
	h, _, cmds, sink := newTestHost(Config{WatchdogTicks: 100})
	motor := &fakeLiftMotor{pos: 2000, load: 700} // stalls immediately when homing
	lift := robot.NewLift(motor, robot.LiftConfig{
		MotorID:      7,
		LeadMMPerRev: 84,
		SoftMinMM:    0,
		SoftMaxMM:    120,
	})
	h.AttachLift(wire.ArmLeft, lift)

	ctx := context.Background()
	require.NoError(t, h.prepare(ctx))
	motor.load = 0

	mm := 60.0
	cmds.put(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    1,
		Targets: map[robot.MotorName]float64{robot.WristFlex: 0},
		LiftMM:  &mm,
	})
	for i := 0; i < 300; i++ {
		h.step(ctx)
	}

	assert.InDelta(t, 60, lift.HeightMM(), 1.5)
	assert.InDelta(t, 60, sink.lastState().LiftMM, 1.5)
}
