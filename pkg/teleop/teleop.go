// Package teleop runs the PC-side control loop: sample the leader arms,
// send commands to the host, poll the freshest follower replies.
package teleop

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/alohamini/pkg/episode"
	"github.com/gwillem/alohamini/pkg/wire"
)

// CommandSource produces the commands for one tick. Live teleoperation
// samples the leader arms; replay reads a recorded episode. Both feed the
// host the identical protocol. Sample returns io.EOF when the source is
// exhausted.
type CommandSource interface {
	Sample(ctx context.Context, tick uint64) (map[wire.ArmID]*wire.Command, error)
	Close() error
}

// Link is the client's view of the teleoperation transport. Sends are
// fire-and-forget; receives are non-blocking latest-wins polls. A down
// link must never stall the leader sampling tick.
type Link interface {
	SendCommand(*wire.Command) error
	LatestState(arm wire.ArmID) (*wire.ArmState, bool)
	LatestFrame(arm wire.ArmID) (*wire.FramePacket, bool)
	Connected() bool
	Close() error
}

// State represents one tick of teleoperation, for display and recording.
type State struct {
	Tick      uint64
	Leader    map[wire.ArmID]*wire.Command
	Follower  map[wire.ArmID]*wire.ArmState
	LinkUp    bool
	Stale     bool
	Error     error
	Timestamp time.Time
}

// Config holds configuration for the controller.
type Config struct {
	Hz int
}

// Controller manages the client-side control loop.
type Controller struct {
	source CommandSource
	link   Link
	hz     int
	log    zerolog.Logger

	mu        sync.Mutex
	running   bool
	tick      uint64
	liftMM    map[wire.ArmID]float64
	recorder  episode.Sink
	recording bool

	stateCh chan State
	logCh   chan string
}

// NewController creates a client control loop over a command source and a
// host link.
func NewController(cfg Config, source CommandSource, link Link, log zerolog.Logger) *Controller {
	if cfg.Hz <= 0 {
		cfg.Hz = 30
	}
	return &Controller{
		source:  source,
		link:    link,
		hz:      cfg.Hz,
		log:     log,
		liftMM:  make(map[wire.ArmID]float64),
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 10),
	}
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

func (c *Controller) logf(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// SetLiftTarget sets the vertical-axis setpoint carried on commands for
// the given arm.
func (c *Controller) SetLiftTarget(arm wire.ArmID, mm float64) {
	c.mu.Lock()
	c.liftMM[arm] = mm
	c.mu.Unlock()
}

// AdjustLift nudges the vertical-axis setpoint by deltaMM.
func (c *Controller) AdjustLift(arm wire.ArmID, deltaMM float64) {
	c.mu.Lock()
	c.liftMM[arm] += deltaMM
	c.mu.Unlock()
}

// StartRecording begins an episode. The recorder sees its first tuple on
// the next complete tick, never a partial one.
func (c *Controller) StartRecording(sink episode.Sink, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return fmt.Errorf("already recording")
	}
	if err := sink.Begin(name); err != nil {
		return err
	}
	c.recorder = sink
	c.recording = true
	c.logf("Recording started: %s", name)
	return nil
}

// StopRecording ends the episode cleanly at a tick boundary.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRecordingLocked()
}

func (c *Controller) stopRecordingLocked() error {
	if !c.recording {
		return nil
	}
	c.recording = false
	sink := c.recorder
	c.recorder = nil
	c.logf("Recording stopped")
	return sink.End()
}

// Start begins the control loop and blocks until ctx is canceled or a
// replay source is exhausted.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()
	defer c.shutdown()

	c.logf("Teleoperation started at %d Hz", c.hz)

	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if done := c.step(ctx); done {
				return nil
			}
		}
	}
}

// step runs one tick: sample, send, poll, record. Returns true when the
// command source is exhausted.
func (c *Controller) step(ctx context.Context) bool {
	c.mu.Lock()
	c.tick++
	tick := c.tick
	lift := make(map[wire.ArmID]float64, len(c.liftMM))
	for arm, mm := range c.liftMM {
		lift[arm] = mm
	}
	c.mu.Unlock()

	cmds, err := c.source.Sample(ctx, tick)
	if err == io.EOF {
		c.logf("Command source exhausted")
		return true
	}
	if err != nil {
		// The leader must stay responsive; report and try again next tick.
		c.logf("Sample error: %v", err)
		c.sendState(State{Tick: tick, Error: err, Timestamp: time.Now()})
		return false
	}

	for arm, cmd := range cmds {
		if mm, ok := lift[arm]; ok {
			v := mm
			cmd.LiftMM = &v
		}
		if err := c.link.SendCommand(cmd); err != nil {
			// Fire and forget: the next tick's command supersedes this one.
			c.log.Debug().Err(err).Msg("send failed")
		}
	}

	linkUp := c.link.Connected()
	stale := false
	states := make(map[wire.ArmID]*wire.ArmState, len(cmds))
	var frames []*wire.FramePacket
	for arm := range cmds {
		if st, ok := c.link.LatestState(arm); ok {
			states[arm] = st
			if st.Stale {
				stale = true
			}
		}
		if f, ok := c.link.LatestFrame(arm); ok {
			frames = append(frames, f)
		}
	}

	c.record(tick, cmds, states, frames)

	c.sendState(State{
		Tick:      tick,
		Leader:    cmds,
		Follower:  states,
		LinkUp:    linkUp,
		Stale:     stale,
		Timestamp: time.Now(),
	})
	return false
}

// record appends one complete tuple to the active episode, if any. The
// stream a sink observes is gap-free: a tuple goes out for every tick of
// the session, carrying whatever replies had arrived by then.
func (c *Controller) record(tick uint64, cmds map[wire.ArmID]*wire.Command,
	states map[wire.ArmID]*wire.ArmState, frames []*wire.FramePacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	err := c.recorder.Append(&episode.Tuple{
		Tick:     tick,
		Commands: cmds,
		States:   states,
		Frames:   frames,
	})
	if err != nil {
		c.logf("Recording failed: %v", err)
		c.recording = false
		c.recorder.End()
		c.recorder = nil
	}
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		c.stateCh <- s
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.running = false
	c.stopRecordingLocked()
	c.mu.Unlock()
	c.logf("Teleoperation stopped")
}

// Close closes the controller and releases resources.
func (c *Controller) Close() error {
	var errs []error
	if err := c.StopRecording(); err != nil {
		errs = append(errs, err)
	}
	if err := c.source.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.link.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
