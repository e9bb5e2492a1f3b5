package robot

import (
	"context"
	"errors"
	"sync"
)

// SimBus is an in-memory Bus with a first-order servo model: every read
// advances each servo toward its commanded target by at most StepPerRead
// ticks. Used by tests and by dummy-mode runs with no hardware attached.
type SimBus struct {
	mu      sync.Mutex
	pos     map[int]int
	targets map[int]int
	loads   map[int]int
	torque  bool
	closed  bool

	// StepPerRead bounds how far a servo moves between two reads.
	StepPerRead int

	// FailNext makes the next bus operation fail, simulating a bus fault.
	FailNext error
}

// NewSimBus creates a simulated bus with all servos at the given positions.
func NewSimBus(initial map[int]int) *SimBus {
	pos := make(map[int]int, len(initial))
	targets := make(map[int]int, len(initial))
	for id, p := range initial {
		pos[id] = p
		targets[id] = p
	}
	return &SimBus{
		pos:         pos,
		targets:     targets,
		loads:       make(map[int]int, len(initial)),
		StepPerRead: 1 << 12, // effectively instant unless a test tightens it
	}
}

func (b *SimBus) takeFault(op string) error {
	if b.FailNext != nil {
		err := b.FailNext
		b.FailNext = nil
		return &BusError{Op: op, Err: err}
	}
	return nil
}

func (b *SimBus) ReadPositions(ctx context.Context) (map[int]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault("read positions"); err != nil {
		return nil, err
	}
	out := make(map[int]int, len(b.pos))
	for id, p := range b.pos {
		if b.torque {
			target := b.targets[id]
			step := target - p
			if step > b.StepPerRead {
				step = b.StepPerRead
			} else if step < -b.StepPerRead {
				step = -b.StepPerRead
			}
			p += step
			b.pos[id] = p
		}
		out[id] = p
	}
	return out, nil
}

func (b *SimBus) WritePositions(ctx context.Context, targets map[int]int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault("write positions"); err != nil {
		return err
	}
	for id, t := range targets {
		b.targets[id] = t
	}
	return nil
}

func (b *SimBus) ReadLoads(ctx context.Context) (map[int]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault("read loads"); err != nil {
		return nil, err
	}
	out := make(map[int]int, len(b.loads))
	for id, l := range b.loads {
		out[id] = l
	}
	return out, nil
}

func (b *SimBus) EnableTorque(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFault("enable torque"); err != nil {
		return err
	}
	b.torque = true
	return nil
}

func (b *SimBus) DisableTorque(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.torque = false
	return nil
}

func (b *SimBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("sim bus already closed")
	}
	b.closed = true
	return nil
}

// TorqueEnabled reports the simulated torque switch.
func (b *SimBus) TorqueEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.torque
}

// MovePosition sets a servo's present position directly, as if the operator
// moved the joint by hand.
func (b *SimBus) MovePosition(id, pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos[id] = pos
	if !b.torque {
		b.targets[id] = pos
	}
}

// SetLoad sets a servo's present load, for overcurrent scenarios.
func (b *SimBus) SetLoad(id, load int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads[id] = load
}

// Target returns the last commanded target for a servo.
func (b *SimBus) Target(id int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targets[id]
}
