package robot

import (
	"context"
	"errors"
	"fmt"
)

// ErrOvercurrent is reported when a motor draws more than the configured
// current limit. It escalates the host loop to its faulted state.
var ErrOvercurrent = errors.New("motor overcurrent")

// BusError marks a failure on the physical servo bus. Unlike transport
// errors, a bus error makes further motion unsafe and forces a torque-off.
type BusError struct {
	Op  string
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("servo bus %s: %v", e.Op, e.Err)
}

func (e *BusError) Unwrap() error { return e.Err }

// IsBusError reports whether err originated on the servo bus.
func IsBusError(err error) bool {
	var be *BusError
	return errors.As(err, &be)
}

// Bus is the actuator interface an Arm drives. Positions are raw encoder
// ticks keyed by servo ID. The bus is exclusive to the control loop that
// owns it; implementations need not be safe for concurrent use.
type Bus interface {
	// ReadPositions reads the current raw position of every servo.
	ReadPositions(ctx context.Context) (map[int]int, error)

	// WritePositions commands raw target positions.
	WritePositions(ctx context.Context, targets map[int]int) error

	// ReadLoads reads the present load of every servo, in raw load units.
	ReadLoads(ctx context.Context) (map[int]int, error)

	// EnableTorque powers the holding torque on all servos.
	EnableTorque(ctx context.Context) error

	// DisableTorque releases all servos so they can be moved by hand.
	DisableTorque(ctx context.Context) error

	Close() error
}
