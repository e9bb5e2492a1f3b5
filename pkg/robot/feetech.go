package robot

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

const (
	busBaudRate = 1_000_000
	busTimeout  = 100 * time.Millisecond
)

// feetechBus adapts a Feetech STS serial bus to the Bus interface.
type feetechBus struct {
	bus    *feetech.Bus
	group  *feetech.ServoGroup
	servos map[int]*feetech.Servo
}

// OpenBus opens the serial port and scans for the expected servo IDs.
// Every listed ID must respond or the open fails.
func OpenBus(ctx context.Context, port string, ids []int) (Bus, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: busBaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  busTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus %s: %w", port, err)
	}

	maxID := 0
	for _, id := range ids {
		if id > maxID {
			maxID = id
		}
	}
	found, err := bus.Scan(ctx, 1, maxID)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("scan bus %s: %w", port, err)
	}

	byID := make(map[int]feetech.FoundServo, len(found))
	for _, s := range found {
		byID[s.ID] = s
	}
	servos := make(map[int]*feetech.Servo, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			bus.Close()
			return nil, fmt.Errorf("bus %s: servo %d not responding", port, id)
		}
		servos[id] = feetech.NewServo(bus, s.ID, s.Model)
	}

	return &feetechBus{
		bus:    bus,
		group:  feetech.NewServoGroupByIDs(bus, ids...),
		servos: servos,
	}, nil
}

func (b *feetechBus) ReadPositions(ctx context.Context) (map[int]int, error) {
	positions, err := b.group.Positions(ctx)
	if err != nil {
		return nil, &BusError{Op: "read positions", Err: err}
	}
	return positions, nil
}

func (b *feetechBus) WritePositions(ctx context.Context, targets map[int]int) error {
	raw := make(feetech.PositionMap, len(targets))
	for id, pos := range targets {
		raw[id] = pos
	}
	if err := b.group.SetPositions(ctx, raw); err != nil {
		return &BusError{Op: "write positions", Err: err}
	}
	return nil
}

func (b *feetechBus) ReadLoads(ctx context.Context) (map[int]int, error) {
	loads := make(map[int]int, len(b.servos))
	for id, servo := range b.servos {
		load, err := servo.Load(ctx)
		if err != nil {
			return nil, &BusError{Op: "read load", Err: err}
		}
		loads[id] = load
	}
	return loads, nil
}

func (b *feetechBus) EnableTorque(ctx context.Context) error {
	if err := b.group.EnableAll(ctx); err != nil {
		return &BusError{Op: "enable torque", Err: err}
	}
	return nil
}

func (b *feetechBus) DisableTorque(ctx context.Context) error {
	if err := b.group.DisableAll(ctx); err != nil {
		return &BusError{Op: "disable torque", Err: err}
	}
	return nil
}

func (b *feetechBus) Close() error {
	return b.bus.Close()
}
