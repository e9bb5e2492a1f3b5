package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/gwillem/alohamini/pkg/camera"
	"github.com/gwillem/alohamini/pkg/host"
	"github.com/gwillem/alohamini/pkg/link"
	"github.com/gwillem/alohamini/pkg/robot"
	"github.com/gwillem/alohamini/pkg/wire"
)

type HostCommand struct {
	Addr  string `long:"addr" description:"Listen address (overrides config)"`
	Dummy bool   `long:"dummy" description:"Run with simulated arms and a test-pattern camera"`
	Debug bool   `long:"debug" description:"Verbose logging"`
}

func (c *HostCommand) Execute(args []string) error {
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	cfg, err := robot.LoadConfigFrom(opts.Config)
	if err != nil {
		if c.Dummy {
			cfg = dummyConfig()
		} else {
			fmt.Fprintln(os.Stderr, "No configuration found. Run 'alohamini setup' first.")
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	addr := cfg.Host.Addr
	if c.Addr != "" {
		addr = c.Addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	arms, err := c.openFollowers(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, arm := range arms {
			arm.Close()
		}
	}()

	server := link.NewServer(log)
	h := host.New(host.Config{
		TickRate:       cfg.Host.TickRate,
		WatchdogTicks:  cfg.Host.WatchdogTicks,
		MaxStep:        cfg.Host.MaxStep,
		CurrentLimitMA: cfg.Host.CurrentLimitMA,
		CurrentScale:   cfg.Host.CurrentScale,
	}, arms, server, server, log)

	if cfg.Lift != nil && !c.Dummy {
		lift, err := openLift(ctx, cfg.Lift, arms)
		if err != nil {
			return err
		}
		h.AttachLift(wire.SideID(cfg.Lift.Side), lift)
	}
	if c.Dummy {
		for id := range arms {
			h.AttachCamera(id, camera.NewTestPattern(fmt.Sprintf("%s_wrist", id), 320, 240))
		}
	}

	go func() {
		if err := server.ListenAndServe(ctx, addr); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("listener stopped")
			cancel()
		}
	}()
	log.Info().Str("addr", addr).Int("arms", len(arms)).Msg("host starting")

	// SIGHUP clears a fault once the operator has dealt with the cause;
	// SIGINT/SIGTERM shut down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			if sig == syscall.SIGHUP {
				if err := h.Reset(ctx); err != nil {
					log.Warn().Err(err).Msg("reset refused")
				}
				continue
			}
			log.Info().Stringer("signal", sig.(syscall.Signal)).Msg("shutting down")
			cancel()
			return
		}
	}()

	if err := h.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (c *HostCommand) openFollowers(ctx context.Context, cfg *robot.Config) (map[wire.ArmID]*robot.Arm, error) {
	arms := make(map[wire.ArmID]*robot.Arm)
	for side := range cfg.Arms {
		armCfg, ok := cfg.Arm(robot.RoleFollower, side)
		if !ok {
			continue
		}
		if c.Dummy {
			arms[wire.SideID(side)] = simArm(robot.RoleFollower, side)
			continue
		}
		if !armCfg.IsCalibrated() {
			return nil, fmt.Errorf("%s follower arm is not calibrated, run 'alohamini setup'", side)
		}
		arm, err := robot.OpenArm(ctx, armCfg.Port, robot.RoleFollower, side, armCfg.Calibration)
		if err != nil {
			return nil, err
		}
		arms[wire.SideID(side)] = arm
	}
	if len(arms) == 0 {
		return nil, fmt.Errorf("no follower arms configured")
	}
	return arms, nil
}

// openLift grabs the extra velocity-mode servo sharing the follower bus on
// the lift's side.
func openLift(ctx context.Context, cfg *robot.LiftConfig, arms map[wire.ArmID]*robot.Arm) (*robot.Lift, error) {
	arm, ok := arms[wire.SideID(cfg.Side)]
	if !ok {
		return nil, fmt.Errorf("lift configured on %s but no follower arm there", cfg.Side)
	}
	opener, ok := arm.Bus().(robot.ServoOpener)
	if !ok {
		return nil, fmt.Errorf("lift requires a hardware bus")
	}
	motor, err := opener.OpenServo(ctx, cfg.MotorID)
	if err != nil {
		return nil, fmt.Errorf("open lift motor: %w", err)
	}
	return robot.NewLift(motor, *cfg), nil
}

// dummyConfig is the zero-hardware configuration for trying the stack out.
func dummyConfig() *robot.Config {
	return &robot.Config{
		Host: robot.HostConfig{Addr: ":9301"},
		Arms: map[robot.Side][]robot.ArmConfig{
			robot.SideLeft: {
				{Role: robot.RoleLeader, Port: "sim"},
				{Role: robot.RoleFollower, Port: "sim"},
			},
		},
	}
}

// simArm builds a simulated, pre-calibrated arm centered mid-range.
func simArm(role robot.Role, side robot.Side) *robot.Arm {
	cal := robot.Calibration{}
	initial := make(map[int]int)
	for i, name := range robot.AllMotors() {
		cal[name] = robot.MotorCalibration{ID: i + 1, RangeMin: 1000, RangeMax: 3000}
		initial[i+1] = 2000
	}
	bus := robot.NewSimBus(initial)
	bus.StepPerRead = 50
	return robot.NewArm(bus, role, side, cal)
}
