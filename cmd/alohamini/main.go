package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config string `long:"config" default:"alohamini.json" description:"Configuration file"`

	Setup       SetupCommand       `command:"setup" description:"Scan for arms and calibrate them"`
	Host        HostCommand        `command:"host" description:"Run the robot-side control loop"`
	Teleoperate TeleoperateCommand `command:"teleoperate" alias:"teleop" description:"Start teleoperation (leader-follower control)"`
	Replay      ReplayCommand      `command:"replay" description:"Replay a recorded episode against the host"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "AlohaMini - dual-arm leader/follower teleoperation for SO-101 arms"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
