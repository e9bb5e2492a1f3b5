// Package alohamini provides networked leader/follower teleoperation for
// dual SO-101 robot arms.
//
// The leader arms connect to the operator's PC; the follower arms connect
// to a compute unit on the robot. Both sides run a fixed-rate control loop
// joined by a websocket link with last-command-wins delivery, so a slow or
// dropped network degrades smoothness, never safety: the followers hold
// their last commanded pose and flag their replies stale until fresh
// commands arrive.
//
// # Installation
//
//	go install github.com/gwillem/alohamini/cmd/alohamini@latest
//
// # Usage
//
// First, run setup on each machine to detect and calibrate its arms:
//
//	alohamini setup
//
// Start the robot side:
//
//	alohamini host
//
// Then start teleoperation on the PC:
//
//	alohamini teleoperate
//
// Sessions can be recorded with the 'r' key and played back later:
//
//	alohamini replay episodes/ep-20260831-120000.jsonl
//
// # Packages
//
//   - cmd/alohamini: CLI with setup, host, teleoperate and replay commands
//   - cmd/alohamini-scan: standalone servo bus diagnostic
//   - pkg/robot: arm control, calibration, lift axis, configuration
//   - pkg/wire: message codec for the teleoperation link
//   - pkg/link: websocket transport with latest-wins mailboxes
//   - pkg/host: robot-side control loop
//   - pkg/teleop: PC-side control loop and leader sampling
//   - pkg/episode: session recording and replay
//   - pkg/camera: camera capture interface and test pattern
package alohamini
