package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/alohamini/pkg/robot"
	"github.com/gwillem/alohamini/pkg/wire"
)

func TestMailbox(t *testing.T) {
	var mb Mailbox[int]

	_, ok := mb.Take()
	assert.False(t, ok)

	a, b := 1, 2
	mb.Put(&a)
	mb.Put(&b)

	v, ok := mb.Peek()
	require.True(t, ok)
	assert.Equal(t, 2, *v)

	v, ok = mb.Take()
	require.True(t, ok)
	assert.Equal(t, 2, *v)

	_, ok = mb.Take()
	assert.False(t, ok)
}

func TestEnqueue_DropsOldest(t *testing.T) {
	out := make(chan []byte, 2)
	enqueue(out, []byte{1})
	enqueue(out, []byte{2})
	enqueue(out, []byte{3}) // full: drops {1}

	assert.Equal(t, []byte{2}, <-out)
	assert.Equal(t, []byte{3}, <-out)
	assert.Empty(t, out)
}

func TestServer_LastCommandWins(t *testing.T) {
	s := NewServer(zerolog.Nop())

	cmd := func(tick uint64) *wire.Command {
		return &wire.Command{
			ArmID: wire.ArmLeft,
			Tick:  tick,
			Targets: map[robot.MotorName]float64{
				robot.ShoulderPan: float64(tick) / 100,
			},
		}
	}

	// Out-of-order and duplicate arrivals. Only forward progress installs.
	s.accept(cmd(5))
	s.accept(cmd(3)) // late, dropped
	s.accept(cmd(5)) // duplicate, dropped
	got, ok := s.LatestCommand(wire.ArmLeft)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Tick)

	// Mailbox consumed; nothing until a newer tick arrives.
	_, ok = s.LatestCommand(wire.ArmLeft)
	assert.False(t, ok)
	s.accept(cmd(4))
	_, ok = s.LatestCommand(wire.ArmLeft)
	assert.False(t, ok)

	s.accept(cmd(6))
	s.accept(cmd(9))
	got, ok = s.LatestCommand(wire.ArmLeft)
	require.True(t, ok)
	assert.Equal(t, uint64(9), got.Tick)
}

func TestServer_PerArmMailboxes(t *testing.T) {
	s := NewServer(zerolog.Nop())
	s.accept(&wire.Command{ArmID: wire.ArmLeft, Tick: 1})
	s.accept(&wire.Command{ArmID: wire.ArmRight, Tick: 7})

	l, ok := s.LatestCommand(wire.ArmLeft)
	require.True(t, ok)
	assert.Equal(t, uint64(1), l.Tick)

	r, ok := s.LatestCommand(wire.ArmRight)
	require.True(t, ok)
	assert.Equal(t, uint64(7), r.Tick)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/teleop"
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestClientServer_RoundTrip(t *testing.T) {
	s := NewServer(zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/teleop", s)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := Dial(context.Background(), wsURL(ts), wire.AllArms(), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	waitFor(t, s.Connected)
	assert.True(t, c.Connected())

	// Command flows client -> server, last tick wins.
	for tick := uint64(1); tick <= 3; tick++ {
		require.NoError(t, c.SendCommand(&wire.Command{
			ArmID:   wire.ArmLeft,
			Tick:    tick,
			Targets: map[robot.MotorName]float64{robot.Gripper: 0.5},
		}))
	}
	var cmd *wire.Command
	waitFor(t, func() bool {
		if v, ok := s.cmds[wire.ArmLeft].Peek(); ok && v.Tick == 3 {
			cmd = v
			return true
		}
		return false
	})
	assert.Equal(t, 0.5, cmd.Targets[robot.Gripper])

	// State and frame flow server -> client.
	s.SendState(&wire.ArmState{
		ArmID:     wire.ArmLeft,
		Tick:      3,
		Positions: map[robot.MotorName]float64{robot.Gripper: 0.49},
		Stale:     false,
	})
	s.SendFrame(&wire.FramePacket{ArmID: wire.ArmLeft, Tick: 3, Camera: "wrist", JPEG: []byte{0xff, 0xd8}})

	waitFor(t, func() bool {
		st, ok := c.states[wire.ArmLeft].Peek()
		return ok && st.Tick == 3
	})
	st, ok := c.LatestState(wire.ArmLeft)
	require.True(t, ok)
	assert.Equal(t, 0.49, st.Positions[robot.Gripper])

	waitFor(t, func() bool {
		_, ok := c.frames[wire.ArmLeft].Peek()
		return ok
	})
	f, ok := c.LatestFrame(wire.ArmLeft)
	require.True(t, ok)
	assert.Equal(t, "wrist", f.Camera)
}

func TestClient_SendWhileDown(t *testing.T) {
	c := &Client{log: zerolog.Nop()}
	err := c.SendCommand(&wire.Command{ArmID: wire.ArmLeft, Tick: 1})
	assert.Error(t, err)
}

// A peer built against a different schema must be refused with a protocol
// error close frame, not silently dropped.
func TestServer_RefusesSchemaMismatch(t *testing.T) {
	s := NewServer(zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/teleop", s)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	buf, err := wire.Encode(&wire.Hello{Role: "client", Arms: wire.AllArms()})
	require.NoError(t, err)
	buf[3] = wire.SchemaVersion + 1
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, buf))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError),
		"want protocol error close, got %v", err)
	assert.False(t, s.Connected())
}

func TestDial_VersionMismatchFatal(t *testing.T) {
	// Host that answers the handshake with a future schema version.
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/teleop", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		buf, _ := wire.Encode(&wire.Hello{Role: "host", Arms: wire.AllArms()})
		buf[3] = wire.SchemaVersion + 1
		conn.WriteMessage(websocket.BinaryMessage, buf)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := Dial(context.Background(), wsURL(ts), wire.AllArms(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestServer_NewClientReplacesOld(t *testing.T) {
	s := NewServer(zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/teleop", s)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	first, err := Dial(context.Background(), wsURL(ts), wire.AllArms(), zerolog.Nop())
	require.NoError(t, err)
	defer first.Close()
	waitFor(t, s.Connected)

	second, err := Dial(context.Background(), wsURL(ts), wire.AllArms(), zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()

	// The fresh session takes over and the server still has a client.
	waitFor(t, func() bool { return !first.Connected() })
	assert.True(t, s.Connected())
}

// A restarted client begins a fresh tick sequence. The high-water mark
// from the old session must not gate it, and a command the old session
// left behind must not linger.
func TestServer_ReconnectResetsTickGate(t *testing.T) {
	s := NewServer(zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/teleop", s)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	first, err := Dial(context.Background(), wsURL(ts), wire.AllArms(), zerolog.Nop())
	require.NoError(t, err)
	waitFor(t, s.Connected)
	require.NoError(t, first.SendCommand(&wire.Command{ArmID: wire.ArmLeft, Tick: 500}))
	waitFor(t, func() bool {
		v, ok := s.cmds[wire.ArmLeft].Peek()
		return ok && v.Tick == 500
	})
	first.Close()
	waitFor(t, func() bool { return !s.Connected() })

	second, err := Dial(context.Background(), wsURL(ts), wire.AllArms(), zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()
	waitFor(t, s.Connected)

	// The dead session's held command was dropped with its tick gate.
	_, ok := s.LatestCommand(wire.ArmLeft)
	assert.False(t, ok)

	require.NoError(t, second.SendCommand(&wire.Command{
		ArmID:   wire.ArmLeft,
		Tick:    3,
		Targets: map[robot.MotorName]float64{robot.Gripper: 0.2},
	}))
	var got *wire.Command
	waitFor(t, func() bool {
		if v, ok := s.LatestCommand(wire.ArmLeft); ok {
			got = v
			return true
		}
		return false
	})
	assert.Equal(t, uint64(3), got.Tick)
}

// A dead connection must release its write pump on both ends; a flaky
// link redialing every second would otherwise pile up goroutines in a
// long-running host.
func TestConnectionCycleReleasesGoroutines(t *testing.T) {
	s := NewServer(zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/teleop", s)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	base := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		c, err := Dial(context.Background(), wsURL(ts), wire.AllArms(), zerolog.Nop())
		require.NoError(t, err)
		waitFor(t, s.Connected)
		c.Close()
		waitFor(t, func() bool { return !s.Connected() })
	}
	waitFor(t, func() bool { return runtime.NumGoroutine() <= base+3 })
}
