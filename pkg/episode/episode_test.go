package episode

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/alohamini/pkg/robot"
	"github.com/gwillem/alohamini/pkg/wire"
)

func tuple(tick uint64, target float64) *Tuple {
	return &Tuple{
		Tick: tick,
		Commands: map[wire.ArmID]*wire.Command{
			wire.ArmLeft: {
				ArmID:   wire.ArmLeft,
				Tick:    tick,
				Targets: map[robot.MotorName]float64{robot.WristFlex: target},
			},
		},
		States: map[wire.ArmID]*wire.ArmState{
			wire.ArmLeft: {
				ArmID:     wire.ArmLeft,
				Tick:      tick,
				Positions: map[robot.MotorName]float64{robot.WristFlex: target - 0.01},
				Stale:     tick%2 == 0,
			},
		},
	}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.jsonl")

	w := NewWriter(path)
	require.NoError(t, w.Begin("pick-and-place"))
	for tick := uint64(1); tick <= 5; tick++ {
		require.NoError(t, w.Append(tuple(tick, float64(tick)/10)))
	}
	require.NoError(t, w.Append(&Tuple{
		Tick:   6,
		Frames: []*wire.FramePacket{{ArmID: wire.ArmLeft, Tick: 6, Camera: "wrist", JPEG: []byte{0xff, 0xd8, 0x41}}},
	}))
	require.NoError(t, w.End())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "pick-and-place", r.Name)

	for tick := uint64(1); tick <= 5; tick++ {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, tuple(tick, float64(tick)/10), got)
	}
	got, err := r.Next()
	require.NoError(t, err)
	require.Len(t, got.Frames, 1)
	assert.Equal(t, []byte{0xff, 0xd8, 0x41}, got.Frames[0].JPEG)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriter_RejectsGap(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "ep.jsonl"))
	require.NoError(t, w.Begin("gap"))
	require.NoError(t, w.Append(tuple(1, 0)))
	require.NoError(t, w.Append(tuple(2, 0)))

	err := w.Append(tuple(4, 0))
	assert.ErrorIs(t, err, ErrTickGap)

	err = w.Append(tuple(2, 0))
	assert.ErrorIs(t, err, ErrTickGap)
	require.NoError(t, w.End())
}

func TestWriter_AppendBeforeBegin(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "ep.jsonl"))
	assert.Error(t, w.Append(tuple(1, 0)))
}

func TestWriter_FirstTickArbitrary(t *testing.T) {
	// Recording may start mid-session; only gaps after the first tuple matter.
	w := NewWriter(filepath.Join(t.TempDir(), "ep.jsonl"))
	require.NoError(t, w.Begin("mid"))
	require.NoError(t, w.Append(tuple(100, 0)))
	require.NoError(t, w.Append(tuple(101, 0)))
	require.NoError(t, w.End())
}

func TestOpenReader_BadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.jsonl")
	w := NewWriter(path)
	require.NoError(t, w.Begin("x"))
	require.NoError(t, w.End())

	r, err := OpenReader(path)
	require.NoError(t, err)
	r.Close()

	// Doctor the header to a future schema.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = bytes.Replace(data,
		[]byte(`"schema":`+strconv.Itoa(wire.SchemaVersion)),
		[]byte(`"schema":99`), 1)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = OpenReader(path)
	assert.Error(t, err)
}

func TestReplayer_RestampsTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.jsonl")
	w := NewWriter(path)
	require.NoError(t, w.Begin("replay"))
	require.NoError(t, w.Append(tuple(10, 0.1)))
	// A tuple recorded during a link outage carries no commands.
	require.NoError(t, w.Append(&Tuple{Tick: 11}))
	require.NoError(t, w.Append(tuple(12, 0.3)))
	require.NoError(t, w.End())

	rp, err := NewReplayer(path)
	require.NoError(t, err)
	defer rp.Close()

	ctx := context.Background()

	cmds, err := rp.Sample(ctx, 500)
	require.NoError(t, err)
	require.Contains(t, cmds, wire.ArmLeft)
	assert.Equal(t, uint64(500), cmds[wire.ArmLeft].Tick)
	assert.Equal(t, 0.1, cmds[wire.ArmLeft].Targets[robot.WristFlex])

	// The empty tuple is skipped, not returned as an empty command set.
	cmds, err = rp.Sample(ctx, 501)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cmds[wire.ArmLeft].Targets[robot.WristFlex])

	_, err = rp.Sample(ctx, 502)
	assert.Equal(t, io.EOF, err)
}
