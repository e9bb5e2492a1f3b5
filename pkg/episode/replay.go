package episode

import (
	"context"
	"fmt"
	"io"

	"github.com/gwillem/alohamini/pkg/wire"
)

// Replayer substitutes a recorded episode for live leader sampling. It
// satisfies the client loop's command source, so replay and live
// teleoperation share the identical host-facing protocol.
type Replayer struct {
	r *Reader
}

// NewReplayer opens an episode for playback.
func NewReplayer(path string) (*Replayer, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	return &Replayer{r: r}, nil
}

// Sample returns the next recorded commands re-stamped with the live tick,
// or io.EOF when the episode is over.
func (rp *Replayer) Sample(ctx context.Context, tick uint64) (map[wire.ArmID]*wire.Command, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := rp.r.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		if len(t.Commands) == 0 {
			continue
		}
		out := make(map[wire.ArmID]*wire.Command, len(t.Commands))
		for id, cmd := range t.Commands {
			c := *cmd
			c.Tick = tick
			out[id] = &c
		}
		return out, nil
	}
}

func (rp *Replayer) Close() error { return rp.r.Close() }
