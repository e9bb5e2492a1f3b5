// Package episode persists and replays teleoperation sessions as ordered
// (command, state, frame) tuples sharing one tick counter.
//
// The client loop guarantees the stream it hands a Sink is gap-free and
// monotonically ticked; the writer enforces that contract rather than
// trusting it.
package episode

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gwillem/alohamini/pkg/wire"
)

// ErrTickGap means a tuple arrived out of sequence. A recording with a
// hole in it is worthless for training, so this aborts the session loudly
// instead of persisting a broken episode.
var ErrTickGap = errors.New("episode tick gap")

// Tuple is one tick's worth of synchronized teleoperation data.
type Tuple struct {
	Tick     uint64                        `json:"tick"`
	Commands map[wire.ArmID]*wire.Command  `json:"commands,omitempty"`
	States   map[wire.ArmID]*wire.ArmState `json:"states,omitempty"`
	Frames   []*wire.FramePacket           `json:"frames,omitempty"`
}

// Sink receives a recording session: Begin, gap-free Appends, End. A Sink
// never observes a torn tuple; the client loop only appends complete ones.
type Sink interface {
	Begin(name string) error
	Append(t *Tuple) error
	End() error
}

type header struct {
	Name      string    `json:"name"`
	Schema    int       `json:"schema"`
	StartedAt time.Time `json:"started_at"`
}

// Writer persists an episode as JSON lines: one header line, then one
// tuple per line. Camera JPEG bytes ride along base64-encoded.
type Writer struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	lastTick uint64
	started  bool
}

// NewWriter creates a writer that will record to path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) Begin(name string) error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("begin episode: %w", err)
	}
	w.f = f
	w.w = bufio.NewWriter(f)
	w.lastTick = 0
	w.started = true
	return w.writeLine(header{Name: name, Schema: wire.SchemaVersion, StartedAt: time.Now()})
}

func (w *Writer) Append(t *Tuple) error {
	if !w.started {
		return fmt.Errorf("append before Begin")
	}
	if w.lastTick != 0 && t.Tick != w.lastTick+1 {
		return fmt.Errorf("%w: %d after %d", ErrTickGap, t.Tick, w.lastTick)
	}
	w.lastTick = t.Tick
	return w.writeLine(t)
}

func (w *Writer) End() error {
	if !w.started {
		return nil
	}
	w.started = false
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *Writer) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode episode line: %w", err)
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write episode line: %w", err)
	}
	return nil
}

// Reader iterates a recorded episode.
type Reader struct {
	f    *os.File
	sc   *bufio.Scanner
	Name string
}

// OpenReader opens a recorded episode and reads its header.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open episode: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	if !sc.Scan() {
		f.Close()
		return nil, fmt.Errorf("episode %s: missing header", path)
	}
	var h header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		f.Close()
		return nil, fmt.Errorf("episode header: %w", err)
	}
	if h.Schema != wire.SchemaVersion {
		f.Close()
		return nil, fmt.Errorf("episode %s: schema %d, want %d", path, h.Schema, wire.SchemaVersion)
	}
	return &Reader{f: f, sc: sc, Name: h.Name}, nil
}

// Next returns the next tuple, or io.EOF when the episode is exhausted.
func (r *Reader) Next() (*Tuple, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var t Tuple
	if err := json.Unmarshal(r.sc.Bytes(), &t); err != nil {
		return nil, fmt.Errorf("decode episode line: %w", err)
	}
	return &t, nil
}

func (r *Reader) Close() error { return r.f.Close() }
