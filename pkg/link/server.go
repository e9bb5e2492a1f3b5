package link

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gwillem/alohamini/pkg/wire"
)

// Server is the host-side link endpoint. It accepts one client at a time;
// a newer connection replaces the current one (the operator's fresh session
// wins over a stale one).
//
// Incoming commands land in per-arm latest-wins mailboxes that only ever
// move forward in tick order, which is the whole last-command-wins policy:
// commands arriving late or out of order are discarded here, before the
// control loop sees them.
type Server struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
	out  chan []byte

	cmds     map[wire.ArmID]*Mailbox[wire.Command]
	lastTick map[wire.ArmID]uint64
	tickMu   sync.Mutex
}

// NewServer creates the host-side endpoint.
func NewServer(log zerolog.Logger) *Server {
	cmds := make(map[wire.ArmID]*Mailbox[wire.Command], 2)
	for _, arm := range wire.AllArms() {
		cmds[arm] = &Mailbox[wire.Command]{}
	}
	return &Server{
		log:      log,
		cmds:     cmds,
		lastTick: make(map[wire.ArmID]uint64, 2),
	}
}

// ListenAndServe accepts teleoperation clients on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/teleop", s)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ServeHTTP upgrades a teleoperation client connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	hello, err := readHello(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("refusing client")
		refuse(conn, err.Error())
		return
	}
	if err := writeMsg(conn, &wire.Hello{Role: "host", Arms: wire.AllArms()}); err != nil {
		s.log.Warn().Err(err).Msg("hello reply failed")
		conn.Close()
		return
	}

	out := make(chan []byte, sendQueueSize)
	s.mu.Lock()
	if s.conn != nil {
		s.log.Info().Msg("replacing existing client connection")
		s.conn.Close()
	}
	s.conn = conn
	s.out = out
	s.resetSession()
	s.mu.Unlock()

	s.log.Info().
		Str("remote", conn.RemoteAddr().String()).
		Str("role", hello.Role).
		Msg("client connected")

	go s.writePump(conn, out)
	s.readPump(conn, out)
}

// resetSession forgets the previous session's tick high-water marks and any
// command it left behind. A fresh session restarts its tick counter at 1;
// the old marks would gate every command it sends.
func (s *Server) resetSession() {
	s.tickMu.Lock()
	for arm := range s.lastTick {
		delete(s.lastTick, arm)
	}
	s.tickMu.Unlock()
	for _, mb := range s.cmds {
		mb.Take()
	}
}

func (s *Server) readPump(conn *websocket.Conn, out chan []byte) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.out = nil
		}
		close(out)
		s.mu.Unlock()
		conn.Close()
		s.log.Info().Msg("client disconnected")
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf)
		if err != nil {
			// Dropped, not retried. The next tick supersedes it.
			s.log.Debug().Err(err).Msg("dropping message")
			continue
		}
		cmd, ok := msg.(*wire.Command)
		if !ok {
			continue
		}
		s.accept(cmd)
	}
}

// accept installs a command unless a same-or-higher tick already arrived.
func (s *Server) accept(cmd *wire.Command) {
	mb, ok := s.cmds[cmd.ArmID]
	if !ok {
		return
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if cmd.Tick <= s.lastTick[cmd.ArmID] && s.lastTick[cmd.ArmID] != 0 {
		return
	}
	s.lastTick[cmd.ArmID] = cmd.Tick
	mb.Put(cmd)
}

func (s *Server) writePump(conn *websocket.Conn, out chan []byte) {
	for buf := range out {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			conn.Close()
			return
		}
	}
}

// LatestCommand returns and consumes the freshest command for an arm.
func (s *Server) LatestCommand(arm wire.ArmID) (*wire.Command, bool) {
	mb, ok := s.cmds[arm]
	if !ok {
		return nil, false
	}
	return mb.Take()
}

// send queues an encoded message for the connected client, if any. Replies
// to a vanished client are dropped; losing one is harmless because every
// tick produces a fresh one. The enqueue happens under the lock so it can
// never race the teardown path closing the channel.
func (s *Server) send(msg wire.Msg) {
	buf, err := wire.Encode(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("encode reply")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	enqueue(s.out, buf)
}

// SendState queues a follower state reply.
func (s *Server) SendState(st *wire.ArmState) { s.send(st) }

// SendFrame queues a camera frame.
func (s *Server) SendFrame(f *wire.FramePacket) { s.send(f) }

// Connected reports whether a client is currently attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
