package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gwillem/alohamini/pkg/wire"
)

const redialInterval = time.Second

// Client is the PC-side link endpoint. The first connection attempt is
// synchronous so a schema mismatch refuses teleoperation up front; after
// that a dropped link redials in the background while the control loop
// keeps sampling the leader and reporting link-down.
type Client struct {
	url  string
	arms []wire.ArmID
	log  zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	out    chan []byte
	closed bool

	states map[wire.ArmID]*Mailbox[wire.ArmState]
	frames map[wire.ArmID]*Mailbox[wire.FramePacket]
}

// Dial connects to the host and performs the schema handshake. A version
// mismatch is returned as ErrVersionMismatch and is fatal; any other
// connection failure is also returned, letting the caller decide whether
// to start at all without a host.
func Dial(ctx context.Context, url string, arms []wire.ArmID, log zerolog.Logger) (*Client, error) {
	c := &Client{
		url:    url,
		arms:   arms,
		log:    log,
		states: make(map[wire.ArmID]*Mailbox[wire.ArmState], len(arms)),
		frames: make(map[wire.ArmID]*Mailbox[wire.FramePacket], len(arms)),
	}
	for _, arm := range arms {
		c.states[arm] = &Mailbox[wire.ArmState]{}
		c.frames[arm] = &Mailbox[wire.FramePacket]{}
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.manage()
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	if err := writeMsg(conn, &wire.Hello{Role: "client", Arms: c.arms}); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}
	if _, err := readHello(conn); err != nil {
		conn.Close()
		return err
	}

	out := make(chan []byte, sendQueueSize)
	c.mu.Lock()
	c.conn = conn
	c.out = out
	c.mu.Unlock()

	go c.writePump(conn, out)
	go c.readPump(conn)
	c.log.Info().Str("url", c.url).Msg("link up")
	return nil
}

// manage redials whenever the connection drops, until Close.
func (c *Client) manage() {
	for {
		time.Sleep(redialInterval)
		c.mu.Lock()
		closed, connected := c.closed, c.conn != nil
		c.mu.Unlock()
		if closed {
			return
		}
		if connected {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				// The host was rebuilt under us. Refuse to stream.
				c.log.Error().Err(err).Msg("link refused, giving up")
				c.Close()
				return
			}
			c.log.Debug().Err(err).Msg("redial failed")
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer c.dropConn(conn)
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(buf)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping message")
			continue
		}
		switch m := msg.(type) {
		case *wire.ArmState:
			if mb, ok := c.states[m.ArmID]; ok {
				mb.Put(m)
			}
		case *wire.FramePacket:
			if mb, ok := c.frames[m.ArmID]; ok {
				mb.Put(m)
			}
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, out chan []byte) {
	for buf := range out {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			c.dropConn(conn)
			return
		}
	}
}

// dropConn tears down one connection. Closing out releases its writePump;
// only the first caller for a given connection closes it.
func (c *Client) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		close(c.out)
		c.out = nil
		if !c.closed {
			c.log.Warn().Msg("link down")
		}
	}
	c.mu.Unlock()
}

// SendCommand queues a command, fire-and-forget. A dropped command is
// superseded by the next tick's fresher one.
func (c *Client) SendCommand(cmd *wire.Command) error {
	buf, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return fmt.Errorf("link down")
	}
	enqueue(c.out, buf)
	return nil
}

// LatestState returns and consumes the freshest reply for an arm.
func (c *Client) LatestState(arm wire.ArmID) (*wire.ArmState, bool) {
	mb, ok := c.states[arm]
	if !ok {
		return nil, false
	}
	return mb.Take()
}

// LatestFrame returns and consumes the freshest camera frame for an arm.
func (c *Client) LatestFrame(arm wire.ArmID) (*wire.FramePacket, bool) {
	mb, ok := c.frames[arm]
	if !ok {
		return nil, false
	}
	return mb.Take()
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears the link down for good.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.out != nil {
		close(c.out)
		c.out = nil
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}
