// Package link moves wire messages between the client and host processes
// over a websocket, one complete message per websocket frame.
//
// Each side runs one read pump and one write pump; the control loops touch
// the link only through latest-wins mailboxes and a drop-oldest send queue,
// so a slow or dead network peer never stalls an actuator tick.
package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gwillem/alohamini/pkg/wire"
)

// ErrVersionMismatch means the peer speaks a different wire schema. It is
// fatal at connection time: streaming commands a peer may misinterpret is
// worse than not streaming at all.
var ErrVersionMismatch = errors.New("wire schema version mismatch")

const (
	writeTimeout     = time.Second
	handshakeTimeout = 5 * time.Second
	sendQueueSize    = 32
)

// enqueue adds an encoded message to a send queue, dropping the oldest
// entry instead of blocking when the writer cannot keep up.
func enqueue(out chan []byte, buf []byte) {
	select {
	case out <- buf:
	default:
		select {
		case <-out:
		default:
		}
		select {
		case out <- buf:
		default:
		}
	}
}

func writeMsg(conn *websocket.Conn, msg wire.Msg) error {
	buf, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, buf)
}

// readHello reads and validates the peer's opening message. The schema is
// checked on the raw header first so a mismatch is reported as such rather
// than as a generic malformed payload.
func readHello(conn *websocket.Conn) (*wire.Hello, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, buf, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseProtocolError) {
			return nil, ErrVersionMismatch
		}
		return nil, fmt.Errorf("read hello: %w", err)
	}
	schema, err := wire.HeaderSchema(buf)
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	if schema != wire.SchemaVersion {
		return nil, fmt.Errorf("%w: peer has %d, this build has %d",
			ErrVersionMismatch, schema, wire.SchemaVersion)
	}
	msg, err := wire.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		return nil, fmt.Errorf("hello: unexpected %d message", msg.Type())
	}
	return hello, nil
}

// refuse closes the connection with a protocol-error close frame so the
// peer can tell a deliberate refusal from a dropped link.
func refuse(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, reason), deadline)
	conn.Close()
}
