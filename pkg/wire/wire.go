// Package wire defines the message codec for the teleoperation link.
//
// Every message is a complete, independently decodable unit: a fixed
// 17-byte header followed by a CBOR payload. No message depends on the
// delivery of a prior one, which is what makes last-command-wins and
// stale-reply detection possible. A receiver can resynchronize on the
// magic bytes after a partial read without reframing the stream.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/gwillem/alohamini/pkg/robot"
)

// SchemaVersion is bumped on any incompatible payload change. A client and
// host built from different revisions fail closed instead of silently
// misinterpreting fields.
const SchemaVersion = 1

// ErrMalformed is returned for anything that cannot be decoded into a
// complete valid message: truncation, bad magic, unknown type or schema.
// Malformed messages are dropped, never retried; the next tick supersedes.
var ErrMalformed = errors.New("malformed message")

const (
	magic      = 0xA10A
	HeaderSize = 17
	maxPayload = 8 << 20
)

// Type tags a message on the wire.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeCommand
	TypeArmState
	TypeFrame
)

// ArmID addresses one of the two arm pairs.
type ArmID uint8

const (
	ArmLeft ArmID = iota + 1
	ArmRight
)

// AllArms returns both arm identifiers in a fixed order.
func AllArms() []ArmID { return []ArmID{ArmLeft, ArmRight} }

func (a ArmID) String() string {
	switch a {
	case ArmLeft:
		return "left"
	case ArmRight:
		return "right"
	default:
		return fmt.Sprintf("arm(%d)", uint8(a))
	}
}

// Side converts the wire identifier to the robot-level side tag.
func (a ArmID) Side() robot.Side {
	if a == ArmRight {
		return robot.SideRight
	}
	return robot.SideLeft
}

// SideID converts a robot-level side tag to its wire identifier.
func SideID(s robot.Side) ArmID {
	if s == robot.SideRight {
		return ArmRight
	}
	return ArmLeft
}

// Msg is implemented by every message that crosses the link.
type Msg interface {
	Type() Type
	Arm() ArmID
	TickID() uint64
}

// Hello opens a connection. The schema check happens on the header; the
// payload carries which arms the peer intends to stream.
type Hello struct {
	Role string  `cbor:"role"`
	Arms []ArmID `cbor:"arms"`
}

func (h *Hello) Type() Type     { return TypeHello }
func (h *Hello) Arm() ArmID     { return ArmLeft }
func (h *Hello) TickID() uint64 { return 0 }

// Command is the client's per-tick target for one follower arm.
type Command struct {
	ArmID   ArmID                       `cbor:"arm"`
	Tick    uint64                      `cbor:"tick"`
	Targets map[robot.MotorName]float64 `cbor:"targets"`
	// VelocityLimit caps follower motion in normalized units per tick.
	// Zero means the host default applies.
	VelocityLimit float64 `cbor:"vel_limit,omitempty"`
	// LiftMM is the vertical-axis height setpoint, when a lift is fitted.
	LiftMM *float64 `cbor:"lift_mm,omitempty"`
}

func (c *Command) Type() Type     { return TypeCommand }
func (c *Command) Arm() ArmID     { return c.ArmID }
func (c *Command) TickID() uint64 { return c.Tick }

// ArmState is the host's per-tick reply for one follower arm.
type ArmState struct {
	ArmID      ArmID                       `cbor:"arm"`
	Tick       uint64                      `cbor:"tick"`
	Positions  map[robot.MotorName]float64 `cbor:"positions"`
	Velocities map[robot.MotorName]float64 `cbor:"velocities,omitempty"`
	// Stale marks a reply produced while no fresh command was arriving.
	// The follower holds position; it does not disconnect.
	Stale   bool    `cbor:"stale,omitempty"`
	Faulted bool    `cbor:"faulted,omitempty"`
	LiftMM  float64 `cbor:"lift_mm,omitempty"`
}

func (s *ArmState) Type() Type     { return TypeArmState }
func (s *ArmState) Arm() ArmID     { return s.ArmID }
func (s *ArmState) TickID() uint64 { return s.Tick }

// FramePacket carries one JPEG camera frame stamped with the tick it was
// captured on.
type FramePacket struct {
	ArmID  ArmID  `cbor:"arm"`
	Tick   uint64 `cbor:"tick"`
	Camera string `cbor:"camera"`
	JPEG   []byte `cbor:"jpeg"`
}

func (f *FramePacket) Type() Type     { return TypeFrame }
func (f *FramePacket) Arm() ArmID     { return f.ArmID }
func (f *FramePacket) TickID() uint64 { return f.Tick }

// Encode serializes a message: header then CBOR payload.
func Encode(msg Msg) ([]byte, error) {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %d: %w", msg.Type(), err)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], magic)
	buf[2] = byte(msg.Type())
	buf[3] = SchemaVersion
	buf[4] = byte(msg.Arm())
	binary.BigEndian.PutUint64(buf[5:13], msg.TickID())
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses one complete message. Any truncation, bad magic, unknown
// type, schema mismatch, or undecodable payload yields ErrMalformed.
func Decode(buf []byte) (Msg, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if buf[3] != SchemaVersion {
		return nil, fmt.Errorf("%w: schema %d, want %d", ErrMalformed, buf[3], SchemaVersion)
	}
	payloadLen := binary.BigEndian.Uint32(buf[13:17])
	if payloadLen > maxPayload {
		return nil, fmt.Errorf("%w: payload length %d", ErrMalformed, payloadLen)
	}
	if len(buf) != HeaderSize+int(payloadLen) {
		return nil, fmt.Errorf("%w: have %d payload bytes, header says %d",
			ErrMalformed, len(buf)-HeaderSize, payloadLen)
	}
	payload := buf[HeaderSize:]

	var msg Msg
	switch Type(buf[2]) {
	case TypeHello:
		msg = &Hello{}
	case TypeCommand:
		msg = &Command{}
	case TypeArmState:
		msg = &ArmState{}
	case TypeFrame:
		msg = &FramePacket{}
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, buf[2])
	}
	if err := cbor.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// HeaderSchema peeks at the schema version of an encoded message without
// decoding its payload. Used during the connection handshake so a version
// mismatch can be refused explicitly rather than surfacing as malformed.
func HeaderSchema(buf []byte) (uint8, error) {
	if len(buf) < HeaderSize || binary.BigEndian.Uint16(buf[0:2]) != magic {
		return 0, ErrMalformed
	}
	return buf[3], nil
}
