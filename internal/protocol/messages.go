package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	// ErrProtocol is the root of every connection-fatal wire error.
	ErrProtocol       = errors.New("protocol error")
	ErrUnknownMessage = fmt.Errorf("%w: unknown message type", ErrProtocol)
	ErrShortPayload   = fmt.Errorf("%w: payload too short for message type", ErrProtocol)
	ErrTruncated      = fmt.Errorf("%w: truncated message", ErrProtocol)

	// ErrWouldBlock reports socket backpressure. It is not fatal.
	ErrWouldBlock = errors.New("operation would block")
	ErrShortWrite = errors.New("short write")
)

// writeRetries bounds EINTR retries on a single message write.
const writeRetries = 8

// The protocol is architecture-local: host byte order, never serialized
// across machines.
var order = binary.NativeEndian

// --- Message types ---

// Header precedes every payload.
type Header struct {
	Type MessageType
	Bits uint16
}

type ServInfo struct {
	Width  uint16
	Height uint16
	Bpp    uint16
}

type RegisterSprite struct {
	Name   string
	Flags  SpriteFlags
	Width  uint16
	Height uint16
	Bpp    uint16
}

// Ack acknowledges a handshake stage. Ack=false is a negative
// acknowledgement and Info carries the reason.
type Ack struct {
	Info AckInfo
	Ack  bool
}

// Sync requests a copy of the damaged rectangle [Xmin,Xmax) x [Ymin,Ymax)
// to the display. Flags travel in the header bits.
type Sync struct {
	Flags SyncFlags
	Xmin  uint16
	Ymin  uint16
	Xmax  uint16
	Ymax  uint16
}

type Input struct {
	Val  int32
	Ext  int32
	Code uint16
	Type InputType
	ID   uint8
}

// InputSurface reports one multi-touch contact. Input.Code is the slot.
type InputSurface struct {
	Input Input
	Xpos  int32
	Ypos  int32
	Xmax  int32
	Ymax  int32
}

// PayloadSize returns the payload length declared by a message type.
func PayloadSize(t MessageType) (int, error) {
	switch t {
	case MsgServInfo:
		return ServInfoSize, nil
	case MsgRegisterSprite:
		return RegisterSpriteSize, nil
	case MsgAck:
		return AckSize, nil
	case MsgSync:
		return SyncSize, nil
	case MsgInput:
		return InputSize, nil
	case MsgInputSurface:
		return InputSurfaceSize, nil
	default:
		return 0, fmt.Errorf("%w: 0x%04x", ErrUnknownMessage, uint16(t))
	}
}

// --- Encoding ---

// Marshal encodes msg as one contiguous header+payload frame.
func Marshal(msg any) ([]byte, error) {
	var frame [MaxMessageSize]byte
	n, err := encode(frame[:], msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, frame[:n])
	return out, nil
}

func encode(b []byte, msg any) (int, error) {
	var h Header
	p := b[HeaderSize:]

	switch m := msg.(type) {
	case *ServInfo:
		h.Type = MsgServInfo
		order.PutUint16(p[0:2], m.Width)
		order.PutUint16(p[2:4], m.Height)
		order.PutUint16(p[4:6], m.Bpp)
	case *RegisterSprite:
		h.Type = MsgRegisterSprite
		clear(p[:RegisterSpriteSize])
		name := m.Name
		if len(name) > NameSize-1 {
			name = name[:NameSize-1]
		}
		copy(p[0:NameSize], name)
		order.PutUint32(p[32:36], uint32(m.Flags))
		order.PutUint16(p[36:38], m.Width)
		order.PutUint16(p[38:40], m.Height)
		order.PutUint16(p[40:42], m.Bpp)
	case *Ack:
		h.Type = MsgAck
		order.PutUint16(p[0:2], uint16(m.Info))
		var ack uint16
		if m.Ack {
			ack = 1
		}
		order.PutUint16(p[2:4], ack)
	case *Sync:
		h.Type = MsgSync
		h.Bits = uint16(m.Flags)
		order.PutUint16(p[0:2], m.Xmin)
		order.PutUint16(p[2:4], m.Ymin)
		order.PutUint16(p[4:6], m.Xmax)
		order.PutUint16(p[6:8], m.Ymax)
	case *Input:
		h.Type = MsgInput
		putInput(p, m)
	case *InputSurface:
		h.Type = MsgInputSurface
		putInput(p, &m.Input)
		order.PutUint32(p[12:16], uint32(m.Xpos))
		order.PutUint32(p[16:20], uint32(m.Ypos))
		order.PutUint32(p[20:24], uint32(m.Xmax))
		order.PutUint32(p[24:28], uint32(m.Ymax))
	default:
		return 0, fmt.Errorf("unsupported message type: %T", msg)
	}

	size, _ := PayloadSize(h.Type)
	order.PutUint16(b[0:2], uint16(h.Type))
	order.PutUint16(b[2:4], h.Bits)
	return HeaderSize + size, nil
}

func putInput(p []byte, in *Input) {
	order.PutUint32(p[0:4], uint32(in.Val))
	order.PutUint32(p[4:8], uint32(in.Ext))
	order.PutUint16(p[8:10], in.Code)
	p[10] = byte(in.Type)
	p[11] = in.ID
}

// WriteMessage writes msg to a nonblocking socket in a single write call
// so the peer never observes a header without its payload. EINTR is
// retried a bounded number of times; EAGAIN surfaces as ErrWouldBlock.
func WriteMessage(fd int, msg any) error {
	var frame [MaxMessageSize]byte
	n, err := encode(frame[:], msg)
	if err != nil {
		return err
	}

	for range writeRetries {
		w, err := unix.Write(fd, frame[:n])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ErrWouldBlock
		case err != nil:
			return err
		case w != n:
			return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, w, n)
		}
		return nil
	}
	return ErrWouldBlock
}

// --- Decoding ---

// ParseHeader decodes the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		Type: MessageType(order.Uint16(b[0:2])),
		Bits: order.Uint16(b[2:4]),
	}, nil
}

// Decode decodes a raw payload given its header.
func Decode(h Header, payload []byte) (any, error) {
	size, err := PayloadSize(h.Type)
	if err != nil {
		return nil, err
	}
	if len(payload) < size {
		return nil, ErrShortPayload
	}

	switch h.Type {
	case MsgServInfo:
		return &ServInfo{
			Width:  order.Uint16(payload[0:2]),
			Height: order.Uint16(payload[2:4]),
			Bpp:    order.Uint16(payload[4:6]),
		}, nil

	case MsgRegisterSprite:
		name := string(payload[0:NameSize])
		if i := strings.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		return &RegisterSprite{
			Name:   name,
			Flags:  SpriteFlags(order.Uint32(payload[32:36])),
			Width:  order.Uint16(payload[36:38]),
			Height: order.Uint16(payload[38:40]),
			Bpp:    order.Uint16(payload[40:42]),
		}, nil

	case MsgAck:
		return &Ack{
			Info: AckInfo(order.Uint16(payload[0:2])),
			Ack:  order.Uint16(payload[2:4]) != 0,
		}, nil

	case MsgSync:
		return &Sync{
			Flags: SyncFlags(h.Bits),
			Xmin:  order.Uint16(payload[0:2]),
			Ymin:  order.Uint16(payload[2:4]),
			Xmax:  order.Uint16(payload[4:6]),
			Ymax:  order.Uint16(payload[6:8]),
		}, nil

	case MsgInput:
		in := getInput(payload)
		return &in, nil

	default: // MsgInputSurface
		return &InputSurface{
			Input: getInput(payload),
			Xpos:  int32(order.Uint32(payload[12:16])),
			Ypos:  int32(order.Uint32(payload[16:20])),
			Xmax:  int32(order.Uint32(payload[20:24])),
			Ymax:  int32(order.Uint32(payload[24:28])),
		}, nil
	}
}

func getInput(p []byte) Input {
	return Input{
		Val:  int32(order.Uint32(p[0:4])),
		Ext:  int32(order.Uint32(p[4:8])),
		Code: order.Uint16(p[8:10]),
		Type: InputType(p[10]),
		ID:   p[11],
	}
}
