package protocol

// Wire format version.
const Version = 1

// Header: [2B message_type][2B bits], host byte order.
const HeaderSize = 4

// MaxMessageSize bounds header plus payload of every message type.
const MaxMessageSize = 64

// NameSize is the fixed width of the sprite name field, NUL padded.
const NameSize = 32

// MaxContacts is the number of multi-touch slots a surface report can address.
const MaxContacts = 10

// MessageType identifies the type of a framed message. The payload length
// is a pure function of the type.
type MessageType uint16

const (
	MsgServInfo       MessageType = 1
	MsgRegisterSprite MessageType = 2
	MsgAck            MessageType = 3
	MsgSync           MessageType = 4
	MsgInput          MessageType = 5
	MsgInputSurface   MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MsgServInfo:
		return "servinfo"
	case MsgRegisterSprite:
		return "register_sprite"
	case MsgAck:
		return "ack"
	case MsgSync:
		return "sync"
	case MsgInput:
		return "input"
	case MsgInputSurface:
		return "input_surface"
	default:
		return "unknown"
	}
}

// Fixed payload sizes (excluding header). All sizes are even so a stream
// can never be cut into a one-byte fragment at a message boundary.
const (
	ServInfoSize       = 6  // u16 width, height, bpp
	RegisterSpriteSize = 44 // name[32], u32 flags, u16 width, height, bpp, u16 pad
	AckSize            = 4  // u16 info, u16 ack
	SyncSize           = 8  // u16 xmin, ymin, xmax, ymax
	InputSize          = 12 // i32 val, i32 ext, u16 code, u8 type, u8 id
	InputSurfaceSize   = 28 // input + i32 xpos, ypos, xmax, ymax
)

// AckInfo is the stage or reason code carried by an Ack.
type AckInfo uint16

const (
	AckEstablished AckInfo = iota + 1
	AckSyncVsync
	AckRecvFD
	AckSendFD
	NackWidth
	NackHeight
	NackBpp
	NackShmem
	NackFD
	NackDisconnect
)

func (a AckInfo) String() string {
	switch a {
	case AckEstablished:
		return "established"
	case AckSyncVsync:
		return "sync_vsync"
	case AckRecvFD:
		return "recv_fd"
	case AckSendFD:
		return "send_fd"
	case NackWidth:
		return "width"
	case NackHeight:
		return "height"
	case NackBpp:
		return "bpp"
	case NackShmem:
		return "shmem"
	case NackFD:
		return "fd"
	case NackDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// SyncFlags travel in the header bits of a Sync message.
type SyncFlags uint16

const (
	SyncAsync    SyncFlags = 1 << 0
	SyncVblank   SyncFlags = 1 << 1
	SyncPageFlip SyncFlags = 1 << 2 // reserved, not implemented by the server
)

// SpriteFlags are requested at registration.
type SpriteFlags uint32

const (
	// SpriteDirectShm asks for the display memory itself instead of a
	// copy-through buffer. Only granted to full-screen sprites.
	SpriteDirectShm SpriteFlags = 1 << 0
)

// InputType distinguishes the meaning of Input.Code and Input.Val.
type InputType uint8

const (
	InputCtrl InputType = iota + 1
	InputKey
	InputKeyASCII
	InputRelative
	InputAbsolute
)

// Control codes for InputCtrl.
const (
	CtrlSyn    uint16 = 1 // end of one device batch
	CtrlResync uint16 = 2 // sprite became visible, redraw everything
)

// Axis codes for InputRelative and InputAbsolute.
const (
	AxisX        uint16 = 0
	AxisY        uint16 = 1
	AxisWheel    uint16 = 2
	AxisHWheel   uint16 = 3
	AxisPressure uint16 = 4
)

// Key transition values carried in Input.Val.
const (
	KeyUp     int32 = 0
	KeyDown   int32 = 1
	KeyRepeat int32 = 2
)

// Modifier bits carried in Input.Ext for key events.
const (
	ModShift int32 = 1 << 0
	ModCtrl  int32 = 1 << 1
	ModAlt   int32 = 1 << 2
	ModMeta  int32 = 1 << 3
	ModCaps  int32 = 1 << 4
)

// BPP is the only pixel depth the server composites.
const BPP = 32
