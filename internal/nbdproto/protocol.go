// Package nbdproto implements the pure encode/decode half of the NBD
// wire protocol: handshake frames (both dialects), option negotiation,
// and the request/reply frames of the transmission phase. It performs
// no I/O of its own beyond reading/writing through an io.Reader/Writer
// handed to it by internal/nbdsrv.
package nbdproto

import "errors"

// Handshake magics, shared by both dialects.
const (
	MagicINIT_PASSWD uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	MagicIHAVEOPT    uint64 = 0x49484156454f5054 // "IHAVEOPT"
	MagicOldClient   uint64 = 0x00420281861253
	MagicOptReply    uint64 = 0x0003e889045565a9
)

// Request/reply frame magics (transmission phase, both dialects).
const (
	MagicRequest uint32 = 0x25609513
	MagicReply   uint32 = 0x67446698
)

// Newstyle small-flags / client-flags.
const (
	FlagFixedNewstyle uint16 = 1 << 0
	FlagNoZeroes      uint16 = 1 << 1
)

// Transmission flags advertised by this server (oldstyle fixed header
// and newstyle EXPORT_NAME reply both use this same set).
const (
	FlagHasFlags  uint16 = 1 << 0
	FlagReadOnly  uint16 = 1 << 1
	FlagSendFlush uint16 = 1 << 2
	FlagSendFUA   uint16 = 1 << 3
	FlagRotation  uint16 = 1 << 4
	FlagSendTrim  uint16 = 1 << 5
)

// TransmissionFlags is the fixed flag word this server advertises:
// HAS_FLAGS | SEND_FLUSH | SEND_FUA | SEND_TRIM (0x2d).
const TransmissionFlags = FlagHasFlags | FlagSendFlush | FlagSendFUA | FlagSendTrim

// Option IDs recognized during newstyle option haggling.
const (
	OptExportName uint32 = 1
	OptAbort      uint32 = 2
	OptList       uint32 = 3
)

// Option reply types.
const (
	RepAck         uint32 = 1
	RepFlagError   uint32 = 1 << 31
	RepErrUnsup    uint32 = 1 | RepFlagError
	RepErrPolicy   uint32 = 2 | RepFlagError
	RepErrInvalid  uint32 = 3 | RepFlagError
	RepErrPlatform uint32 = 4 | RepFlagError
)

// Command identifies an NBD transmission-phase request.
type Command uint16

const (
	CmdRead  Command = 0
	CmdWrite Command = 1
	CmdDisc  Command = 2
	CmdFlush Command = 3
	CmdTrim  Command = 4
)

// CmdMask isolates the command from the FUA bit in a request's type word.
const CmdMask uint32 = 0xffff

// CmdFlagFUA is set in a request's type word when the client requests
// force-unit-access durability.
const CmdFlagFUA uint32 = 1 << 16

// Wire-level error codes reported in a reply's error field.
const (
	ErrNone   uint32 = 0
	ErrPerm   uint32 = 1
	ErrIO     uint32 = 5
	ErrNoMem  uint32 = 12
	ErrInval  uint32 = 22
	ErrNoSpc  uint32 = 28
)

// Sentinel errors surfaced by the codec. Any of these is fatal to the
// session that triggered it: the caller closes the socket without a
// further reply.
var (
	ErrMalformedFrame = errors.New("nbdproto: malformed frame")
	ErrUnknownCommand = errors.New("nbdproto: unknown command")
	ErrMissingFixedNewstyle = errors.New("nbdproto: client did not advertise FIXED_NEWSTYLE")
)

// String names a command for logging.
func (c Command) String() string {
	switch c {
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdDisc:
		return "disc"
	case CmdFlush:
		return "flush"
	case CmdTrim:
		return "trim"
	default:
		return "unknown"
	}
}
