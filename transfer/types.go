// Package transfer implements the port-mapper's Data Transfer Engine:
// it turns a block-ring transfer into a bulk, interrupt, or
// isochronous asynchronous USB transfer, and on completion scatters
// the received bytes back into the originating blocks before
// notifying the front-end.
package transfer

import (
	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/transport"
)

// MaxBlkCnt bounds the size of a Xfer's block ring.
const MaxBlkCnt = 64

// Direction is a transfer's data direction. It is the same bit
// transport.Direction already models; transfer keeps its own name
// because it names a guest-facing concept distinct from an endpoint
// descriptor's direction, even though the representation is identical.
type Direction = transport.Direction

// Re-exported for callers that only import transfer.
const (
	DirOut = transport.DirOut
	DirIn  = transport.DirIn
)

// BlockType is one block's role in a scatter/gather transfer.
type BlockType int

// BlockType values.
const (
	BlockNone BlockType = iota
	BlockPart
	BlockFull
	BlockLink
)

func (t BlockType) String() string {
	switch t {
	case BlockNone:
		return "none"
	case BlockPart:
		return "part"
	case BlockFull:
		return "full"
	case BlockLink:
		return "link"
	default:
		return "invalid"
	}
}

// BlockStat tracks a block's progress through the Engine.
type BlockStat int

// BlockStat values.
const (
	BlockFree BlockStat = iota
	BlockHandling
	BlockHandled
)

// Block is one logical scatter/gather unit of a transfer.
type Block struct {
	Buf   []byte
	Blen  uint32 // remaining length
	Bdone uint32 // bytes transferred so far
	Type  BlockType
	Stat  BlockStat
}

// Status is a completed or in-flight xfer's outcome.
type Status int

// Status values. StatusUnset is the zero value, used when a control
// request is rejected before forwarding and the xfer's status is
// left unchanged.
const (
	StatusUnset Status = iota
	StatusNormalCompletion
	StatusShortXfer
	StatusStalled
	StatusIOError
	StatusTimeout
	StatusBadBufsize
	StatusInUse
)

func (s Status) String() string {
	switch s {
	case StatusNormalCompletion:
		return "normal-completion"
	case StatusShortXfer:
		return "short-xfer"
	case StatusStalled:
		return "stalled"
	case StatusIOError:
		return "ioerror"
	case StatusTimeout:
		return "timeout"
	case StatusBadBufsize:
		return "bad-bufsize"
	case StatusInUse:
		return "in-use"
	default:
		return "unset"
	}
}

// Setup is the eight-byte control setup stage of a control transfer:
// bmRequestType, bRequest, wValue, wIndex, wLength. The front-end
// populates it before calling portmapper.System.Request on a
// control-endpoint Xfer.
type Setup struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// Xfer is one USB transfer: a circular ring of Blocks owned by the
// front-end, plus the parallel ring of in-flight Requests.
type Xfer struct {
	Data  [MaxBlkCnt]Block
	Head  int
	Tail  int
	NData int

	Epid   uint8
	Status Status
	Setup  Setup

	Reqs [MaxBlkCnt]*Request
}

// NewXfer returns an empty Xfer for the given endpoint id.
func NewXfer(epid uint8) *Xfer {
	return &Xfer{Epid: epid}
}

func (x *Xfer) next(i int) int {
	return (i + 1) % MaxBlkCnt
}

// Request is one in-flight transfer owning a contiguous linearized
// buffer for its block span.
type Request struct {
	Device  *device.Device
	Xfer    *Xfer
	PID     Direction
	Seq     uint64
	Buffer  []byte
	BlkHead int
	BlkTail int
	Pending transport.Pending
}
