package transfer

import (
	"fmt"
	"sync/atomic"

	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/transport"
)

// Callbacks are the front-end hooks the Engine invokes around a
// completion's scatter/notify critical section.
type Callbacks struct {
	LockEndpoint   func(dev *device.Device, epid uint8)
	UnlockEndpoint func(dev *device.Device, epid uint8)
	Notify         func(dev *device.Device, xfer *Xfer) bool
	Interrupt      func(dev *device.Device)
}

// Engine is the Data Transfer Engine.
type Engine struct {
	cb  Callbacks
	log *portlog.Logger
	seq uint64
}

// NewEngine constructs an Engine bound to the given front-end callbacks.
func NewEngine(cb Callbacks, log *portlog.Logger) *Engine {
	return &Engine{cb: cb, log: log}
}

func (e *Engine) nextSeq() uint64 {
	return atomic.AddUint64(&e.seq, 1)
}

// Submit translates the live span of xfer's block ring into one
// transport transfer and submits it asynchronously.
func (e *Engine) Submit(dev *device.Device, xfer *Xfer, dir Direction, epctx uint8) error {
	ep := dev.EndpointFor(dir, epctx)
	if ep.Type > transport.EndpointInterrupt {
		return fmt.Errorf("transfer: endpoint %d type %s is not submittable", epctx, ep.Type)
	}

	blkHead, blkTail, size, framecnt := prepareSpan(xfer, ep, e.log)
	if size <= 0 {
		// A xfer with no live blocks (ndata == 0, or every block
		// already handled) completes immediately with
		// NORMAL_COMPLETION and no Request is allocated.
		xfer.Status = StatusNormalCompletion
		return nil
	}

	req := &Request{
		Device:  dev,
		Xfer:    xfer,
		PID:     dir,
		Seq:     e.nextSeq(),
		Buffer:  make([]byte, size),
		BlkHead: blkHead,
		BlkTail: blkTail,
	}
	xfer.Reqs[blkHead] = req

	var isoLengths []int
	if ep.Type == transport.EndpointIso {
		isoLengths = buildIsoLengths(xfer, blkHead, blkTail, framecnt)
	}
	if dir == DirOut {
		packOut(xfer, blkHead, blkTail, req.Buffer)
	}

	treq := &transport.TransferRequest{
		Endpoint:   epctx,
		Direction:  dir,
		Type:       ep.Type,
		Buffer:     req.Buffer,
		IsoLengths: isoLengths,
		UserData:   req,
	}

	pending, err := dev.Handle().Submit(treq)
	if err != nil {
		// The Request stays registered in xfer.Reqs[blkHead] on submit
		// failure rather than being rolled back automatically; see
		// portmapper.System.FreeRequest for the explicit reclaim path.
		xfer.Status = StatusIOError
		return err
	}
	req.Pending = pending
	return nil
}

// prepareSpan walks xfer's live block span starting at Head for NData
// entries, skipping Handled/Handling blocks, marking None blocks
// Handled in place, and accumulating the Part/Full span that will
// back one Request.
func prepareSpan(xfer *Xfer, ep device.Endpoint, log *portlog.Logger) (head, tail, size, framecnt int) {
	head = -1
	i := xfer.Head
	inFrame := false

	for n := 0; n < xfer.NData; n++ {
		blk := &xfer.Data[i]

		switch blk.Stat {
		case BlockHandling, BlockHandled:
			i = xfer.next(i)
			continue
		}

		switch blk.Type {
		case BlockNone:
			blk.Stat = BlockHandled
		case BlockPart, BlockFull:
			if head == -1 {
				head = i
			}
			tail = i
			size += int(blk.Blen)
			blk.Stat = BlockHandling

			if ep.Type == transport.EndpointIso {
				frameMax := isoFrameMaxSize(ep.Maxp)
				if int(blk.Blen) > frameMax && !inFrame {
					log.Error("transfer: block larger than iso frame size (%d > %d), submitting anyway", blk.Blen, frameMax)
				}
				if blk.Type == BlockFull {
					framecnt++
					inFrame = false
				} else {
					inFrame = true
				}
			}
		case BlockLink:
			// ring-wrap marker, not part of any span
		}

		i = xfer.next(i)
	}

	if head == -1 {
		return -1, -1, 0, 0
	}
	return head, tail, size, framecnt
}

// isoFrameMaxSize computes packet_size * (1 + mult) from a packed
// maxp word.
func isoFrameMaxSize(maxp uint16) int {
	packetSize := int(maxp & 0x7ff)
	mult := int((maxp >> 11) & 0x3)
	return packetSize * (1 + mult)
}

// packOut linearly copies every Part/Full block's live bytes into buf.
func packOut(xfer *Xfer, head, tail int, buf []byte) {
	off := 0
	for i := head; ; i = xfer.next(i) {
		blk := &xfer.Data[i]
		if blk.Type == BlockPart || blk.Type == BlockFull {
			n := copy(buf[off:], blk.Buf[:blk.Blen])
			off += n
		}
		if i == tail {
			break
		}
	}
}

// buildIsoLengths assigns each iso packet descriptor's length to the
// sum of contiguous Part lengths terminated by a Full.
func buildIsoLengths(xfer *Xfer, head, tail, framecnt int) []int {
	lens := make([]int, 0, framecnt)
	cur := 0
	for i := head; ; i = xfer.next(i) {
		blk := &xfer.Data[i]
		switch blk.Type {
		case BlockPart:
			cur += int(blk.Blen)
		case BlockFull:
			cur += int(blk.Blen)
			lens = append(lens, cur)
			cur = 0
		}
		if i == tail {
			break
		}
	}
	return lens
}

// mapCompletionStatus maps an asynchronous transport completion
// condition onto xfer.status; the synchronous additions used for
// control transfers live in control.Handler instead. The transport
// layer already distinguishes "no device" from a generic error at the
// point it classifies a failure (see transport.decodeGousbErr), so a
// generic StatusError completion is not further split by device
// presence here.
func mapCompletionStatus(s transport.Status) Status {
	switch s {
	case transport.StatusStall:
		return StatusStalled
	case transport.StatusNoDevice:
		return StatusShortXfer
	case transport.StatusError:
		return StatusStalled
	case transport.StatusCancelled:
		return StatusIOError
	case transport.StatusTimeout:
		return StatusTimeout
	case transport.StatusOverflow:
		return StatusBadBufsize
	case transport.StatusCompleted:
		return StatusNormalCompletion
	default:
		return StatusIOError
	}
}

// Complete processes one transport completion, scattering received
// bytes and notifying the front-end. It runs on the Dispatcher
// goroutine.
func (e *Engine) Complete(req *Request, c transport.Completion) {
	dev := req.Device
	status := mapCompletionStatus(c.Status)
	req.Xfer.Status = status

	if e.cb.LockEndpoint != nil {
		e.cb.LockEndpoint(dev, req.Xfer.Epid)
	}

	if status == StatusStalled {
		markSpanHandled(req.Xfer, req.BlkHead, req.BlkTail)
	} else {
		scatter(req, c)
	}

	if e.cb.Notify != nil && e.cb.Notify(dev, req.Xfer) {
		if e.cb.Interrupt != nil {
			e.cb.Interrupt(dev)
		}
	}

	if e.cb.UnlockEndpoint != nil {
		e.cb.UnlockEndpoint(dev, req.Xfer.Epid)
	}

	req.Xfer.Reqs[req.BlkHead] = nil
	req.Buffer = nil
}

func markSpanHandled(xfer *Xfer, head, tail int) {
	for i := head; ; i = xfer.next(i) {
		blk := &xfer.Data[i]
		blk.Bdone = 0
		blk.Stat = BlockHandled
		if i == tail {
			break
		}
	}
}

// scatter writes inbound bytes back into the originating blocks. Link
// blocks rewind the iso packet index by one since they do not
// themselves consume a frame.
func scatter(req *Request, c transport.Completion) {
	isoIdx := 0
	done := c.ActualLength
	nextDone := func() int {
		if isoIdx < len(c.IsoActual) {
			return c.IsoActual[isoIdx]
		}
		return 0
	}
	if len(c.IsoActual) > 0 {
		done = nextDone()
	}

	off := 0
	for i := req.BlkHead; ; i = req.Xfer.next(i) {
		blk := &req.Xfer.Data[i]

		switch blk.Type {
		case BlockLink:
			if isoIdx > 0 {
				isoIdx--
			}
		case BlockPart, BlockFull:
			n := int(blk.Blen)
			if n > done {
				n = done
			}
			if req.PID == DirIn && n > 0 && off+n <= len(req.Buffer) {
				copy(blk.Buf[:n], req.Buffer[off:off+n])
			}
			off += int(blk.Blen)
			done -= n
			blk.Bdone = uint32(n)
			blk.Blen -= uint32(n)
			blk.Stat = BlockHandled

			if blk.Type == BlockFull {
				isoIdx++
				if len(c.IsoActual) > 0 {
					done = nextDone()
				}
			}
		}

		if i == req.BlkTail {
			break
		}
	}
}
