// Package control implements the port-mapper's Control Request
// Handler: it intercepts the standard control requests that change
// device state (SET_ADDRESS, SET_CONFIGURATION, SET_INTERFACE,
// CLEAR_FEATURE(ENDPOINT_HALT)) and forwards every other request
// synchronously to the real device with a fixed timeout.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmexec/usbportmapper/descriptor"
	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/portconfig"
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/transfer"
	"github.com/vmexec/usbportmapper/transport"
)

// Timeout is the fixed deadline for forwarded control transfers.
const Timeout = 300 * time.Millisecond

// Standard request codes this handler intercepts or inspects.
const (
	reqClearFeature      = 0x01
	reqSetAddress        = 0x05
	reqGetDescriptor     = 0x06
	reqSetConfiguration  = 0x09
	reqSetInterface      = 0x0b
)

const (
	recipientMask      = 0x1f
	recipientDevice    = 0x00
	recipientInterface = 0x01
	recipientEndpoint  = 0x02
)

const featureEndpointHalt = 0x00

// wValueGetConfigDescriptor is GET_DESCRIPTOR's wValue for
// configuration descriptor 0 (type 0x02 in the high byte, index 0).
const wValueGetConfigDescriptor = 0x0200

// Request is the setup stage of a control transfer.
type Request struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// Handler is the Control Request Handler.
type Handler struct {
	log     *portlog.Logger
	timeout time.Duration
	cfg     portconfig.Config
}

// NewHandler constructs a Handler using the fixed 300ms forwarding
// timeout. cfg is optional; its per-device quirks (ForceMSC) are
// consulted when patching a GET_DESCRIPTOR(CONFIGURATION) response.
func NewHandler(log *portlog.Logger, cfg ...portconfig.Config) *Handler {
	h := &Handler{log: log, timeout: Timeout}
	if len(cfg) > 0 {
		h.cfg = cfg[0]
	}
	return h
}

// Handle processes one control xfer against dev. xfer's first block,
// if any, is the data stage. xfer.Status is set before return, except
// for a request that is rejected (a data-stage/wLength mismatch, or a
// CLEAR_FEATURE selector other than ENDPOINT_HALT), which leaves it
// unchanged.
func (h *Handler) Handle(dev *device.Device, xfer *transfer.Xfer, req Request) error {
	var blk *transfer.Block
	if xfer.NData > 0 {
		blk = &xfer.Data[xfer.Head]
	}

	switch {
	case blk != nil && req.WLength > 0:
	case blk == nil && req.WLength == 0:
	default:
		// Any other data-stage/wLength pairing completes the xfer
		// with status unchanged and is not forwarded.
		return nil
	}

	recipient := req.BmRequestType & recipientMask

	switch {
	case req.BRequest == reqSetAddress && recipient == recipientDevice:
		dev.Address = req.WValue
		xfer.Status = transfer.StatusNormalCompletion
		return nil

	case req.BRequest == reqSetConfiguration && recipient == recipientDevice:
		if err := device.SetConfig(dev, uint8(req.WValue&0xff)); err != nil {
			xfer.Status = transfer.StatusStalled
			return err
		}
		xfer.Status = transfer.StatusNormalCompletion
		return nil

	case req.BRequest == reqSetInterface && recipient == recipientInterface:
		if err := device.SetInterface(dev, uint8(req.WIndex), uint8(req.WValue)); err != nil {
			xfer.Status = transfer.StatusStalled
			return err
		}
		xfer.Status = transfer.StatusNormalCompletion
		return nil

	case req.BRequest == reqClearFeature && recipient == recipientEndpoint:
		if req.WValue != featureEndpointHalt {
			return fmt.Errorf("control: CLEAR_FEATURE selector 0x%04x is not ENDPOINT_HALT", req.WValue)
		}
		if err := device.ClearHalt(dev, uint8(req.WIndex&0xff)); err != nil {
			xfer.Status = transfer.StatusStalled
			return err
		}
		xfer.Status = transfer.StatusNormalCompletion
		return nil
	}

	return h.forward(dev, xfer, req, blk)
}

func (h *Handler) forward(dev *device.Device, xfer *transfer.Xfer, req Request, blk *transfer.Block) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var data []byte
	if blk != nil {
		data = blk.Buf[:req.WLength]
	}

	n, err := dev.Handle().ControlTransfer(ctx, req.BmRequestType, req.BRequest, req.WValue, req.WIndex, data)
	if err != nil {
		xfer.Status = mapSyncStatus(err)
		return err
	}

	if req.BRequest == reqGetDescriptor && req.WValue == wValueGetConfigDescriptor {
		quirk := h.cfg.Lookup(dev.Info.Vendor, dev.Info.Product)
		if perr := descriptor.Patch(data[:n], quirk.ForceMSC); perr != nil {
			h.log.Debug("control: descriptor patch skipped: %s", perr)
		}
	}

	if n < int(req.WLength) {
		xfer.Status = transfer.StatusShortXfer
		if blk != nil {
			blk.Blen = uint32(int(req.WLength) - n)
			blk.Bdone += uint32(n)
		}
	} else {
		xfer.Status = transfer.StatusNormalCompletion
	}
	return nil
}

// mapSyncStatus maps a synchronous control-transfer failure onto the
// transport-condition -> xfer.status table.
func mapSyncStatus(err error) transfer.Status {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return transfer.StatusIOError
	}
	switch terr.Status {
	case transport.StatusStall, transport.StatusPipe:
		return transfer.StatusStalled
	case transport.StatusNoDevice:
		return transfer.StatusIOError
	case transport.StatusTimeout:
		return transfer.StatusTimeout
	case transport.StatusBusy:
		return transfer.StatusInUse
	case transport.StatusOverflow:
		return transfer.StatusBadBufsize
	case transport.StatusIO:
		return transfer.StatusIOError
	case transport.StatusError:
		// The transport layer reports device-absence via StatusNoDevice
		// directly (see transport.decodeGousbErr); a StatusError this
		// handler observes is always the device-present case, so it
		// maps to STALLED.
		return transfer.StatusStalled
	default:
		return transfer.StatusIOError
	}
}
