package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

// gousbLibrary implements Library on top of github.com/google/gousb:
// one context created by NewGousbLibrary, with each Submit's blocking I/O run
// on its own goroutine and fed into a shared completions channel,
// since gousb already owns its internal event-handling goroutine.
type gousbLibrary struct {
	ctx *gousb.Context

	mu          sync.Mutex
	completions chan Completion
}

// NewGousbLibrary opens a new transport Library backed by gousb.
func NewGousbLibrary() Library {
	ctx := gousb.NewContext()
	return &gousbLibrary{
		ctx:         ctx,
		completions: make(chan Completion, 64),
	}
}

func (lib *gousbLibrary) Close() error {
	return lib.ctx.Close()
}

func (lib *gousbLibrary) Completions() <-chan Completion {
	return lib.completions
}

// HandleEventsTimeout is a no-op for gousb: the library manages its
// own libusb event-handling goroutine for the lifetime of the
// context. The call is kept so dispatch.Dispatcher's poll loop has a
// real transport entry point to call each tick, and so a future
// non-gousb Library can give it real meaning.
func (lib *gousbLibrary) HandleEventsTimeout(timeoutMillis int) error {
	return nil
}

func (lib *gousbLibrary) ListDevices() ([]DeviceDescriptor, error) {
	var out []DeviceDescriptor

	devs, err := lib.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		out = append(out, describeDevice(desc))
		return false // never keep a device open just for enumeration
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, &Error{Op: "list_devices", Status: StatusError}
	}

	return out, nil
}

func describeDevice(desc *gousb.DeviceDesc) DeviceDescriptor {
	dd := DeviceDescriptor{
		Bus:         uint8(desc.Bus),
		Address:     uint8(desc.Address),
		Speed:       mapSpeed(desc.Speed),
		Vendor:      uint16(desc.Vendor),
		Product:     uint16(desc.Product),
		BcdUSB:      uint16(desc.Spec),
		Class:       uint8(desc.Class),
		PortNumbers: toU8(desc.Port, desc.Path),
	}

	for cfgNum, cfg := range desc.Configs {
		cd := ConfigDesc{Value: uint8(cfgNum)}
		for ifNum, iface := range cfg.Interfaces {
			id := InterfaceDesc{Number: uint8(ifNum)}
			for _, alt := range iface.AltSettings {
				id.Class = uint8(alt.Class)
				setting := InterfaceSetting{Alternate: uint8(alt.Alternate)}
				for _, ep := range alt.Endpoints {
					setting.Endpoints = append(setting.Endpoints, EndpointDesc{
						Number:    uint8(ep.Number),
						Direction: mapDirection(ep.Direction),
						Type:      mapTransferType(ep.TransferType),
						MaxPacket: maxpWord(ep.MaxPacketSize, ep.MaxIsoPacket),
					})
				}
				id.Options = append(id.Options, setting)
			}
			cd.Interfaces = append(cd.Interfaces, id)
		}
		dd.Configs = append(dd.Configs, cd)
	}

	return dd
}

// toU8 builds the hub-relative path the way topology.DevicePath
// expects: path[0] is the root-hub port, path[1:] downstream ports.
// gousb's Port is the device's own port on its parent; Path is the
// chain of ports from the root hub to the parent.
func toU8(port int, path []int) []uint8 {
	out := make([]uint8, 0, len(path)+1)
	for _, p := range path {
		out = append(out, uint8(p))
	}
	out = append(out, uint8(port))
	return out
}

func mapSpeed(s gousb.Speed) Speed {
	switch s {
	case gousb.SpeedLow:
		return SpeedLow
	case gousb.SpeedFull:
		return SpeedFull
	case gousb.SpeedHigh:
		return SpeedHigh
	case gousb.SpeedSuper:
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

func mapDirection(d gousb.EndpointDirection) Direction {
	if d == gousb.EndpointDirectionIn {
		return DirIn
	}
	return DirOut
}

func mapTransferType(t gousb.TransferType) EndpointType {
	switch t {
	case gousb.TransferTypeControl:
		return EndpointControl
	case gousb.TransferTypeIsochronous:
		return EndpointIso
	case gousb.TransferTypeBulk:
		return EndpointBulk
	case gousb.TransferTypeInterrupt:
		return EndpointInterrupt
	default:
		return EndpointInvalid
	}
}

// maxpWord packs maxPacketSize and the transactions-per-microframe
// multiplier into a maxp word: low 11 bits size, bits 11-12 multiplier
// minus one.
func maxpWord(maxPacketSize, maxIsoPacket int) uint16 {
	mult := 0
	if maxPacketSize > 0 {
		mult = maxIsoPacket/maxPacketSize - 1
		if mult < 0 {
			mult = 0
		}
	}
	return uint16(maxPacketSize&0x7ff) | uint16(mult&0x3)<<11
}

func (lib *gousbLibrary) findRaw(desc DeviceDescriptor) (*gousb.Device, error) {
	var found *gousb.Device
	devs, err := lib.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		match := uint8(d.Bus) == desc.Bus && uint8(d.Address) == desc.Address
		return match
	})
	for _, d := range devs {
		if found == nil && uint8(d.Desc.Bus) == desc.Bus && uint8(d.Desc.Address) == desc.Address {
			found = d
		} else {
			d.Close()
		}
	}
	if err != nil && found == nil {
		return nil, &Error{Op: "open_device", Status: StatusError}
	}
	if found == nil {
		return nil, &Error{Op: "open_device", Status: StatusNoDevice}
	}
	return found, nil
}

func (lib *gousbLibrary) Open(desc DeviceDescriptor) (Device, error) {
	raw, err := lib.findRaw(desc)
	if err != nil {
		return nil, err
	}

	raw.SetAutoDetach(true)

	return &gousbDevice{lib: lib, raw: raw, desc: desc}, nil
}

// HubMaxChildren fetches bNbrPorts from the hub's class-specific hub
// descriptor (USB 2.0 spec §11.23.2.1). gousb has no first-class
// accessor for this, so it is read with a raw control transfer
// against the underlying libusb handle.
func (lib *gousbLibrary) HubMaxChildren(desc DeviceDescriptor) (int, error) {
	raw, err := lib.findRaw(desc)
	if err != nil {
		return 0, err
	}
	defer raw.Close()

	buf := make([]byte, 16)
	n, err := raw.Control(
		0x80|0x20, // IN | class | device
		0x06,      // GET_DESCRIPTOR
		0x29<<8,   // HUB descriptor type, index 0
		0,
		buf,
	)
	if err != nil || n < 3 {
		return 0, &Error{Op: "hub_descriptor", Status: StatusError}
	}

	return int(buf[2]), nil
}

func (lib *gousbLibrary) Hotplug() (<-chan HotplugEvent, func(), error) {
	ch := make(chan HotplugEvent, 16)
	stop := make(chan struct{})

	var lastSeen map[[2]uint8]DeviceDescriptor
	lastSeen = map[[2]uint8]DeviceDescriptor{}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cur, err := lib.ListDevices()
				if err != nil {
					continue
				}
				seen := map[[2]uint8]DeviceDescriptor{}
				for _, d := range cur {
					key := [2]uint8{d.Bus, d.Address}
					seen[key] = d
					if _, ok := lastSeen[key]; !ok {
						ch <- HotplugEvent{Kind: HotplugArrived, Desc: d}
					}
				}
				for key, d := range lastSeen {
					if _, ok := seen[key]; !ok {
						ch <- HotplugEvent{Kind: HotplugLeft, Desc: d}
					}
				}
				lastSeen = seen
			}
		}
	}()

	return ch, func() { close(stop) }, nil
}

// gousbDevice implements Device.
type gousbDevice struct {
	lib  *gousbLibrary
	raw  *gousb.Device
	desc DeviceDescriptor

	mu  sync.Mutex
	cfg *gousb.Config
	ifs map[uint8]*gousb.Interface
}

func (d *gousbDevice) Descriptor() DeviceDescriptor { return d.desc }

// DetachKernelDrivers relies on SetAutoDetach(true), set at Open time:
// gousb/libusb detach the kernel driver automatically as each
// interface is claimed, without needing to enumerate "all interfaces
// of the active configuration" by hand.
func (d *gousbDevice) DetachKernelDrivers() error { return nil }

// ReattachKernelDrivers is likewise automatic: libusb reattaches on
// ReleaseInterface when auto-detach is enabled.
func (d *gousbDevice) ReattachKernelDrivers() error { return nil }

func (d *gousbDevice) SetConfiguration(cfgNum uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg != nil {
		for _, iface := range d.ifs {
			iface.Close()
		}
		d.ifs = nil
		d.cfg.Close()
		d.cfg = nil
	}

	cfg, err := d.raw.Config(int(cfgNum))
	if err != nil {
		return &Error{Op: "set_configuration", Status: StatusError}
	}

	d.cfg = cfg
	d.ifs = map[uint8]*gousb.Interface{}
	return nil
}

func (d *gousbDevice) ClaimInterface(num uint8) error {
	return d.SetAlternate(num, 0)
}

func (d *gousbDevice) ReleaseInterface(num uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if iface, ok := d.ifs[num]; ok {
		iface.Close()
		delete(d.ifs, num)
	}
	return nil
}

func (d *gousbDevice) SetAlternate(ifaceNum, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg == nil {
		return &Error{Op: "set_alternate", Status: StatusError}
	}

	if old, ok := d.ifs[ifaceNum]; ok {
		old.Close()
		delete(d.ifs, ifaceNum)
	}

	iface, err := d.cfg.Interface(int(ifaceNum), int(alt))
	if err != nil {
		return &Error{Op: "set_alternate", Status: StatusError}
	}

	d.ifs[ifaceNum] = iface
	return nil
}

func (d *gousbDevice) Reset() error {
	if err := d.raw.Reset(); err != nil {
		return &Error{Op: "reset", Status: StatusError}
	}
	return nil
}

func (d *gousbDevice) Close() error {
	d.mu.Lock()
	for _, iface := range d.ifs {
		iface.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	d.mu.Unlock()

	return d.raw.Close()
}

func (d *gousbDevice) ControlTransfer(ctx context.Context, bmRequestType, bRequest uint8, wValue, wIndex uint16, data []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := d.raw.Control(bmRequestType, bRequest, wValue, wIndex, data)
		done <- result{n, err}
	}()

	select {
	case <-ctx.Done():
		return 0, &Error{Op: "control_transfer", Status: StatusTimeout}
	case r := <-done:
		if r.err != nil {
			return r.n, &Error{Op: "control_transfer", Status: decodeGousbErr(r.err)}
		}
		return r.n, nil
	}
}

func (d *gousbDevice) ClearHalt(epid uint8) error {
	if _, err := d.raw.Control(0x02, 0x01, 0, uint16(epid), nil); err != nil {
		return &Error{Op: "clear_halt", Status: StatusError}
	}
	return nil
}

// Submit starts an asynchronous bulk/interrupt/isochronous transfer.
// gousb's public endpoint API is blocking (ReadContext/WriteContext),
// not libusb's raw submit/callback pair, so a per-request goroutine
// performs the blocking I/O and posts the result to the Library's
// shared Completions channel, fed by many short-lived goroutines
// instead of one libusb_handle_events loop, since gousb already owns
// that loop internally.
func (d *gousbDevice) Submit(req *TransferRequest) (Pending, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &gousbPending{cancel: cancel}

	go func() {
		n, isoActual, err := d.transferOnce(ctx, req)
		status := StatusCompleted
		if err != nil {
			if ctx.Err() != nil {
				status = StatusCancelled
			} else {
				status = decodeGousbErr(err)
			}
		}
		d.lib.completions <- Completion{
			UserData:     req.UserData,
			ActualLength: n,
			IsoActual:    isoActual,
			Status:       status,
		}
	}()

	return p, nil
}

func (d *gousbDevice) transferOnce(ctx context.Context, req *TransferRequest) (int, []int, error) {
	d.mu.Lock()
	iface := d.ifs[0]
	d.mu.Unlock()
	if iface == nil {
		return 0, nil, fmt.Errorf("no interface claimed")
	}

	switch req.Type {
	case EndpointBulk, EndpointInterrupt:
		if req.Direction == DirIn {
			ep, err := iface.InEndpoint(int(req.Endpoint))
			if err != nil {
				return 0, nil, err
			}
			n, err := ep.ReadContext(ctx, req.Buffer)
			return n, nil, err
		}
		ep, err := iface.OutEndpoint(int(req.Endpoint))
		if err != nil {
			return 0, nil, err
		}
		n, err := ep.WriteContext(ctx, req.Buffer)
		return n, nil, err

	case EndpointIso:
		isoActual := make([]int, len(req.IsoLengths))
		off := 0
		if req.Direction == DirIn {
			ep, err := iface.InEndpoint(int(req.Endpoint))
			if err != nil {
				return 0, nil, err
			}
			n, err := ep.ReadContext(ctx, req.Buffer)
			for i, l := range req.IsoLengths {
				got := l
				if off+got > n {
					got = n - off
					if got < 0 {
						got = 0
					}
				}
				isoActual[i] = got
				off += l
			}
			return n, isoActual, err
		}
		ep, err := iface.OutEndpoint(int(req.Endpoint))
		if err != nil {
			return 0, nil, err
		}
		n, err := ep.WriteContext(ctx, req.Buffer)
		for i, l := range req.IsoLengths {
			isoActual[i] = l
		}
		return n, isoActual, err

	default:
		return 0, nil, fmt.Errorf("unsupported async endpoint type %s", req.Type)
	}
}

type gousbPending struct {
	cancel context.CancelFunc
}

func (p *gousbPending) Cancel() { p.cancel() }

// decodeGousbErr maps a gousb/libusb error into this module's raw
// Status vocabulary. gousb wraps libusb error codes in its own error
// type; lacking a stable exported code accessor, the decision is
// based on string content, falling back to StatusError for anything
// unrecognized.
func decodeGousbErr(err error) Status {
	if err == nil {
		return StatusCompleted
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no device"), strings.Contains(msg, "no such device"):
		return StatusNoDevice
	case strings.Contains(msg, "pipe"), strings.Contains(msg, "stall"):
		return StatusStall
	case strings.Contains(msg, "timeout"):
		return StatusTimeout
	case strings.Contains(msg, "overflow"):
		return StatusOverflow
	case strings.Contains(msg, "busy"):
		return StatusBusy
	case strings.Contains(msg, "cancel"):
		return StatusCancelled
	default:
		return StatusError
	}
}
