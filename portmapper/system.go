// Package portmapper wires the port-mapper core's eight components
// (topology, hotplug, device, transfer, control, dispatch, descriptor)
// into the single object an emulated USB host controller front-end
// actually imports: System, which brings all the parts together as an
// explicit Go type with no process-wide mutable singleton, constructed
// once per virtual host controller instance and handed a small set of
// front-end callbacks at construction time.
package portmapper

import (
	"fmt"
	"sync"

	"github.com/vmexec/usbportmapper/busnotify"
	"github.com/vmexec/usbportmapper/control"
	"github.com/vmexec/usbportmapper/ctrlsock"
	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/dispatch"
	"github.com/vmexec/usbportmapper/hotplug"
	"github.com/vmexec/usbportmapper/portconfig"
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transfer"
	"github.com/vmexec/usbportmapper/transport"
)

// Transport is this module's name for the user-space USB access
// library seam; concretely transport.Library.
type Transport = transport.Library

// Callbacks are the front-end hooks registered when a System is
// constructed.
type Callbacks struct {
	// Connect is called when a device arrives (or on initial scan).
	// It may synchronously call back into System.Init.
	Connect func(info topology.DeviceInfo)

	// Disconnect is called when a device departs. System has already
	// unwound any outstanding Device for this path by the time this
	// fires.
	Disconnect func(path topology.DevicePath)

	// Notify is called on every transfer completion; a non-zero
	// (true) return requests a guest interrupt.
	Notify func(dev *device.Device, xfer *transfer.Xfer) bool

	// Interrupt raises the guest interrupt; called only if Notify
	// returned true.
	Interrupt func(dev *device.Device)

	// LockEndpoint/UnlockEndpoint bound the scatter/notify critical
	// section with a mutex per (dev, epid) or coarser. System provides
	// a default per-(device,epid) mutex table if left nil; see
	// endpointLocks.
	LockEndpoint   func(dev *device.Device, epid uint8)
	UnlockEndpoint func(dev *device.Device, epid uint8)
}

// System is the port-mapper core: the object an emulator front-end
// constructs once per virtual USB host controller instance.
type System struct {
	transport Transport
	cb        Callbacks
	log       *portlog.Logger

	opts options

	controlHandler *control.Handler
	engine         *transfer.Engine
	dispatcher     *dispatch.Dispatcher
	watcher        *hotplug.Watcher
	ctrlSrv        *ctrlsock.Server
	notifier       *busnotify.Publisher

	locks endpointLocks

	mu       sync.Mutex
	devices  map[topology.DevicePath]*device.Device
}

// New constructs and starts a System: the dispatcher goroutine and
// hotplug watcher begin running before New returns.
func New(transport Transport, cb Callbacks, opts ...Option) (*System, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = portlog.New()
	}
	log.SetLevel(o.logLevel)

	s := &System{
		transport: transport,
		cb:        cb,
		log:       log,
		opts:      o,
		devices:   make(map[topology.DevicePath]*device.Device),
		locks:     newEndpointLocks(),
	}

	s.controlHandler = control.NewHandler(log, o.config)
	s.engine = transfer.NewEngine(transfer.Callbacks{
		LockEndpoint:   s.lockEndpoint,
		UnlockEndpoint: s.unlockEndpoint,
		Notify:         cb.Notify,
		Interrupt:      cb.Interrupt,
	}, log)

	s.dispatcher = dispatch.New(transport, s.engine, log)
	s.dispatcher.SetPollInterval(o.dispatchPollInterval)
	s.dispatcher.Start()

	if o.busNotify {
		if pub, err := busnotify.Connect(log); err == nil {
			s.notifier = pub
		}
	}

	watcher, err := hotplug.Start(transport, hotplug.Callbacks{
		Connect:    s.onArrive,
		Disconnect: s.onDepart,
	}, log)
	if err != nil {
		s.dispatcher.Stop()
		if s.notifier != nil {
			s.notifier.Close()
		}
		return nil, fmt.Errorf("portmapper: hotplug: %w", err)
	}
	s.watcher = watcher

	if o.controlSocketPath != "" {
		s.ctrlSrv = ctrlsock.New(o.controlSocketPath, s, log)
		if err := s.ctrlSrv.Start(); err != nil {
			log.Error("portmapper: control socket: %s", err)
			s.ctrlSrv = nil
		}
	}

	return s, nil
}

// Close shuts down the dispatcher and hotplug watcher and tears down
// every still-attached Device.
func (s *System) Close() error {
	if s.ctrlSrv != nil {
		s.ctrlSrv.Stop()
	}
	s.watcher.Stop()
	s.dispatcher.Stop()

	s.mu.Lock()
	devs := make([]*device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devs = append(devs, d)
	}
	s.devices = make(map[topology.DevicePath]*device.Device)
	s.mu.Unlock()

	for _, d := range devs {
		device.Deinit(d)
	}

	if s.notifier != nil {
		return s.notifier.Close()
	}
	return nil
}

// Init opens info for access. The returned Device is registered so a
// later hotplug departure can unwind it even if the front-end never
// calls Deinit itself. A configured quirk's ForceUSBVersion, if any,
// overrides the version device.Manager derives from info.BcdUSB.
func (s *System) Init(info topology.DeviceInfo) (*device.Device, error) {
	quirk := s.opts.config.Lookup(info.Vendor, info.Product)
	dev, err := device.Init(s.transport, info, s.log, quirk.ForceUSBVersion)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.devices[info.Path] = dev
	s.mu.Unlock()

	return dev, nil
}

// Deinit tears down dev and removes it from the registry.
func (s *System) Deinit(dev *device.Device) {
	s.mu.Lock()
	delete(s.devices, dev.Info.Path)
	s.mu.Unlock()

	device.Deinit(dev)
}

// Reset resets dev and rebuilds its endpoint table.
func (s *System) Reset(dev *device.Device) error {
	return device.Reset(dev)
}

// Data submits a bulk, interrupt, or isochronous transfer; it never
// blocks on I/O, only submits.
func (s *System) Data(dev *device.Device, xfer *transfer.Xfer, dir transfer.Direction, epctx uint8) error {
	return s.engine.Submit(dev, xfer, dir, epctx)
}

// Request issues a control transfer, whose setup stage the front-end
// has populated in xfer.Setup before calling Request.
func (s *System) Request(dev *device.Device, xfer *transfer.Xfer) error {
	req := control.Request{
		BmRequestType: xfer.Setup.BmRequestType,
		BRequest:      xfer.Setup.BRequest,
		WValue:        xfer.Setup.WValue,
		WIndex:        xfer.Setup.WIndex,
		WLength:       xfer.Setup.WLength,
	}
	return s.controlHandler.Handle(dev, xfer, req)
}

// FreeRequest reclaims a Request that a failed Submit left registered
// in its Xfer's ring. The Engine itself never rolls a failed submit
// back, so this gives the front-end an explicit rollback path instead
// of leaking the slot forever.
func (s *System) FreeRequest(r *transfer.Request) {
	if r == nil || r.Xfer == nil {
		return
	}
	if r.Xfer.Reqs[r.BlkHead] == r {
		r.Xfer.Reqs[r.BlkHead] = nil
	}
	r.Buffer = nil
}

// CancelRequest only asks the transport library to cancel. The
// transfer still completes through the normal Completion channel with
// StatusCancelled; there is no synchronous cancel.
func (s *System) CancelRequest(r *transfer.Request) {
	if r == nil || r.Pending == nil {
		return
	}
	r.Pending.Cancel()
}

// Log returns System's logger, so an embedding front-end can bind it
// to a destination of its choosing. The core consumes only a
// log-level knob; it never owns the process-wide logging facility or
// decides where output is written.
func (s *System) Log() *portlog.Logger {
	return s.log
}

// Devices implements ctrlsock.Source, letting the optional control
// socket enumerate every attached Device without reaching into
// System's internals.
func (s *System) Devices() []*device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *System) onArrive(info topology.DeviceInfo) {
	if s.notifier != nil {
		s.notifier.DeviceArrived(info)
	}
	if s.cb.Connect != nil {
		s.cb.Connect(info)
	}
}

func (s *System) onDepart(path topology.DevicePath) {
	s.mu.Lock()
	dev, ok := s.devices[path]
	if ok {
		delete(s.devices, path)
	}
	s.mu.Unlock()

	if ok {
		device.Deinit(dev)
	}

	if s.notifier != nil {
		s.notifier.DeviceDeparted(path)
	}
	if s.cb.Disconnect != nil {
		s.cb.Disconnect(path)
	}
}

func (s *System) lockEndpoint(dev *device.Device, epid uint8) {
	if s.cb.LockEndpoint != nil {
		s.cb.LockEndpoint(dev, epid)
		return
	}
	s.locks.lock(dev, epid)
}

func (s *System) unlockEndpoint(dev *device.Device, epid uint8) {
	if s.cb.UnlockEndpoint != nil {
		s.cb.UnlockEndpoint(dev, epid)
		return
	}
	s.locks.unlock(dev, epid)
}
