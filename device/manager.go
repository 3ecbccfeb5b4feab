// Package device implements the port-mapper's Device Manager and
// Endpoint Table: per-device lifecycle (open, detach kernel drivers,
// claim interfaces, reset, close, reattach) and the endpoint-type/
// maxpacket table that mirrors the device's active configuration and
// alternate setting.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transport"
)

var (
	// ErrRootHub is returned by Init when asked to attach a root hub
	// entry; root hubs are topology nodes, never attachable devices.
	ErrRootHub = errors.New("device: root hub cannot be attached")

	// ErrUnsupportedUSBVersion is returned by Init when bcdUSB maps
	// to neither USB 2 nor USB 3 semantics.
	ErrUnsupportedUSBVersion = errors.New("device: unsupported bcdUSB")

	errNoSuchConfig = errors.New("device: no such configuration in descriptor")

	// ErrInterfaceRange is returned by SetInterface for iface >= MaxInterface.
	ErrInterfaceRange = errors.New("device: interface number out of range")
)

// Device is the per-attached-device state this module tracks.
type Device struct {
	Info topology.DeviceInfo

	// Version is 2 or 3, derived from Info.BcdUSB.
	Version int

	// Configuration, IfCount and AltSettings mirror the device's
	// active USB configuration; Address is the guest-assigned USB
	// address, advisory only and never written to the real device
	// (the real device's address is managed entirely by the host
	// kernel's USB stack).
	Configuration uint8
	IfCount       uint8
	AltSettings   [MaxInterface]uint8
	Address       uint16

	Endpoints Table

	handle transport.Device
	log    *portlog.Logger

	mu sync.RWMutex
}

// Handle returns the underlying transport device, for use by the
// control and transfer packages. It is not protected by Device's own
// lock: those packages are called only from the front-end's
// already-serialized request path, which never overlaps with
// configuration changes.
func (d *Device) Handle() transport.Device { return d.handle }

// versionFor derives the USB protocol generation associated with a
// device from its reported bcdUSB.
func versionFor(bcdUSB uint16) (int, error) {
	switch {
	case bcdUSB>>8 == 0x03:
		return 3, nil
	case bcdUSB>>8 == 0x02, bcdUSB == 0x0110:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: 0x%04x", ErrUnsupportedUSBVersion, bcdUSB)
	}
}

// Init opens info for access and returns a new Device. Root hubs are
// rejected. The device is opened and its kernel driver detached, but
// not yet claimed -- claiming is deferred until the guest's first
// SET_CONFIGURATION.
//
// forceVersion overrides the bcdUSB-derived version (2 or 3) when
// present and non-zero, letting a per-device quirk correct a device
// that misreports its own bcdUSB. It is otherwise derived from
// info.BcdUSB via versionFor. The override is applied only after
// info.BcdUSB has passed versionFor: a bcdUSB that maps to neither 2
// nor 3 is rejected whatever forceVersion says.
func Init(lib transport.Library, info topology.DeviceInfo, log *portlog.Logger, forceVersion ...int) (*Device, error) {
	if info.Path.IsRootHub() {
		return nil, ErrRootHub
	}

	version, err := versionFor(info.BcdUSB)
	if err != nil {
		return nil, err
	}
	if len(forceVersion) > 0 && forceVersion[0] != 0 {
		v := forceVersion[0]
		if v != 2 && v != 3 {
			return nil, fmt.Errorf("%w: forced version %d", ErrUnsupportedUSBVersion, v)
		}
		version = v
	}

	handle, err := lib.Open(info.Descriptor)
	if err != nil {
		return nil, err
	}

	if err := handle.DetachKernelDrivers(); err != nil {
		handle.Close()
		return nil, err
	}

	dev := &Device{
		Info:    info,
		Version: version,
		handle:  handle,
		log:     log,
	}
	dev.Endpoints.reset()

	return dev, nil
}

// Deinit reattaches kernel drivers (best-effort, logged on failure),
// closes the handle, and releases dev.
func Deinit(dev *Device) {
	if err := dev.handle.ReattachKernelDrivers(); err != nil {
		dev.log.Error("device: reattach kernel driver failed for %+v: %s", dev.Info.Path, err)
	}
	dev.handle.Close()
}

// Reset issues exactly one transport-library reset followed by an
// endpoint-table refresh. A second reset immediately after the first
// is redundant and is never performed.
func Reset(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.handle.Reset(); err != nil {
		return err
	}

	return updateEndpointsLocked(dev)
}

// SetConfig releases interfaces of the previous configuration, sets
// the new configuration, re-claims all interfaces of the new active
// configuration, and rebuilds the endpoint table. Any failure here
// should leave the owning xfer with status STALLED; see
// control.Handler.
func SetConfig(dev *Device, value uint8) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	for ifnum := uint8(0); ifnum < dev.IfCount; ifnum++ {
		dev.handle.ReleaseInterface(ifnum)
	}

	if err := dev.handle.SetConfiguration(value); err != nil {
		return err
	}
	dev.Configuration = value

	cfg := findConfig(dev.Info.Descriptor, value)
	if cfg == nil {
		return errNoSuchConfig
	}

	dev.IfCount = uint8(len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		if err := dev.handle.ClaimInterface(iface.Number); err != nil {
			return err
		}
	}
	for i := range dev.AltSettings {
		dev.AltSettings[i] = 0
	}

	return dev.Endpoints.update(cfg, &dev.AltSettings)
}

// SetInterface applies an alternate setting on iface, records it, and
// rebuilds the endpoint table. Composite devices with endpoint
// collisions on interfaces beyond 0 are not correctly reflected by the
// resulting table; see Table.update.
func SetInterface(dev *Device, iface, alt uint8) error {
	if iface >= MaxInterface {
		return ErrInterfaceRange
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if err := dev.handle.SetAlternate(iface, alt); err != nil {
		return err
	}
	dev.AltSettings[iface] = alt

	return updateEndpointsLocked(dev)
}

// ClearHalt forwards CLEAR_FEATURE(ENDPOINT_HALT) to the transport
// library.
func ClearHalt(dev *Device, epid uint8) error {
	return dev.handle.ClearHalt(epid)
}

// EndpointFor returns the current table entry for (dir, num),
// guarded against a concurrent configuration change.
func (d *Device) EndpointFor(dir transport.Direction, num uint8) Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Endpoints.Get(dir, num)
}

func updateEndpointsLocked(dev *Device) error {
	cfg := findConfig(dev.Info.Descriptor, dev.Configuration)
	if cfg == nil {
		dev.Endpoints.reset()
		return nil
	}
	return dev.Endpoints.update(cfg, &dev.AltSettings)
}

func findConfig(desc transport.DeviceDescriptor, value uint8) *transport.ConfigDesc {
	for i := range desc.Configs {
		if desc.Configs[i].Value == value {
			return &desc.Configs[i]
		}
	}
	return nil
}
