// Package topology implements the port-mapper's Topology Scanner: it
// enumerates attached USB devices, classifies each one by its place in
// the hub tree, and emits them in strict depth-first tier order so
// that external hubs are always classified before their children.
package topology

import (
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/transport"
)

// MaxTiers bounds DevicePath.Path: no USB hub tree exceeds 7 tiers.
const MaxTiers = 7

// classHub is the USB device class code for hubs.
const classHub = 0x09

// DevicePath is a hub-relative topological address, stable across
// enumerations while a device stays attached.
type DevicePath struct {
	Bus   uint8
	Depth uint8
	Path  [MaxTiers]uint8
}

// Equal compares two paths byte-for-byte.
func (p DevicePath) Equal(o DevicePath) bool {
	return p == o
}

// IsRootHub reports whether this path identifies a root hub itself
// (path[0] == 0).
func (p DevicePath) IsRootHub() bool {
	return p.Path[0] == 0
}

// Kind classifies a device's position in the hub tree.
type Kind int

// Kind values.
const (
	RootHub Kind = iota
	RootHubSubDev
	ExtHub
	ExtHubSubDev
)

func (k Kind) String() string {
	switch k {
	case RootHub:
		return "root-hub"
	case RootHubSubDev:
		return "root-hub-subdev"
	case ExtHub:
		return "ext-hub"
	case ExtHubSubDev:
		return "ext-hub-subdev"
	default:
		return "unknown"
	}
}

// DeviceInfo is the Scanner's (and Hotplug Watcher's) output, handed
// to the front-end's connect callback.
type DeviceInfo struct {
	Path     DevicePath
	Speed    transport.Speed
	Vendor   uint16
	Product  uint16
	BcdUSB   uint16
	Kind     Kind
	MaxChild int

	// Supplemental, inert metadata read once at scan time. Used only
	// for logging and the ctrlsock status endpoint, never for
	// protocol decisions.
	Manufacturer string
	ProductName  string
	SerialNumber string

	// Descriptor is the transport library's handle descriptor, kept
	// so device.Manager can reopen this exact device without a
	// second scan.
	Descriptor transport.DeviceDescriptor
}

// Classify assigns a device's Kind. Order matters: a device that is
// itself a hub is always ExtHub, even at tier 1, before the
// depth-based RootHubSubDev/ExtHubSubDev check.
func Classify(desc transport.DeviceDescriptor) Kind {
	if len(desc.PortNumbers) == 0 || desc.PortNumbers[0] == 0 {
		return RootHub
	}
	if desc.Class == classHub {
		return ExtHub
	}
	if len(desc.PortNumbers) == 1 {
		return RootHubSubDev
	}
	return ExtHubSubDev
}

// Scan enumerates every attached device via lib and returns them
// ordered by strictly non-decreasing DevicePath.Depth: every device
// at tier d is emitted before any device at tier d+1, because
// external hubs assign their downstream port numbers dynamically on
// attach and a child's classification is meaningless until its
// parent hub has been seen.
func Scan(lib transport.Library, log *portlog.Logger) ([]DeviceInfo, error) {
	descs, err := lib.ListDevices()
	if err != nil {
		return nil, err
	}

	byDepth := map[int][]transport.DeviceDescriptor{}
	maxDepth := 0
	for _, d := range descs {
		depth := len(d.PortNumbers)
		if depth == 0 {
			depth = 1 // root hub: a single "port 0" entry
		}
		if depth > MaxTiers {
			log.Error("topology: dropping bus=%d addr=%d: depth %d exceeds MaxTiers=%d",
				d.Bus, d.Address, depth, MaxTiers)
			continue
		}
		byDepth[depth] = append(byDepth[depth], d)
		if depth > maxDepth {
			maxDepth = depth
		}
	}

	var out []DeviceInfo
	for depth := 1; depth <= maxDepth; depth++ {
		for _, d := range byDepth[depth] {
			out = append(out, BuildInfo(lib, d, depth, log))
		}
	}

	return out, nil
}

// BuildInfo classifies one device descriptor already known to be at
// depth and fills in its DeviceInfo, including the ExtHub max-child
// lookup. It is shared by Scan and hotplug.Watcher, which both build
// a DeviceInfo from a single transport.DeviceDescriptor.
func BuildInfo(lib transport.Library, d transport.DeviceDescriptor, depth int, log *portlog.Logger) DeviceInfo {
	kind := Classify(d)

	var path DevicePath
	path.Bus = d.Bus
	path.Depth = uint8(depth)
	if len(d.PortNumbers) == 0 {
		path.Path[0] = 0
	} else {
		copy(path.Path[:], d.PortNumbers)
	}

	maxChild := 0
	if kind == ExtHub {
		mc, err := lib.HubMaxChildren(d)
		if err != nil {
			log.Debug("topology: hub descriptor lookup failed for bus=%d addr=%d: %s", d.Bus, d.Address, err)
		} else {
			maxChild = mc
		}
	}

	return DeviceInfo{
		Path:         path,
		Speed:        d.Speed,
		Vendor:       d.Vendor,
		Product:      d.Product,
		BcdUSB:       d.BcdUSB,
		Kind:         kind,
		MaxChild:     maxChild,
		Manufacturer: d.Manufacturer,
		ProductName:  d.Product_,
		SerialNumber: d.Serial,
		Descriptor:   d,
	}
}
