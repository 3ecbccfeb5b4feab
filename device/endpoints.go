package device

import "github.com/vmexec/usbportmapper/transport"

// NumEndpoint and MaxInterface bound the per-device endpoint and
// interface tables; both comfortably exceed any real USB device.
const (
	NumEndpoint  = 16
	MaxInterface = 16
)

// Endpoint is the per-endpoint state this module tracks: direction,
// transfer type, and the packed maxpacket word.
type Endpoint struct {
	PID  transport.Direction
	Type transport.EndpointType
	Maxp uint16
}

// Table holds one device's endpoint state: the singleton control
// endpoint 0, plus N independent IN and OUT slots.
type Table struct {
	Control Endpoint
	In      [NumEndpoint]Endpoint
	Out     [NumEndpoint]Endpoint
}

// Get returns the table entry for the given direction and endpoint
// number. Control endpoint 0 is a singleton; endpoints 1..N each have
// independent IN and OUT slots.
func (t *Table) Get(dir transport.Direction, num uint8) Endpoint {
	if num == 0 {
		return t.Control
	}
	if int(num) >= NumEndpoint {
		return Endpoint{PID: dir, Type: transport.EndpointInvalid}
	}
	if dir == transport.DirIn {
		return t.In[num]
	}
	return t.Out[num]
}

// reset sets EP0 to Control and every IN/OUT slot to Invalid with its
// direction pinned.
func (t *Table) reset() {
	*t = Table{}
	t.Control = Endpoint{Type: transport.EndpointControl}
	for i := 1; i < NumEndpoint; i++ {
		t.In[i] = Endpoint{PID: transport.DirIn, Type: transport.EndpointInvalid}
		t.Out[i] = Endpoint{PID: transport.DirOut, Type: transport.EndpointInvalid}
	}
}

// update rebuilds the table from the active configuration descriptor
// and the device's currently recorded alternate settings. Interfaces
// are walked in the order the configuration descriptor lists them,
// each with its own recorded alternate setting; if two interfaces of a
// composite device expose the same endpoint number and direction, the
// later interface's descriptor wins, so such collisions are not
// correctly reflected by the table.
func (t *Table) update(cfg *transport.ConfigDesc, altSettings *[MaxInterface]uint8) error {
	if cfg == nil {
		return errNoSuchConfig
	}

	t.reset()

	for _, iface := range cfg.Interfaces {
		var alt uint8
		if int(iface.Number) < MaxInterface {
			alt = altSettings[iface.Number]
		}

		setting := pickAlt(iface, alt)
		if setting == nil {
			continue
		}

		for _, ep := range setting.Endpoints {
			if ep.Number == 0 {
				continue // EP0 is always Control, handled by reset
			}
			if int(ep.Number) >= NumEndpoint {
				continue
			}
			entry := Endpoint{PID: ep.Direction, Type: ep.Type, Maxp: ep.MaxPacket}
			if ep.Direction == transport.DirIn {
				t.In[ep.Number] = entry
			} else {
				t.Out[ep.Number] = entry
			}
		}
	}

	return nil
}

func pickAlt(iface transport.InterfaceDesc, alt uint8) *transport.InterfaceSetting {
	for i := range iface.Options {
		if iface.Options[i].Alternate == alt {
			return &iface.Options[i]
		}
	}
	if len(iface.Options) > 0 {
		return &iface.Options[0]
	}
	return nil
}
