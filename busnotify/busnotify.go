// Package busnotify broadcasts device topology changes as D-Bus
// signals, so a hypervisor front-end or an unrelated management agent
// can observe arrivals/departures without polling ctrlsock. It is
// optional: hotplug.Watcher behaves the same whether or not a
// Publisher is attached.
package busnotify

import (
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/topology"
)

// ObjectPath and interface name this module publishes signals under.
const (
	ObjectPath = dbus.ObjectPath("/org/vmexec/PortMapper")
	Interface  = "org.vmexec.PortMapper"
)

// Publisher emits DeviceArrived/DeviceDeparted signals on a D-Bus
// connection. The zero value is not usable; construct with Connect.
type Publisher struct {
	conn *dbus.Conn
	log  *portlog.Logger
}

// Connect dials the session bus. Failure is logged and returns
// (nil, err); callers are expected to treat a nil *Publisher as
// "notifications disabled" rather than aborting startup.
func Connect(log *portlog.Logger) (*Publisher, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		log.Info("busnotify: connect: %s, notifications disabled", err)
		return nil, err
	}
	return &Publisher{conn: conn, log: log}, nil
}

// Close releases the bus connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// DeviceArrived emits org.vmexec.PortMapper.DeviceArrived(path, vid, pid).
func (p *Publisher) DeviceArrived(info topology.DeviceInfo) {
	if p == nil {
		return
	}
	p.emit("DeviceArrived", pathString(info.Path), info.Vendor, info.Product)
}

// DeviceDeparted emits org.vmexec.PortMapper.DeviceDeparted(path).
func (p *Publisher) DeviceDeparted(path topology.DevicePath) {
	if p == nil {
		return
	}
	p.emit("DeviceDeparted", pathString(path))
}

func (p *Publisher) emit(member string, args ...interface{}) {
	err := p.conn.Emit(ObjectPath, Interface+"."+member, args...)
	if err != nil {
		p.log.Debug("busnotify: emit %s: %s", member, err)
	}
}

// pathString matches ctrlsock's pathIdent encoding, so the two
// surfaces describe the same device with the same identifier.
func pathString(p topology.DevicePath) string {
	parts := make([]string, 0, int(p.Depth)+1)
	parts = append(parts, "bus"+strconv.Itoa(int(p.Bus)))
	for i := 0; i < int(p.Depth) && i < len(p.Path); i++ {
		parts = append(parts, strconv.Itoa(int(p.Path[i])))
	}
	return strings.Join(parts, "-")
}
