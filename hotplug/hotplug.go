// Package hotplug implements the port-mapper's Hotplug Watcher: it
// subscribes to arrival/departure events from the transport library
// and dispatches them to the front-end's connect/disconnect callbacks.
package hotplug

import (
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transport"
)

// Callbacks are the front-end hooks invoked on arrival/departure.
type Callbacks struct {
	Connect    func(info topology.DeviceInfo)
	Disconnect func(path topology.DevicePath)
}

// Watcher drains a transport.Library's hotplug event stream on its
// own goroutine for the lifetime of the System that owns it.
type Watcher struct {
	lib transport.Library
	cb  Callbacks
	log *portlog.Logger

	unregister func()
	done       chan struct{}
}

// Start registers with lib's hotplug stream and begins dispatching.
func Start(lib transport.Library, cb Callbacks, log *portlog.Logger) (*Watcher, error) {
	events, unregister, err := lib.Hotplug()
	if err != nil {
		log.Error("hotplug: register: %s", err)
		return nil, err
	}

	w := &Watcher{lib: lib, cb: cb, log: log, unregister: unregister, done: make(chan struct{})}
	go w.run(events)
	return w, nil
}

// Stop deregisters from the transport library and waits for the
// dispatch goroutine to exit.
func (w *Watcher) Stop() {
	if w.unregister != nil {
		w.unregister()
	}
	<-w.done
}

func (w *Watcher) run(events <-chan transport.HotplugEvent) {
	defer close(w.done)

	for ev := range events {
		switch ev.Kind {
		case transport.HotplugArrived:
			w.handleArrival(ev.Desc)
		case transport.HotplugLeft:
			w.handleDeparture(ev.Desc)
		}
	}
}

func (w *Watcher) handleArrival(desc transport.DeviceDescriptor) {
	info, ok := buildInfo(w.lib, desc, w.log)
	if !ok {
		// info construction failure is silently dropped.
		return
	}
	if w.cb.Connect != nil {
		w.cb.Connect(info)
	}
}

func (w *Watcher) handleDeparture(desc transport.DeviceDescriptor) {
	info, ok := buildInfo(w.lib, desc, w.log)
	if !ok {
		return
	}
	if w.cb.Disconnect != nil {
		w.cb.Disconnect(info.Path)
	}
}

// buildInfo classifies a single hotplug event's descriptor the same
// way topology.Scan classifies a full enumeration, via the shared
// topology.BuildInfo helper.
func buildInfo(lib transport.Library, desc transport.DeviceDescriptor, log *portlog.Logger) (topology.DeviceInfo, bool) {
	depth := len(desc.PortNumbers)
	if depth == 0 {
		depth = 1
	}
	if depth > topology.MaxTiers {
		log.Error("hotplug: dropping bus=%d addr=%d: depth %d exceeds MaxTiers=%d",
			desc.Bus, desc.Address, depth, topology.MaxTiers)
		return topology.DeviceInfo{}, false
	}
	return topology.BuildInfo(lib, desc, depth, log), true
}
