package hotplug

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transport"
)

type fakeDevice struct{}

func (f *fakeDevice) Descriptor() transport.DeviceDescriptor { return transport.DeviceDescriptor{} }
func (f *fakeDevice) DetachKernelDrivers() error              { return nil }
func (f *fakeDevice) ReattachKernelDrivers() error            { return nil }
func (f *fakeDevice) SetConfiguration(uint8) error            { return nil }
func (f *fakeDevice) ClaimInterface(uint8) error              { return nil }
func (f *fakeDevice) ReleaseInterface(uint8) error            { return nil }
func (f *fakeDevice) SetAlternate(uint8, uint8) error         { return nil }
func (f *fakeDevice) Reset() error                            { return nil }
func (f *fakeDevice) Close() error                            { return nil }
func (f *fakeDevice) ControlTransfer(context.Context, uint8, uint8, uint16, uint16, []byte) (int, error) {
	return 0, nil
}
func (f *fakeDevice) ClearHalt(uint8) error { return nil }
func (f *fakeDevice) Submit(*transport.TransferRequest) (transport.Pending, error) {
	return nil, nil
}

type fakeLibrary struct {
	events  chan transport.HotplugEvent
	hubKids map[[2]uint8]int
	unreg   int
}

func (f *fakeLibrary) ListDevices() ([]transport.DeviceDescriptor, error) { return nil, nil }
func (f *fakeLibrary) Open(transport.DeviceDescriptor) (transport.Device, error) {
	return &fakeDevice{}, nil
}
func (f *fakeLibrary) HubMaxChildren(d transport.DeviceDescriptor) (int, error) {
	return f.hubKids[[2]uint8{d.Bus, d.Address}], nil
}
func (f *fakeLibrary) Hotplug() (<-chan transport.HotplugEvent, func(), error) {
	return f.events, func() { f.unreg++ }, nil
}
func (f *fakeLibrary) Completions() <-chan transport.Completion { return nil }
func (f *fakeLibrary) HandleEventsTimeout(int) error             { return nil }
func (f *fakeLibrary) Close() error                              { return nil }

func TestWatcherDispatchesArrivalAndDeparture(t *testing.T) {
	lib := &fakeLibrary{
		events:  make(chan transport.HotplugEvent, 4),
		hubKids: map[[2]uint8]int{{1, 2}: 4},
	}

	arrived := make(chan topology.DeviceInfo, 1)
	departed := make(chan topology.DevicePath, 1)
	cb := Callbacks{
		Connect:    func(info topology.DeviceInfo) { arrived <- info },
		Disconnect: func(path topology.DevicePath) { departed <- path },
	}

	w, err := Start(lib, cb, portlog.New())
	require.NoError(t, err)

	hubDesc := transport.DeviceDescriptor{Bus: 1, Address: 2, PortNumbers: []uint8{1}, Class: 0x09}
	lib.events <- transport.HotplugEvent{Kind: transport.HotplugArrived, Desc: hubDesc}

	select {
	case info := <-arrived:
		assert.Equal(t, topology.ExtHub, info.Kind)
		assert.Equal(t, 4, info.MaxChild)
		assert.Equal(t, uint8(1), info.Path.Bus)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Connect callback")
	}

	subDesc := transport.DeviceDescriptor{Bus: 1, Address: 3, PortNumbers: []uint8{1, 2}}
	lib.events <- transport.HotplugEvent{Kind: transport.HotplugLeft, Desc: subDesc}

	select {
	case path := <-departed:
		assert.Equal(t, topology.ExtHubSubDev, topology.Classify(subDesc))
		assert.Equal(t, uint8(2), path.Depth)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Disconnect callback")
	}

	close(lib.events)
	w.Stop()
	assert.Equal(t, 1, lib.unreg)
}

func TestWatcherDropsOversizedDepthSilently(t *testing.T) {
	lib := &fakeLibrary{events: make(chan transport.HotplugEvent, 1)}

	called := false
	cb := Callbacks{Connect: func(topology.DeviceInfo) { called = true }}

	w, err := Start(lib, cb, portlog.New())
	require.NoError(t, err)

	deep := transport.DeviceDescriptor{Bus: 1, Address: 9, PortNumbers: []uint8{1, 1, 1, 1, 1, 1, 1, 1}}
	lib.events <- transport.HotplugEvent{Kind: transport.HotplugArrived, Desc: deep}

	close(lib.events)
	w.Stop()

	assert.False(t, called)
}

func TestWatcherToleratesNilCallbacks(t *testing.T) {
	lib := &fakeLibrary{events: make(chan transport.HotplugEvent, 1)}

	w, err := Start(lib, Callbacks{}, portlog.New())
	require.NoError(t, err)

	lib.events <- transport.HotplugEvent{
		Kind: transport.HotplugArrived,
		Desc: transport.DeviceDescriptor{Bus: 1, Address: 5, PortNumbers: []uint8{1}},
	}

	close(lib.events)
	w.Stop()
}
