package portmapper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/portconfig"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transfer"
	"github.com/vmexec/usbportmapper/transport"
)

type fakeDevice struct {
	desc    transport.DeviceDescriptor
	pending *fakePending
}

func (f *fakeDevice) Descriptor() transport.DeviceDescriptor { return f.desc }
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
	f.pending = &fakePending{}
	return f.pending, nil
}

type fakePending struct{ canceled bool }

func (p *fakePending) Cancel() { p.canceled = true }

type fakeLibrary struct {
	dev    *fakeDevice
	events chan transport.HotplugEvent
}

func (f *fakeLibrary) ListDevices() ([]transport.DeviceDescriptor, error) {
	return []transport.DeviceDescriptor{f.dev.desc}, nil
}
func (f *fakeLibrary) Open(transport.DeviceDescriptor) (transport.Device, error) { return f.dev, nil }
func (f *fakeLibrary) HubMaxChildren(transport.DeviceDescriptor) (int, error)    { return 0, nil }
func (f *fakeLibrary) Hotplug() (<-chan transport.HotplugEvent, func(), error) {
	return f.events, func() { close(f.events) }, nil
}
func (f *fakeLibrary) Completions() <-chan transport.Completion { return nil }
func (f *fakeLibrary) HandleEventsTimeout(int) error             { return nil }
func (f *fakeLibrary) Close() error                              { return nil }

func sampleDescriptor() transport.DeviceDescriptor {
	return transport.DeviceDescriptor{
		Bus: 1, Address: 2, PortNumbers: []uint8{3}, BcdUSB: 0x0200,
		Vendor: 0x1234, Product: 0x5678,
		Configs: []transport.ConfigDesc{{
			Value: 1,
			Interfaces: []transport.InterfaceDesc{{
				Number: 0,
				Options: []transport.InterfaceSetting{{
					Alternate: 0,
					Endpoints: []transport.EndpointDesc{
						{Number: 1, Direction: transport.DirOut, Type: transport.EndpointBulk, MaxPacket: 64},
					},
				}},
			}},
		}},
	}
}

func sampleInfo(desc transport.DeviceDescriptor) topology.DeviceInfo {
	var path topology.DevicePath
	path.Bus = desc.Bus
	path.Depth = 1
	path.Path[0] = desc.PortNumbers[0]
	return topology.DeviceInfo{
		Path: path, Speed: transport.SpeedHigh, Vendor: desc.Vendor, Product: desc.Product,
		BcdUSB: desc.BcdUSB, Descriptor: desc,
	}
}

func newTestSystem(t *testing.T, lib *fakeLibrary, cb Callbacks) *System {
	s, err := New(lib, cb, WithDispatchPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitRegistersDeviceForHotplugTeardown(t *testing.T) {
	desc := sampleDescriptor()
	lib := &fakeLibrary{dev: &fakeDevice{desc: desc}, events: make(chan transport.HotplugEvent, 1)}
	info := sampleInfo(desc)

	departed := make(chan topology.DevicePath, 1)
	s := newTestSystem(t, lib, Callbacks{Disconnect: func(p topology.DevicePath) { departed <- p }})

	dev, err := s.Init(info)
	require.NoError(t, err)
	require.Len(t, s.Devices(), 1)

	lib.events <- transport.HotplugEvent{Kind: transport.HotplugLeft, Desc: desc}

	select {
	case p := <-departed:
		assert.Equal(t, info.Path, p)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Disconnect")
	}

	assert.Empty(t, s.Devices())
	_ = dev
}

func TestArrivalDispatchesConnectCallback(t *testing.T) {
	desc := sampleDescriptor()
	lib := &fakeLibrary{dev: &fakeDevice{desc: desc}, events: make(chan transport.HotplugEvent, 1)}

	arrived := make(chan topology.DeviceInfo, 1)
	s := newTestSystem(t, lib, Callbacks{Connect: func(info topology.DeviceInfo) { arrived <- info }})

	lib.events <- transport.HotplugEvent{Kind: transport.HotplugArrived, Desc: desc}

	select {
	case info := <-arrived:
		assert.Equal(t, desc.Vendor, info.Vendor)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Connect")
	}
}

func TestDataSubmitsThroughEngine(t *testing.T) {
	desc := sampleDescriptor()
	lib := &fakeLibrary{dev: &fakeDevice{desc: desc}, events: make(chan transport.HotplugEvent, 1)}
	s := newTestSystem(t, lib, Callbacks{})

	dev, err := s.Init(sampleInfo(desc))
	require.NoError(t, err)
	require.NoError(t, device.SetConfig(dev, 1))

	xfer := transfer.NewXfer(0x01)
	xfer.NData = 1
	xfer.Data[0] = transfer.Block{Buf: make([]byte, 4), Blen: 4, Type: transfer.BlockFull}

	require.NoError(t, s.Data(dev, xfer, transfer.DirOut, 1))
	assert.NotNil(t, xfer.Reqs[0])
	assert.NotNil(t, lib.dev.pending)
}

func TestInitAppliesForceUSBVersionQuirk(t *testing.T) {
	desc := sampleDescriptor()
	lib := &fakeLibrary{dev: &fakeDevice{desc: desc}, events: make(chan transport.HotplugEvent, 1)}

	cfg := portconfig.Default()
	cfg.Quirks[portconfig.HWID(desc.Vendor, desc.Product)] = portconfig.Quirk{ForceUSBVersion: 3}

	s, err := New(lib, Callbacks{}, WithDispatchPollInterval(10*time.Millisecond), WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dev, err := s.Init(sampleInfo(desc))
	require.NoError(t, err)
	assert.Equal(t, 3, dev.Version)
}

func TestRequestHandlesSetAddress(t *testing.T) {
	desc := sampleDescriptor()
	lib := &fakeLibrary{dev: &fakeDevice{desc: desc}, events: make(chan transport.HotplugEvent, 1)}
	s := newTestSystem(t, lib, Callbacks{})

	dev, err := s.Init(sampleInfo(desc))
	require.NoError(t, err)

	xfer := transfer.NewXfer(0)
	xfer.Setup = transfer.Setup{BmRequestType: 0x00, BRequest: 0x05, WValue: 7}

	require.NoError(t, s.Request(dev, xfer))
	assert.Equal(t, uint16(7), dev.Address)
	assert.Equal(t, transfer.StatusNormalCompletion, xfer.Status)
}

func TestInfoRejectsWrongSize(t *testing.T) {
	desc := sampleDescriptor()
	lib := &fakeLibrary{dev: &fakeDevice{desc: desc}, events: make(chan transport.HotplugEvent, 1)}
	s := newTestSystem(t, lib, Callbacks{})

	dev, err := s.Init(sampleInfo(desc))
	require.NoError(t, err)

	var vid [2]byte
	require.NoError(t, s.Info(dev, InfoVendor, vid[:]))
	assert.Equal(t, desc.Vendor, uint16(vid[0])|uint16(vid[1])<<8)

	assert.Error(t, s.Info(dev, InfoVendor, vid[:1]))
}

func TestCancelRequestCallsPendingCancel(t *testing.T) {
	p := &fakePending{}
	r := &transfer.Request{Pending: p}

	s := &System{}
	s.CancelRequest(r)

	assert.True(t, p.canceled)
}

func TestFreeRequestClearsRegisteredSlot(t *testing.T) {
	xfer := transfer.NewXfer(0x81)
	req := &transfer.Request{Xfer: xfer, BlkHead: 2, Buffer: []byte{1, 2, 3}}
	xfer.Reqs[2] = req

	s := &System{}
	s.FreeRequest(req)

	assert.Nil(t, xfer.Reqs[2])
	assert.Nil(t, req.Buffer)
}
