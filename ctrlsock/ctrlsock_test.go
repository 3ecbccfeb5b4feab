package ctrlsock

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transport"
)

type fakeDevice struct{ desc transport.DeviceDescriptor }

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
	return nil, nil
}

type fakeLibrary struct{ dev *fakeDevice }

func (f *fakeLibrary) ListDevices() ([]transport.DeviceDescriptor, error) {
	return []transport.DeviceDescriptor{f.dev.desc}, nil
}
func (f *fakeLibrary) Open(transport.DeviceDescriptor) (transport.Device, error) { return f.dev, nil }
func (f *fakeLibrary) HubMaxChildren(transport.DeviceDescriptor) (int, error)    { return 0, nil }
func (f *fakeLibrary) Hotplug() (<-chan transport.HotplugEvent, func(), error) {
	return nil, func() {}, nil
}
func (f *fakeLibrary) Completions() <-chan transport.Completion { return nil }
func (f *fakeLibrary) HandleEventsTimeout(int) error             { return nil }
func (f *fakeLibrary) Close() error                              { return nil }

type fakeSource struct{ devs []*device.Device }

func (s *fakeSource) Devices() []*device.Device { return s.devs }

func TestServerServesDevicesAndEndpoints(t *testing.T) {
	desc := transport.DeviceDescriptor{
		Bus: 1, Address: 4, PortNumbers: []uint8{2}, BcdUSB: 0x0200, Vendor: 0x1234, Product: 0x5678,
		Configs: []transport.ConfigDesc{{
			Value: 1,
			Interfaces: []transport.InterfaceDesc{{
				Number: 0,
				Options: []transport.InterfaceSetting{{
					Alternate: 0,
					Endpoints: []transport.EndpointDesc{
						{Number: 1, Direction: transport.DirIn, Type: transport.EndpointBulk, MaxPacket: 64},
					},
				}},
			}},
		}},
	}
	lib := &fakeLibrary{dev: &fakeDevice{desc: desc}}
	info := topology.DeviceInfo{
		Path:       topology.DevicePath{Bus: 1, Depth: 1, Path: [topology.MaxTiers]uint8{2}},
		BcdUSB:     desc.BcdUSB,
		Vendor:     desc.Vendor,
		Product:    desc.Product,
		Descriptor: desc,
	}
	dev, err := device.Init(lib, info, portlog.New())
	require.NoError(t, err)
	require.NoError(t, device.SetConfig(dev, 1))

	sockPath := filepath.Join(t.TempDir(), "ctrl.sock")
	srv := New(sockPath, &fakeSource{devs: []*device.Device{dev}}, portlog.New())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", sockPath)
		},
	}}

	var devices []deviceStatus
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://unix/devices")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&devices) == nil && len(devices) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, uint16(0x1234), devices[0].Vid)
	assert.Equal(t, "bus1-2", devices[0].Path)

	resp, err := client.Get("http://unix/devices/bus1-2/endpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	var endpoints []endpointStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&endpoints))
	require.Len(t, endpoints, 2) // control + the one configured IN bulk endpoint

	resp2, err := client.Get("http://unix/devices/bogus/endpoints")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
