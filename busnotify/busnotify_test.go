package busnotify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vmexec/usbportmapper/topology"
)

func TestPathStringMatchesCtrlsockEncoding(t *testing.T) {
	p := topology.DevicePath{Bus: 1, Depth: 2, Path: [topology.MaxTiers]uint8{2, 3}}
	assert.Equal(t, "bus1-2-3", pathString(p))
}

func TestNilPublisherIsANoop(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.DeviceArrived(topology.DeviceInfo{})
		p.DeviceDeparted(topology.DevicePath{})
		_ = p.Close()
	})
}
