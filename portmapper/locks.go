package portmapper

import (
	"sync"

	"github.com/vmexec/usbportmapper/device"
)

// endpointLocks is the default per-(device, epid) mutex table used
// when a front-end does not supply its own LockEndpoint/UnlockEndpoint
// callbacks: a map from (device, epid) to a mutex, held only across
// the scatter/notify critical section.
type endpointLocks struct {
	mu    sync.Mutex
	locks map[endpointKey]*sync.Mutex
}

type endpointKey struct {
	dev  *device.Device
	epid uint8
}

func newEndpointLocks() endpointLocks {
	return endpointLocks{locks: make(map[endpointKey]*sync.Mutex)}
}

func (l *endpointLocks) lock(dev *device.Device, epid uint8) {
	l.forKey(dev, epid).Lock()
}

func (l *endpointLocks) unlock(dev *device.Device, epid uint8) {
	l.forKey(dev, epid).Unlock()
}

func (l *endpointLocks) forKey(dev *device.Device, epid uint8) *sync.Mutex {
	key := endpointKey{dev: dev, epid: epid}

	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}
