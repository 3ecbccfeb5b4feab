package portmapper

import (
	"encoding/binary"
	"fmt"

	"github.com/vmexec/usbportmapper/device"
)

// InfoKind enumerates the query kinds System.Info accepts.
type InfoKind int

// InfoKind values.
const (
	InfoVersion InfoKind = iota
	InfoSpeed
	InfoBus
	InfoPort
	InfoVendor
	InfoProduct
)

// Info reads one fixed-width device attribute into out. Every kind is
// fixed-width; out must be exactly that width or Info returns an error
// without writing to out.
//
// InfoSpeed never mutates dev: the transport-native speed is
// translated into out on the stack and discarded, so repeated queries
// can't drift the device's stored state.
func (s *System) Info(dev *device.Device, kind InfoKind, out []byte) error {
	switch kind {
	case InfoVersion:
		if len(out) != 1 {
			return fmt.Errorf("portmapper: info(VERSION): want 1 byte, got %d", len(out))
		}
		out[0] = byte(dev.Version)

	case InfoSpeed:
		if len(out) != 1 {
			return fmt.Errorf("portmapper: info(SPEED): want 1 byte, got %d", len(out))
		}
		out[0] = byte(dev.Info.Speed)

	case InfoBus:
		if len(out) != 1 {
			return fmt.Errorf("portmapper: info(BUS): want 1 byte, got %d", len(out))
		}
		out[0] = dev.Info.Path.Bus

	case InfoPort:
		if len(out) != 1 {
			return fmt.Errorf("portmapper: info(PORT): want 1 byte, got %d", len(out))
		}
		out[0] = dev.Info.Path.Path[0]

	case InfoVendor:
		if len(out) != 2 {
			return fmt.Errorf("portmapper: info(VID): want 2 bytes, got %d", len(out))
		}
		binary.LittleEndian.PutUint16(out, dev.Info.Vendor)

	case InfoProduct:
		if len(out) != 2 {
			return fmt.Errorf("portmapper: info(PID): want 2 bytes, got %d", len(out))
		}
		binary.LittleEndian.PutUint16(out, dev.Info.Product)

	default:
		return fmt.Errorf("portmapper: unknown info kind %d", kind)
	}

	return nil
}
