// Package descriptor implements the port-mapper's Descriptor Patcher:
// it rewrites a configuration descriptor buffer in-flight, forcing any
// USB Attached SCSI interface to fall back to plain mass storage.
package descriptor

import "fmt"

// uasProtocol is the mass-storage subclass's bInterfaceProtocol value
// for USB Attached SCSI (UAS).
const uasProtocol = 0x62

// massStorageClass is the USB device class code for mass-storage
// interfaces, UAS included.
const massStorageClass = 0x08

const (
	descTypeConfiguration = 0x02
	descTypeInterface     = 0x04
	interfaceDescLen      = 9
)

// Patch walks the descriptor list packed into buf -- a GET_DESCRIPTOR
// (CONFIGURATION) response -- and zeroes bInterfaceProtocol on any
// interface descriptor advertising UAS, forcing the guest driver to
// fall back to plain mass storage. buf is modified in place.
//
// forceMSC widens that scan: instead of matching only UAS's protocol
// byte, it zeroes bInterfaceProtocol on every mass-storage interface
// regardless of the protocol it declares. A per-device quirk sets this
// for devices whose UAS implementation misbehaves under the fallback
// driver in ways the normal protocol check doesn't catch.
//
// Patch is idempotent: applying it twice yields the same buffer,
// since the second pass finds bInterfaceProtocol already zero.
func Patch(buf []byte, forceMSC bool) error {
	if len(buf) < 2 {
		return fmt.Errorf("descriptor: buffer too short (%d bytes)", len(buf))
	}
	if buf[1] != descTypeConfiguration {
		return fmt.Errorf("descriptor: bDescriptorType=0x%02x, want configuration", buf[1])
	}

	for i := 0; i < len(buf); {
		length := int(buf[i])
		if length == 0 {
			break // malformed: terminate the walk rather than loop forever
		}
		if isMassStorageInterface(buf, i, length, forceMSC) {
			buf[i+7] = 0
		}
		i += length
	}

	return nil
}

func isMassStorageInterface(buf []byte, i, length int, forceMSC bool) bool {
	if length != interfaceDescLen {
		return false
	}
	if i+interfaceDescLen > len(buf) {
		return false
	}
	if buf[i+1] != descTypeInterface {
		return false
	}
	if forceMSC {
		return buf[i+5] == massStorageClass
	}
	return buf[i+7] == uasProtocol
}
