// Command usbportmapperdemo wires a portmapper.System against the
// real gousb transport and logs every connect/disconnect/notify
// callback to the console. It exists to exercise the public API end
// to end, the way Daedaluz-gousb/cmd/test.go exists purely to drive
// that library's surface; it contains no business logic of its own.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/portconfig"
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/portmapper"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transfer"
	"github.com/vmexec/usbportmapper/transport"
)

func main() {
	confPath := flag.String("config", "", "optional portconfig INI file")
	sockPath := flag.String("control-socket", "", "optional ctrlsock unix socket path")
	busNotify := flag.Bool("bus-notify", false, "broadcast topology changes on D-Bus")
	flag.Parse()

	log := portlog.New()
	log.BindConsole()

	cfg := portconfig.Default()
	if *confPath != "" {
		cfg = portconfig.Load(*confPath, log)
	}
	log.SetLevel(cfg.LogLevel)

	opts := []portmapper.Option{
		portmapper.WithLogger(log),
		portmapper.WithLogLevel(cfg.LogLevel),
		portmapper.WithDispatchPollInterval(cfg.DispatchPollInterval),
		portmapper.WithConfig(cfg),
	}
	if *sockPath != "" {
		opts = append(opts, portmapper.WithControlSocket(*sockPath))
	}
	if *busNotify {
		opts = append(opts, portmapper.WithBusNotify())
	}

	var sys *portmapper.System
	cb := portmapper.Callbacks{
		Connect: func(info topology.DeviceInfo) {
			log.Info("demo: device arrived %+v vid=0x%04x pid=0x%04x", info.Path, info.Vendor, info.Product)
			if _, err := sys.Init(info); err != nil {
				log.Error("demo: init failed: %s", err)
			}
		},
		Disconnect: func(path topology.DevicePath) {
			log.Info("demo: device departed %+v", path)
		},
		Notify: func(dev *device.Device, xfer *transfer.Xfer) bool {
			log.Debug("demo: transfer complete epid=0x%02x status=%s", xfer.Epid, xfer.Status)
			return false
		},
		Interrupt: func(dev *device.Device) {
			log.Debug("demo: guest interrupt requested for %+v", dev.Info.Path)
		},
	}

	var err error
	sys, err = portmapper.New(transport.NewGousbLibrary(), cb, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usbportmapperdemo:", err)
		os.Exit(1)
	}
	defer sys.Close()

	log.Info("demo: running, press Ctrl-C to exit")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}
