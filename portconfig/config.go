// Package portconfig loads the port-mapper's small, optional
// configuration file: the core timing knobs and a per-device quirk
// table keyed by USB vendor:product ID.
package portconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/vmexec/usbportmapper/portlog"
)

// Quirk overrides default behavior for one VID:PID device.
type Quirk struct {
	// ForceMSC skips the Descriptor Patcher's UAS scan and always
	// forces the mass-storage fallback for this device.
	ForceMSC bool

	// ForceUSBVersion overrides the version device.Init derives from
	// bcdUSB. Zero means "no override".
	ForceUSBVersion int
}

// Config is the port-mapper's loaded configuration.
type Config struct {
	ControlTimeout      time.Duration
	DispatchPollInterval time.Duration
	LogLevel            portlog.Level

	// Quirks is keyed by "0xVVVV:0xPPPP", lowercase hex.
	Quirks map[string]Quirk
}

// Default returns the zero-configuration defaults (300ms control
// timeout, 1s dispatch poll).
func Default() Config {
	return Config{
		ControlTimeout:       300 * time.Millisecond,
		DispatchPollInterval: time.Second,
		LogLevel:             portlog.LevelError | portlog.LevelInfo,
		Quirks:               map[string]Quirk{},
	}
}

// HWID formats a vendor/product pair the way Quirks is keyed.
func HWID(vendor, product uint16) string {
	return fmt.Sprintf("0x%04x:0x%04x", vendor, product)
}

// Lookup returns the quirk for (vendor, product), or the zero Quirk
// if none is configured.
func (c Config) Lookup(vendor, product uint16) Quirk {
	return c.Quirks[HWID(vendor, product)]
}

// Load reads path as an INI file. A missing or malformed file is not
// an error: Load logs a warning and returns Default().
func Load(path string, log *portlog.Logger) Config {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		log.Info("portconfig: %s: %s, using defaults", path, err)
		return cfg
	}

	if core := f.Section("core"); core != nil {
		if v, err := core.Key("control_timeout_ms").Int(); err == nil && v > 0 {
			cfg.ControlTimeout = time.Duration(v) * time.Millisecond
		}
		if v, err := core.Key("dispatch_poll_ms").Int(); err == nil && v > 0 {
			cfg.DispatchPollInterval = time.Duration(v) * time.Millisecond
		}
		if raw := core.Key("log_level").String(); raw != "" {
			cfg.LogLevel = parseLogLevel(raw)
		}
	}

	for _, sec := range f.Sections() {
		const prefix = `quirk "`
		if !strings.HasPrefix(sec.Name(), prefix) || !strings.HasSuffix(sec.Name(), `"`) {
			continue
		}
		hwid := strings.ToLower(sec.Name()[len(prefix) : len(sec.Name())-1])

		var q Quirk
		q.ForceMSC, _ = strconv.ParseBool(sec.Key("force_msc").String())
		if v, err := sec.Key("force_usb_version").Int(); err == nil {
			q.ForceUSBVersion = v
		}
		cfg.Quirks[hwid] = q
	}

	return cfg
}

func parseLogLevel(raw string) portlog.Level {
	var level portlog.Level
	for _, name := range strings.Split(raw, ",") {
		switch strings.TrimSpace(name) {
		case "error":
			level |= portlog.LevelError
		case "info":
			level |= portlog.LevelInfo
		case "debug":
			level |= portlog.LevelDebug
		case "trace":
			level |= portlog.LevelTrace
		}
	}
	return level
}
