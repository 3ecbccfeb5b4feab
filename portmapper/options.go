package portmapper

import (
	"time"

	"github.com/vmexec/usbportmapper/dispatch"
	"github.com/vmexec/usbportmapper/portconfig"
	"github.com/vmexec/usbportmapper/portlog"
)

type options struct {
	dispatchPollInterval time.Duration
	controlSocketPath    string
	busNotify            bool
	logLevel             portlog.Level
	logger               *portlog.Logger
	config               portconfig.Config
}

func defaultOptions() options {
	return options{
		dispatchPollInterval: dispatch.PollInterval,
		logLevel:             portlog.LevelError | portlog.LevelInfo,
	}
}

// Option configures a System at construction time. The dispatch poll
// interval (1s) is exposed as a tunable Option defaulting to that
// constant; the control timeout is fixed at control.Timeout (300ms)
// and has no Option.
type Option func(*options)

// WithDispatchPollInterval overrides the Completion Dispatcher's
// handle_events_timeout cadence (default dispatch.PollInterval, 1s).
func WithDispatchPollInterval(d time.Duration) Option {
	return func(o *options) { o.dispatchPollInterval = d }
}

// WithControlSocket starts an optional ctrlsock.Server bound to path,
// exposing read-only device/endpoint status.
func WithControlSocket(path string) Option {
	return func(o *options) { o.controlSocketPath = path }
}

// WithBusNotify enables D-Bus arrival/departure broadcast via
// busnotify.Publisher. Connection failure at startup is logged and
// treated as "notifications disabled", never fatal.
func WithBusNotify() Option {
	return func(o *options) { o.busNotify = true }
}

// WithLogLevel sets the System's initial log level. New applies it
// (default LevelError|LevelInfo) to System's logger, including one
// injected with WithLogger; after that System never raises or lowers
// it on its own.
func WithLogLevel(level portlog.Level) Option {
	return func(o *options) { o.logLevel = level }
}

// WithLogger injects a pre-existing logger, so a front-end embedding
// several Systems (e.g. one per virtual host controller) can share one
// log destination instead of each System buffering independently.
func WithLogger(log *portlog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithConfig supplies the loaded per-device quirk table. System
// consults it when opening a device (ForceUSBVersion) and when
// patching its configuration descriptor (ForceMSC); callers that skip
// this option get a System with no quirks configured.
func WithConfig(cfg portconfig.Config) Option {
	return func(o *options) { o.config = cfg }
}
