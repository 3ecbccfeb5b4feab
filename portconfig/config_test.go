package portconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmexec/usbportmapper/portlog"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"), portlog.New())
	assert.Equal(t, Default().ControlTimeout, cfg.ControlTimeout)
	assert.Empty(t, cfg.Quirks)
}

func TestLoadParsesCoreAndQuirkSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portmapper.conf")
	contents := `
[core]
control_timeout_ms = 500
dispatch_poll_ms   = 2000
log_level          = error,debug

[quirk "0x0781:0x5583"]
force_msc = true
force_usb_version = 2
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg := Load(path, portlog.New())
	assert.Equal(t, 500*time.Millisecond, cfg.ControlTimeout)
	assert.Equal(t, 2*time.Second, cfg.DispatchPollInterval)
	assert.Equal(t, portlog.LevelError|portlog.LevelDebug, cfg.LogLevel)

	q := cfg.Lookup(0x0781, 0x5583)
	assert.True(t, q.ForceMSC)
	assert.Equal(t, 2, q.ForceUSBVersion)

	assert.Equal(t, Quirk{}, cfg.Lookup(0x1234, 0x5678))
}
