// Package dispatch implements the port-mapper's Completion Dispatcher:
// a single background goroutine that drives the transport library's
// event loop and hands every completion to the Data Transfer Engine.
package dispatch

import (
	"sync"
	"time"

	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/transfer"
	"github.com/vmexec/usbportmapper/transport"
)

// PollInterval is the default handle_events_timeout cadence.
const PollInterval = 1 * time.Second

// RetryBackoff is how long the Dispatcher waits after
// HandleEventsTimeout reports an error before calling it again.
const RetryBackoff = 1 * time.Second

// Dispatcher drives lib's event loop on its own goroutine and routes
// every transport.Completion to engine.
type Dispatcher struct {
	lib    transport.Library
	engine *transfer.Engine
	log    *portlog.Logger

	pollInterval time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New constructs a Dispatcher. It does not start until Start is called.
func New(lib transport.Library, engine *transfer.Engine, log *portlog.Logger) *Dispatcher {
	return &Dispatcher{
		lib:          lib,
		engine:       engine,
		log:          log,
		pollInterval: PollInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SetPollInterval overrides the default poll interval. Must be called
// before Start; it has no effect afterwards. Used by
// portmapper.Option(WithDispatchPollInterval) to let an embedding
// front-end tune the handle_events_timeout cadence.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

// Start launches the background goroutine. Its lifetime is bounded by
// Stop, which joins it at shutdown.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop signals the goroutine to exit and waits for it to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	completions := d.lib.Completions()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return

		case c, ok := <-completions:
			if !ok {
				return
			}
			d.handle(c)

		case <-ticker.C:
			if err := d.lib.HandleEventsTimeout(int(d.pollInterval / time.Millisecond)); err != nil {
				d.log.Error("dispatch: handle_events_timeout: %s", err)
				ticker.Reset(RetryBackoff)
			} else {
				ticker.Reset(d.pollInterval)
			}
		}
	}
}

func (d *Dispatcher) handle(c transport.Completion) {
	req, ok := c.UserData.(*transfer.Request)
	if !ok || req == nil {
		d.log.Error("dispatch: completion with unrecognized user data, dropping")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch: recovered panic in completion callback: %v", r)
		}
	}()

	d.engine.Complete(req, c)
}
