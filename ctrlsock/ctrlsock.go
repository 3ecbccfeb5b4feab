// Package ctrlsock implements the port-mapper's optional status and
// control surface: a net/http server running on top of a Unix domain
// socket, used to observe per-device status from outside the process.
package ctrlsock

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/vmexec/usbportmapper/device"
	"github.com/vmexec/usbportmapper/portlog"
	"github.com/vmexec/usbportmapper/topology"
	"github.com/vmexec/usbportmapper/transport"
)

// Source is implemented by portmapper.System: it lists every
// currently attached Device for status reporting.
type Source interface {
	Devices() []*device.Device
}

// Server is the status/control HTTP server.
type Server struct {
	path   string
	src    Source
	log    *portlog.Logger
	http   *http.Server
	listener net.Listener
}

// New constructs a Server bound to the Unix domain socket at path.
// It is not listening until Start is called.
func New(path string, src Source, logger *portlog.Logger) *Server {
	s := &Server{path: path, src: src, log: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/devices/", s.handleDeviceSub)

	s.http = &http.Server{
		Handler:  mux,
		ErrorLog: log.New(errWriter{logger}, "", 0),
	}
	return s
}

// Start removes any stale socket file, binds, and begins serving in
// the background.
func (s *Server) Start() error {
	os.Remove(s.path)

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ctrlsock: listen %s: %w", s.path, err)
	}
	os.Chmod(s.path, 0o777)
	s.listener = l

	s.log.Debug("ctrlsock: listening at %q", s.path)
	go s.http.Serve(l)
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.log.Debug("ctrlsock: shutdown")
	s.http.Close()
}

type errWriter struct{ log *portlog.Logger }

func (w errWriter) Write(p []byte) (int, error) {
	w.log.Error("ctrlsock: %s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type deviceStatus struct {
	Path          string `json:"path"`
	Vid           uint16 `json:"vid"`
	Pid           uint16 `json:"pid"`
	Version       int    `json:"version"`
	Speed         string `json:"speed"`
	Configuration uint8  `json:"configuration"`
	Manufacturer  string `json:"manufacturer"`
	Product       string `json:"product"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	defer recoverPanic(s.log)

	if r.Method != http.MethodGet {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	devs := s.src.Devices()
	out := make([]deviceStatus, 0, len(devs))
	for _, d := range devs {
		out = append(out, deviceStatus{
			Path:          pathIdent(d.Info.Path),
			Vid:           d.Info.Vendor,
			Pid:           d.Info.Product,
			Version:       d.Version,
			Speed:         d.Info.Speed.String(),
			Configuration: d.Configuration,
			Manufacturer:  d.Info.Manufacturer,
			Product:       d.Info.ProductName,
		})
	}
	writeJSON(w, out)
}

type endpointStatus struct {
	Number uint8  `json:"number"`
	PID    string `json:"pid"`
	Type   string `json:"type"`
	Maxp   uint16 `json:"maxp"`
}

func (s *Server) handleDeviceSub(w http.ResponseWriter, r *http.Request) {
	defer recoverPanic(s.log)

	if r.Method != http.MethodGet {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/devices/")
	ident, ok := strings.CutSuffix(rest, "/endpoints")
	if !ok || ident == "" {
		http.NotFound(w, r)
		return
	}

	for _, d := range s.src.Devices() {
		if pathIdent(d.Info.Path) != ident {
			continue
		}
		out := make([]endpointStatus, 0, device.NumEndpoint*2)
		out = append(out, endpointStatus{Number: 0, PID: "control", Type: "control", Maxp: d.EndpointFor(transport.DirIn, 0).Maxp})
		for n := uint8(1); n < device.NumEndpoint; n++ {
			if ep := d.EndpointFor(transport.DirIn, n); ep.Type != transport.EndpointInvalid {
				out = append(out, endpointStatus{Number: n, PID: "in", Type: ep.Type.String(), Maxp: ep.Maxp})
			}
			if ep := d.EndpointFor(transport.DirOut, n); ep.Type != transport.EndpointInvalid {
				out = append(out, endpointStatus{Number: n, PID: "out", Type: ep.Type.String(), Maxp: ep.Maxp})
			}
		}
		writeJSON(w, out)
		return
	}
	http.NotFound(w, r)
}

func pathIdent(p topology.DevicePath) string {
	parts := make([]string, 0, int(p.Depth)+1)
	parts = append(parts, "bus"+strconv.Itoa(int(p.Bus)))
	for i := 0; i < int(p.Depth) && i < len(p.Path); i++ {
		parts = append(parts, strconv.Itoa(int(p.Path[i])))
	}
	return strings.Join(parts, "-")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.Encode(v)
}

func recoverPanic(logger *portlog.Logger) {
	if v := recover(); v != nil {
		logger.Error("ctrlsock: recovered panic: %v", v)
	}
}
