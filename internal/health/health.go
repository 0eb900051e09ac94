// Package health serves the liveness and readiness probes of the assistant.
//
//   - GET /healthz answers 200 while the process can serve HTTP.
//   - GET /readyz answers 200 only when every registered [Probe] passes.
//
// Both return {"status":"ok"|"fail","checks":{"<probe>":"ok"|"fail: ..."}}.
// Probes run concurrently, each with its own deadline.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const probeTimeout = 5 * time.Second

// Probe is one named readiness check. Check returns nil when the dependency
// is usable and must honour context cancellation.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is implemented by dependencies that can be pinged, such as
// store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a probe that pings p.
func Ping(name string, p Pinger) Probe {
	return Probe{Name: name, Check: p.Ping}
}

// Executable returns a probe that passes when file resolves on PATH or is
// an executable path. Used for ffmpeg and yt-dlp.
func Executable(name, file string) Probe {
	return Probe{Name: name, Check: func(context.Context) error {
		if _, err := exec.LookPath(file); err != nil {
			return fmt.Errorf("%s not found: %w", file, err)
		}
		return nil
	}}
}

// Credentials returns a probe that fails while missing reports any entry.
func Credentials(missing func() []string) Probe {
	return Probe{Name: "credentials", Check: func(context.Context) error {
		if m := missing(); len(m) > 0 {
			return fmt.Errorf("missing %v", m)
		}
		return nil
	}}
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The probe list is fixed at
// construction.
type Handler struct {
	probes []Probe
}

// New returns a Handler evaluating probes on every /readyz request.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz runs every probe and answers 503 when any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Evaluate runs all probes concurrently.
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.probes))
		failed bool
		g      errgroup.Group
	)
	for _, p := range h.probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			err := p.Check(pctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[p.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[p.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: checks}
	if failed {
		rep.Status = "fail"
	}
	return rep
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
