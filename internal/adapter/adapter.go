// Package adapter implements the External Adapter (C7): HTTP and WebSocket
// routes over the Command Surface and Registry, using Go 1.22's
// method+pattern net/http.ServeMux routing and gorilla/websocket for the
// live-state push, the way the domain-adjacent examples in this corpus
// wire an HTTP control plane onto a VFD fleet.
package adapter

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/levitree/vfdgw/internal/command"
	"github.com/levitree/vfdgw/internal/registry"
	"github.com/levitree/vfdgw/internal/vfd"
)

// broadcastInterval is the live-state push period (spec.md §4.7).
const broadcastInterval = 200 * time.Millisecond

// Adapter wires the registry and command surface onto an HTTP mux.
type Adapter struct {
	reg      *registry.Registry
	cmd      *command.Surface
	upgrader websocket.Upgrader
}

// New builds an Adapter over reg and cmd.
func New(reg *registry.Registry, cmd *command.Surface) *Adapter {
	return &Adapter{
		reg: reg,
		cmd: cmd,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the /vfds mux. Authentication, if any, is applied by
// whatever wraps this handler (out of scope, per spec.md §1).
func (a *Adapter) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /vfds/", a.handleList)
	mux.HandleFunc("GET /vfds/metrics", promhttp.Handler().ServeHTTP)
	mux.HandleFunc("GET /vfds/{id}/state", a.handleState)
	mux.HandleFunc("GET /vfds/{id}/read/{code}/{n}", a.handleRead)
	mux.HandleFunc("GET /vfds/{id}/clear_alarm", a.handleClearAlarm)
	mux.HandleFunc("POST /vfds/{id}/drive_mode", a.handleSetDriveMode)
	mux.HandleFunc("POST /vfds/{id}/frequency", a.handleSetFrequency)
	mux.HandleFunc("GET /vfds/{id}/wsstate", a.handleWSState)
	return mux
}

func (a *Adapter) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/vfds/" && r.URL.Path != "/vfds" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, a.reg.ListStateless())
}

func (a *Adapter) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := a.reg.State(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *Adapter) handleRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code := r.PathValue("code")
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n <= 0 {
		writeError(w, vfd.ErrInvalidCommand)
		return
	}
	regs, err := a.cmd.ReadRegisters(r.Context(), id, code, n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "registers": regs})
}

func (a *Adapter) handleClearAlarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.cmd.ClearAlarm(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false, "message": "Alarm cleared"})
}

type driveModeRequest struct {
	DriveMode int `json:"drive_mode"`
}

func (a *Adapter) handleSetDriveMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body driveModeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vfd.ErrInvalidCommand)
		return
	}
	if err := a.cmd.SetDriveMode(r.Context(), id, vfd.DriveMode(body.DriveMode)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false})
}

type frequencyRequest struct {
	Frequency float64 `json:"frequency"`
}

func (a *Adapter) handleSetFrequency(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body frequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vfd.ErrInvalidCommand)
		return
	}
	if err := a.cmd.SetFrequency(r.Context(), id, body.Frequency); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"error": false})
}

// handleWSState pushes a composite {id: DriveState} snapshot every 200ms
// until the client disconnects or the request context ends (server
// shutdown). Each tick serializes whatever the registry currently holds;
// there's no queueing and no per-subscriber backpressure beyond the
// websocket write's own (spec.md §4.7).
func (a *Adapter) handleWSState(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("adapter: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := make(map[string]vfd.DriveState, len(a.reg.IDs()))
			for _, id := range a.reg.IDs() {
				if st, err := a.reg.State(id); err == nil {
					snapshot[id] = st
				}
			}
			conn.SetWriteDeadline(time.Now().Add(broadcastInterval))
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the spec.md §7 error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vfd.ErrUnknownDrive), errors.Is(err, vfd.ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, vfd.ErrBusBusy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, vfd.ErrUnsupportedModel), errors.Is(err, vfd.ErrNotInitialized):
		status = http.StatusInternalServerError
	default:
		var te *vfd.TransportError
		if errors.As(err, &te) {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, map[string]any{"error": true, "message": err.Error()})
}
