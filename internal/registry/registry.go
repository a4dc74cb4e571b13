// Package registry implements the VFD Registry & State Mirror (C4): a
// fixed, keyed set of drives established once at startup, each with a
// lock-free published DriveState snapshot (spec.md I2 — readers never see a
// torn write).
package registry

import (
	"sort"
	"sync/atomic"

	"github.com/levitree/vfdgw/internal/vfd"
)

type entry struct {
	drive         vfd.Drive
	state         atomic.Pointer[vfd.DriveState]
	pollFailCount atomic.Int64
}

// Registry is the single source of truth for which drives exist and their
// most recently published state. It is built once from configuration; no
// drive is ever added or removed at runtime (spec.md §3, §9 open question).
type Registry struct {
	entries map[string]*entry
	order   []string
}

// New builds a Registry from the given drives, each starting in the
// OFFLINE mirror state until the Poller completes its first successful
// read.
func New(drives []vfd.Drive) *Registry {
	r := &Registry{entries: make(map[string]*entry, len(drives))}
	for _, d := range drives {
		e := &entry{drive: d}
		offline := vfd.OfflineState()
		e.state.Store(&offline)
		r.entries[d.ID] = e
		r.order = append(r.order, d.ID)
	}
	sort.Strings(r.order)
	return r
}

// Has reports whether id names a configured drive.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// Descriptor returns the static configuration (slave id, model, display
// name) for id.
func (r *Registry) Descriptor(id string) (vfd.Drive, error) {
	e, ok := r.entries[id]
	if !ok {
		return vfd.Drive{}, &vfd.UnknownDriveError{ID: id}
	}
	return e.drive, nil
}

// State returns the most recently published DriveState for id. The
// returned value is a snapshot; it never reflects a partially applied
// update.
func (r *Registry) State(id string) (vfd.DriveState, error) {
	e, ok := r.entries[id]
	if !ok {
		return vfd.DriveState{}, &vfd.UnknownDriveError{ID: id}
	}
	return *e.state.Load(), nil
}

// UpdateState atomically replaces id's published state. Callers (the
// Poller, and the Command Surface for optimistic target-field updates)
// build the full next DriveState and hand it over whole; Registry never
// exposes a way to mutate fields in place, which is what rules out
// torn reads (I2).
func (r *Registry) UpdateState(id string, next vfd.DriveState) error {
	e, ok := r.entries[id]
	if !ok {
		return &vfd.UnknownDriveError{ID: id}
	}
	e.state.Store(&next)
	return nil
}

// MarkOffline sets cur_drive_mode = OFFLINE on id's existing snapshot,
// used when the Poller's failure accounting (spec.md §4.5 step c) gives up
// on a drive. The rest of the snapshot (tgt_frequency, tgt_drive_mode,
// telemetry) is left as-is: I5 calls these fields stale once OFFLINE, not
// zeroed, so clients can still show the last-known values.
func (r *Registry) MarkOffline(id string) error {
	e, ok := r.entries[id]
	if !ok {
		return &vfd.UnknownDriveError{ID: id}
	}
	cur := *e.state.Load()
	cur.CurDriveMode = vfd.ModeOffline
	e.state.Store(&cur)
	return nil
}

// IncrPollFailure increments id's consecutive poll failure counter and
// returns the new count. A successful poll resets it via ResetPollFailure.
func (r *Registry) IncrPollFailure(id string) int64 {
	e, ok := r.entries[id]
	if !ok {
		return 0
	}
	return e.pollFailCount.Add(1)
}

// ResetPollFailure zeroes id's consecutive poll failure counter.
func (r *Registry) ResetPollFailure(id string) {
	if e, ok := r.entries[id]; ok {
		e.pollFailCount.Store(0)
	}
}

// PollFailures returns id's current consecutive poll failure count.
func (r *Registry) PollFailures(id string) int64 {
	if e, ok := r.entries[id]; ok {
		return e.pollFailCount.Load()
	}
	return 0
}

// IDs returns every configured drive id in stable, sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ListStateless returns the spec.md §6 GET /vfds/ listing: one
// StatelessDrive per configured drive, in stable order.
func (r *Registry) ListStateless() []vfd.StatelessDrive {
	out := make([]vfd.StatelessDrive, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, vfd.StatelessDrive{
			ID:            e.drive.ID,
			DisplayName:   e.drive.DisplayName,
			SlaveID:       e.drive.SlaveID,
			Model:         e.drive.Model,
			PollFailCount: e.pollFailCount.Load(),
		})
	}
	return out
}
