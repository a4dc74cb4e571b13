package registry_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/levitree/vfdgw/internal/registry"
	"github.com/levitree/vfdgw/internal/vfd"
)

func newTestRegistry() *registry.Registry {
	return registry.New([]vfd.Drive{
		{ID: "west", DisplayName: "West Fan", SlaveID: 1, Model: vfd.ModelFrenic},
		{ID: "east", DisplayName: "East Fan", SlaveID: 2, Model: vfd.ModelFrenic},
	})
}

func TestNewStartsOffline(t *testing.T) {
	r := newTestRegistry()
	st, err := r.State("west")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.CurDriveMode != vfd.ModeOffline || st.TgtDriveMode != vfd.ModeOffline {
		t.Fatalf("initial state = %+v, want both modes OFFLINE", st)
	}
}

func TestUnknownDriveErrors(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.State("nope"); !errors.Is(err, vfd.ErrUnknownDrive) {
		t.Fatalf("State(unknown) err = %v, want ErrUnknownDrive", err)
	}
	if _, err := r.Descriptor("nope"); !errors.Is(err, vfd.ErrUnknownDrive) {
		t.Fatalf("Descriptor(unknown) err = %v, want ErrUnknownDrive", err)
	}
	if err := r.UpdateState("nope", vfd.DriveState{}); !errors.Is(err, vfd.ErrUnknownDrive) {
		t.Fatalf("UpdateState(unknown) err = %v, want ErrUnknownDrive", err)
	}
}

func TestUpdateStatePublishesWholeSnapshot(t *testing.T) {
	r := newTestRegistry()
	next := vfd.DriveState{CurFrequency: 42.5, CurDriveMode: vfd.ModeForward, TgtDriveMode: vfd.ModeForward}
	if err := r.UpdateState("west", next); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, err := r.State("west")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got != next {
		t.Fatalf("State = %+v, want %+v", got, next)
	}
}

func TestConcurrentUpdatesNeverTear(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			freq := float64(i)
			_ = r.UpdateState("west", vfd.DriveState{
				CurFrequency: freq,
				TgtFrequency: freq,
				CurDriveMode: vfd.ModeForward,
				TgtDriveMode: vfd.ModeForward,
			})
		}(i)
	}
	wg.Wait()

	st, _ := r.State("west")
	if st.CurFrequency != st.TgtFrequency {
		t.Fatalf("torn read: cur=%v tgt=%v should always match in this test's writes", st.CurFrequency, st.TgtFrequency)
	}
}

func TestPollFailureAccounting(t *testing.T) {
	r := newTestRegistry()
	for i := 0; i < 6; i++ {
		r.IncrPollFailure("east")
	}
	if got := r.PollFailures("east"); got != 6 {
		t.Fatalf("PollFailures = %d, want 6", got)
	}
	r.ResetPollFailure("east")
	if got := r.PollFailures("east"); got != 0 {
		t.Fatalf("PollFailures after reset = %d, want 0", got)
	}
}

func TestMarkOffline(t *testing.T) {
	r := newTestRegistry()
	before := vfd.DriveState{
		CurFrequency:  49.97,
		TgtFrequency:  50.0,
		CurDriveMode:  vfd.ModeForward,
		TgtDriveMode:  vfd.ModeForward,
		OutputVoltage: 120.0,
		OutputCurrent: 4.56,
		InputPower:    1.23,
		MaxFrequency:  60,
	}
	_ = r.UpdateState("east", before)
	if err := r.MarkOffline("east"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	st, _ := r.State("east")
	if st.CurDriveMode != vfd.ModeOffline {
		t.Fatalf("CurDriveMode after MarkOffline = %v, want OFFLINE", st.CurDriveMode)
	}
	// I5: the rest of the snapshot is stale, not wiped — everything but
	// cur_drive_mode should be untouched.
	want := before
	want.CurDriveMode = vfd.ModeOffline
	if st != want {
		t.Fatalf("state after MarkOffline = %+v, want %+v (only cur_drive_mode changed)", st, want)
	}
}

func TestMarkOfflineUnknownDrive(t *testing.T) {
	r := newTestRegistry()
	if err := r.MarkOffline("ghost"); !errors.Is(err, vfd.ErrUnknownDrive) {
		t.Fatalf("MarkOffline(unknown) err = %v, want ErrUnknownDrive", err)
	}
}

func TestListStatelessStableOrder(t *testing.T) {
	r := newTestRegistry()
	list := r.ListStateless()
	if len(list) != 2 {
		t.Fatalf("ListStateless len = %d, want 2", len(list))
	}
	if list[0].ID != "east" || list[1].ID != "west" {
		t.Fatalf("ListStateless order = [%s, %s], want alphabetical [east, west]", list[0].ID, list[1].ID)
	}
}

func TestHasAndIDs(t *testing.T) {
	r := newTestRegistry()
	if !r.Has("west") || r.Has("ghost") {
		t.Fatalf("Has: west=%v ghost=%v", r.Has("west"), r.Has("ghost"))
	}
	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "east" || ids[1] != "west" {
		t.Fatalf("IDs = %v, want [east west]", ids)
	}
}
