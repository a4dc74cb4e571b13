package poller_test

import (
	"context"
	"testing"
	"time"

	"github.com/levitree/vfdgw/internal/bus"
	"github.com/levitree/vfdgw/internal/codec"
	"github.com/levitree/vfdgw/internal/poller"
	"github.com/levitree/vfdgw/internal/registry"
	"github.com/levitree/vfdgw/internal/transport"
	"github.com/levitree/vfdgw/internal/vfd"
)

func setup(t *testing.T) (*registry.Registry, *bus.Arbiter, *transport.FakeConn) {
	t.Helper()
	conn := transport.NewFakeConn()
	arb := bus.New(func() (transport.Conn, error) { return conn, nil })
	if err := arb.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	reg := registry.New([]vfd.Drive{
		{ID: "vfd1", DisplayName: "VFD1", SlaveID: 1, Model: vfd.ModelFrenic},
	})
	return reg, arb, conn
}

func seedM05Block(t *testing.T, conn *transport.FakeConn, slaveID byte, r [10]uint16) {
	t.Helper()
	m05, err := codec.EncodeAddress("M05")
	if err != nil {
		t.Fatalf("EncodeAddress(M05): %v", err)
	}
	for i, v := range r {
		conn.Set(slaveID, m05+uint16(i), v)
	}
}

func seedF03(t *testing.T, conn *transport.FakeConn, slaveID byte, v uint16) {
	t.Helper()
	f03, err := codec.EncodeAddress("F03")
	if err != nil {
		t.Fatalf("EncodeAddress(F03): %v", err)
	}
	conn.Set(slaveID, f03, v)
}

func TestRefreshDecodesM05Block(t *testing.T) {
	reg, arb, conn := setup(t)
	seedM05Block(t, conn, 1, [10]uint16{5000, 0, 0, 0, 4997, 123, 456, 1200, 0b01, 0b10})
	seedF03(t, conn, 1, 221)

	p := poller.New(reg, arb)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// Drive one cycle manually via the internal refresh path by running
	// Run briefly and canceling; simplest is to invoke Run and let the
	// first cycle land within the timeout window.
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-ctx.Done()
	<-done

	st, err := reg.State("vfd1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.TgtFrequency != 50.0 {
		t.Errorf("TgtFrequency = %v, want 50.0", st.TgtFrequency)
	}
	if st.CurFrequency != 49.97 {
		t.Errorf("CurFrequency = %v, want 49.97", st.CurFrequency)
	}
	if st.InputPower != 1.23 {
		t.Errorf("InputPower = %v, want 1.23", st.InputPower)
	}
	if st.OutputCurrent != 4.56 {
		t.Errorf("OutputCurrent = %v, want 4.56", st.OutputCurrent)
	}
	if st.OutputVoltage != 120.0 {
		t.Errorf("OutputVoltage = %v, want 120.0", st.OutputVoltage)
	}
	if st.TgtDriveMode != vfd.ModeForward {
		t.Errorf("TgtDriveMode = %v, want FORWARD", st.TgtDriveMode)
	}
	if st.CurDriveMode != vfd.ModeReverse {
		t.Errorf("CurDriveMode = %v, want REVERSE", st.CurDriveMode)
	}
	if st.MaxFrequency != 22 {
		t.Errorf("MaxFrequency = %v, want 22", st.MaxFrequency)
	}
}

func TestRecoveryReinitializeAndOffline(t *testing.T) {
	reg, _, conn := setup(t)
	conn.FailReadsFor(1, errBoom)

	initCount := 0
	countingArb := bus.New(func() (transport.Conn, error) {
		initCount++
		return conn, nil
	})
	if err := countingArb.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	initCount = 0 // only count reinitializations triggered by recovery

	p := poller.New(reg, countingArb)
	ctx := context.Background()

	// refreshOne is internal, so run the real loop long enough for more
	// than 10 failed cycles: each cycle is 200ms + 100ms, so 3.6s yields
	// failures at about 200ms, 500ms, ..., 3500ms (roughly 12). We assert
	// the end state after letting Run iterate that long.
	runCtx, cancel := context.WithTimeout(ctx, 3600*time.Millisecond)
	defer cancel()
	_ = p.Run(runCtx)

	st, err := reg.State("vfd1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if reg.PollFailures("vfd1") < 5 {
		t.Fatalf("PollFailures = %d, want at least 5 after repeated failures", reg.PollFailures("vfd1"))
	}
	// Edge-triggered recovery (spec.md §8 scenario 6): Initialize must fire
	// exactly once, on the 6th consecutive failure, not on every failure
	// past the threshold.
	if initCount != 1 {
		t.Errorf("bus Initialize calls = %d, want exactly 1 (edge-triggered recovery)", initCount)
	}
	if reg.PollFailures("vfd1") > 10 && st.CurDriveMode != vfd.ModeOffline {
		t.Errorf("CurDriveMode = %v, want OFFLINE after >10 failures", st.CurDriveMode)
	}
}

var errBoom = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
