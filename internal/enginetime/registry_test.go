package enginetime

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	return NewRegistry(clk.now), clk
}

var remoteID = []byte{0x80, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04}

func TestEmptyEngineIDConvention(t *testing.T) {
	r, _ := newTestRegistry()
	boots, et, err := r.Get(nil, true)
	if err != nil || boots != 0 || et != 0 {
		t.Fatalf("Get(empty) = %d, %d, %v", boots, et, err)
	}
	if err := r.Set(nil, 5, 5, true); err != nil {
		t.Fatalf("Set(empty): %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Set(empty) created a record")
	}
	if !r.Known(nil) {
		t.Fatal("empty engine ID should be known")
	}
}

func TestUnknownEngine(t *testing.T) {
	r, _ := newTestRegistry()
	if _, _, err := r.Get(remoteID, false); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
	if r.Known(remoteID) {
		t.Fatal("engine should not be known")
	}
}

func TestProjectionMovesForward(t *testing.T) {
	r, clk := newTestRegistry()
	if err := r.Set(remoteID, 3, 1000, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	boots, et, err := r.Get(remoteID, true)
	if err != nil || boots != 3 || et != 1000 {
		t.Fatalf("Get = %d, %d, %v", boots, et, err)
	}

	clk.advance(42*time.Second + 900*time.Millisecond)
	timing, err := r.Lookup(remoteID, true)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if timing.Boots != 3 || timing.Time != 1042 || timing.LatestReceivedTime != 1000 {
		t.Fatalf("Lookup = %+v", timing)
	}
}

func TestProjectionWraps(t *testing.T) {
	tests := []struct {
		name      string
		boots     uint32
		time      uint32
		elapsed   time.Duration
		wantBoots uint32
		wantTime  uint32
	}{
		{"at limit", 1, MaxValue - 10, 10 * time.Second, 1, MaxValue},
		{"one past", 1, MaxValue - 10, 11 * time.Second, 2, 0},
		{"remainder", 7, MaxValue - 10, 30 * time.Second, 8, 19},
		{"boots saturate", MaxValue, MaxValue, 5 * time.Second, MaxValue, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, clk := newTestRegistry()
			if err := r.Set(remoteID, tc.boots, tc.time, true); err != nil {
				t.Fatalf("Set: %v", err)
			}
			clk.advance(tc.elapsed)
			boots, et, err := r.Get(remoteID, true)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if boots != tc.wantBoots || et != tc.wantTime {
				t.Fatalf("Get = %d, %d; want %d, %d", boots, et, tc.wantBoots, tc.wantTime)
			}
		})
	}
}

func TestAuthenticatedOverwriteRule(t *testing.T) {
	r, _ := newTestRegistry()

	if err := r.Set(remoteID, 1, 100, false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := r.Set(remoteID, 1, 200, false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, et, _ := r.Get(remoteID, false); et != 200 {
		t.Fatalf("unauthenticated record should accept unauthenticated update, time=%d", et)
	}
	// Unauthenticated records answer zero to authenticated lookups.
	if b, et, err := r.Get(remoteID, true); err != nil || b != 0 || et != 0 {
		t.Fatalf("Get(requireAuth) = %d, %d, %v", b, et, err)
	}

	if err := r.Set(remoteID, 4, 500, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := r.Set(remoteID, 9, 900, false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if b, et, _ := r.Get(remoteID, true); b != 4 || et != 500 {
		t.Fatalf("unauthenticated update overwrote authenticated record: %d, %d", b, et)
	}

	if err := r.Set(remoteID, 5, 10, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if b, et, _ := r.Get(remoteID, true); b != 5 || et != 10 {
		t.Fatalf("authenticated update ignored: %d, %d", b, et)
	}
	if !r.Authenticated(remoteID) {
		t.Fatal("record should be authenticated")
	}
}

func TestSetRejectsOutOfRange(t *testing.T) {
	r, _ := newTestRegistry()
	if err := r.Set(remoteID, MaxValue+1, 0, true); err == nil {
		t.Fatal("expected range error")
	}
}

func TestFreeAndClear(t *testing.T) {
	r, _ := newTestRegistry()
	other := []byte{0xff, 0xff, 0xff, 0xff}
	_ = r.Set(remoteID, 1, 1, true)
	_ = r.Set(other, 1, 1, false)

	r.Free(remoteID)
	if r.Known(remoteID) || !r.Known(other) {
		t.Fatal("Free removed the wrong record")
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Clear left %d records", r.Len())
	}
}
