package nut

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	cerrors "github.com/cockroachdb/errors"

	"github.com/sweeney/plug-metrics/internal/config"
	"github.com/sweeney/plug-metrics/internal/metrics"
)

var rackCfg = config.NUTConfig{Host: "127.0.0.1", Port: 3493, UPSName: "rack"}

// countingDialer counts dials and hands out sess, or fails while fail is set.
type countingDialer struct {
	sess  Session
	fail  atomic.Bool
	dials atomic.Int32
}

func (d *countingDialer) dial(config.NUTConfig) (Session, error) {
	d.dials.Add(1)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return d.sess, nil
}

func TestNewClient_DoesNotDial(t *testing.T) {
	d := &countingDialer{sess: &FakeSession{}}
	NewClient(rackCfg, d.dial)
	if n := d.dials.Load(); n != 0 {
		t.Errorf("NewClient dialed %d times, want 0", n)
	}
}

func TestClient_ReadComputesGauges(t *testing.T) {
	c := NewClient(rackCfg, (&FakeSession{Vars: onlineVars}).Dial())
	got, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[metrics.UPSLoadWatts] != 207 || got[metrics.UPSInputVolts] != 239 || got[metrics.UPSRuntimeSeconds] != 1800 {
		t.Errorf("Read = %v", got)
	}
}

// An unreachable upsd fails each Read, and the Read after it comes back
// reconnects without any outside help.
func TestClient_ReconnectsAfterDialFailure(t *testing.T) {
	d := &countingDialer{sess: &FakeSession{Vars: onlineVars}}
	d.fail.Store(true)
	c := NewClient(rackCfg, d.dial)

	for i := 0; i < 2; i++ {
		if _, err := c.Read(context.Background()); err == nil {
			t.Fatalf("Read %d succeeded with upsd down", i)
		}
	}
	d.fail.Store(false)
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	if n := d.dials.Load(); n != 3 {
		t.Errorf("dialed %d times, want 3", n)
	}
}

// A session that errors is closed and replaced on the next Read.
func TestClient_DropsSessionOnError(t *testing.T) {
	sess := &FakeSession{Err: errors.New("broken pipe")}
	d := &countingDialer{sess: sess}
	c := NewClient(rackCfg, d.dial)

	if _, err := c.Read(context.Background()); err == nil {
		t.Fatal("expected session error")
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.CloseCount())
	}

	sess.Err = nil
	sess.Vars = onlineVars
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("Read after error: %v", err)
	}
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dialed %d times, want 2 (one reconnect, then reuse)", n)
	}
}

// A hung upsd does not hold Read past its context, and the next Read is
// refused until the hung one finishes.
func TestClient_ReadHonoursContext(t *testing.T) {
	sess := &FakeSession{Vars: onlineVars, Block: make(chan struct{})}
	c := NewClient(rackCfg, sess.Dial())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Read(ctx)
	if !cerrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Read took %v", time.Since(start))
	}

	if _, err := c.Read(context.Background()); !cerrors.Is(err, ErrBusy) {
		t.Errorf("overlapping Read err = %v, want ErrBusy", err)
	}

	close(sess.Block)
	deadline := time.Now().Add(time.Second)
	for {
		_, err := c.Read(context.Background())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Read still failing after upsd answered: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_Close(t *testing.T) {
	sess := &FakeSession{Vars: onlineVars}
	c := NewClient(rackCfg, sess.Dial())
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.CloseCount())
	}
	if _, err := c.Read(context.Background()); !cerrors.Is(err, ErrClosed) {
		t.Errorf("Read after Close err = %v, want ErrClosed", err)
	}
}

// Closing an idle client that never connected is a no-op.
func TestClient_CloseNeverConnected(t *testing.T) {
	if err := NewClient(rackCfg, nil).Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestFakeSession_SequenceRepeatsLastElement(t *testing.T) {
	fs := &FakeSession{Sequence: [][]Variable{
		{{Name: "ups.status", Value: "OL"}},
		{{Name: "ups.status", Value: "OB DISCHRG"}},
	}}
	for i, want := range []string{"OL", "OB DISCHRG", "OB DISCHRG"} {
		vars, err := fs.Variables("rack")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if vars[0].Value != want {
			t.Errorf("call %d: ups.status = %q, want %q", i+1, vars[0].Value, want)
		}
	}
	if fs.CallCount() != 3 {
		t.Errorf("CallCount = %d, want 3", fs.CallCount())
	}
}

func TestFakeSession_ReturnsCopy(t *testing.T) {
	fs := &FakeSession{Vars: []Variable{{Name: "a", Value: "1"}}}
	vars, _ := fs.Variables("rack")
	vars[0].Value = "mutated"
	if fs.Vars[0].Value != "1" {
		t.Error("Variables should return a copy, not a reference to the underlying slice")
	}
}

func TestVarsToMap(t *testing.T) {
	m := VarsToMap([]Variable{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})
	if len(m) != 2 || m["a"] != "1" || m["b"] != "2" {
		t.Errorf("VarsToMap = %v", m)
	}
}
