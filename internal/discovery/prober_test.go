package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sweeney/plug-metrics/internal/kasa"
)

// startFakePlugs listens on loopback and answers every probe with one
// encrypted reply per body.
func startFakePlugs(t *testing.T, bodies ...string) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck

	go func() {
		buf := make([]byte, 1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(kasa.Decrypt(buf[:n])) != kasa.Info.Request() {
				continue
			}
			for _, b := range bodies {
				conn.WriteToUDP(kasa.Encrypt([]byte(b)), from) //nolint:errcheck
			}
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func drain(ch <-chan Reply) []Reply {
	var out []Reply
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestUDPProber_CollectsReplies(t *testing.T) {
	addr := startFakePlugs(t,
		`{"system":{"get_sysinfo":{"err_code":0,"alias":"plug-office"}}}`,
		`garbage`,
		`{"system":{"get_sysinfo":{"err_code":0,"alias":"plug-tv-room"}}}`,
	)
	p := NewUDPProber("127.0.0.1", addr.Port)

	ch, err := p.Probe(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	replies := drain(ch)
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2: %v", len(replies), replies)
	}
	for _, r := range replies {
		if r.Address != "127.0.0.1" {
			t.Errorf("Address = %q, want 127.0.0.1", r.Address)
		}
	}
	if replies[0].Alias != "plug-office" || replies[1].Alias != "plug-tv-room" {
		t.Errorf("aliases = %v", replies)
	}
}

// Silence is not an error: the channel just closes when the window ends.
func TestUDPProber_WindowElapses(t *testing.T) {
	addr := startFakePlugs(t)
	p := NewUDPProber("127.0.0.1", addr.Port)

	start := time.Now()
	ch, err := p.Probe(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got := drain(ch); len(got) != 0 {
		t.Errorf("got replies %v, want none", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("window took %v", elapsed)
	}
}

func TestUDPProber_CancelClosesChannel(t *testing.T) {
	addr := startFakePlugs(t)
	p := NewUDPProber("127.0.0.1", addr.Port)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Probe(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	cancel()

	select {
	case <-func() chan struct{} {
		done := make(chan struct{})
		go func() { drain(ch); close(done) }()
		return done
	}():
	case <-time.After(2 * time.Second):
		t.Fatal("reply channel not closed after cancel")
	}
}

func TestUDPProber_BadAddress(t *testing.T) {
	p := NewUDPProber("127.0.0.1", 70000)
	if _, err := p.Probe(context.Background(), time.Millisecond); err == nil {
		t.Fatal("expected error for an out-of-range port")
	}
}
