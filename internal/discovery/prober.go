package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/plug-metrics/internal/kasa"
)

// maxDatagram is the largest discovery reply accepted.
const maxDatagram = 4096

// Reply is one device's answer to a probe.
type Reply struct {
	Alias   string
	Address string
}

// Prober sends a discovery probe and streams the replies.
//
// Probe returns once the probe is sent. The returned channel delivers
// replies and is closed when window elapses or ctx is done. An error means
// the probe could not be sent at all.
type Prober interface {
	Probe(ctx context.Context, window time.Duration) (<-chan Reply, error)
}

// UDPProber broadcasts the encrypted info command and parses the sysinfo
// document each plug sends back. Discovery datagrams carry no length
// prefix.
type UDPProber struct {
	target string
}

// NewUDPProber returns a prober sending to broadcastIP:port.
func NewUDPProber(broadcastIP string, port int) *UDPProber {
	return &UDPProber{target: net.JoinHostPort(broadcastIP, strconv.Itoa(port))}
}

// Probe implements Prober.
func (p *UDPProber) Probe(ctx context.Context, window time.Duration) (<-chan Reply, error) {
	dst, err := net.ResolveUDPAddr("udp4", p.target)
	if err != nil {
		return nil, fmt.Errorf("resolving broadcast address %s: %w", p.target, err)
	}

	// Go enables SO_BROADCAST on UDP sockets.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("opening discovery socket: %w", err)
	}

	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("setting discovery deadline: %w", err)
	}
	if _, err := conn.WriteToUDP(kasa.Encrypt([]byte(kasa.Info.Request())), dst); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("sending discovery probe to %s: %w", p.target, err)
	}

	out := make(chan Reply)
	go p.receive(ctx, conn, out)
	return out, nil
}

func (p *UDPProber) receive(ctx context.Context, conn *net.UDPConn, out chan<- Reply) {
	defer close(out)
	defer conn.Close() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	logger := zerolog.Ctx(ctx)
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline reached or socket closed: the window is over.
			return
		}
		id, err := kasa.ParseIdentity(kasa.Decrypt(buf[:n]))
		if err != nil {
			logger.Debug().Err(err).Str("address", addr.IP.String()).Msg("Ignoring discovery reply")
			continue
		}
		select {
		case out <- Reply{Alias: id.Alias, Address: addr.IP.String()}:
		case <-ctx.Done():
			return
		}
	}
}
