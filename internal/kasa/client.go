package kasa

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/sweeney/plug-metrics/internal/config"
	"github.com/sweeney/plug-metrics/internal/metrics"
)

// Command is one of the fixed requests a plug understands.
type Command int

const (
	// Info asks for the device's self-description.
	Info Command = iota
	// CurrentData asks for the realtime energy-meter reading.
	CurrentData
)

var commandRequests = map[Command]string{
	Info:        `{"system":{"get_sysinfo":{}}}`,
	CurrentData: `{"emeter":{"get_realtime":{}}}`,
}

// Request returns the plaintext JSON body for c.
func (c Command) Request() string {
	return commandRequests[c]
}

func (c Command) String() string {
	switch c {
	case Info:
		return "info"
	case CurrentData:
		return "current_data"
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

// Identity is the subset of get_sysinfo the rest of the system cares about.
type Identity struct {
	Alias     string `json:"alias"`
	HWVersion string `json:"hw_ver"`
	MAC       string `json:"mac"`
	Model     string `json:"model"`
	SWVersion string `json:"sw_ver"`
}

// Fetcher is the plug-facing surface used by the poller and the CLI.
// Client and FakeFetcher both implement it.
type Fetcher interface {
	FetchIdentity(ctx context.Context, address string) (Identity, error)
	FetchReading(ctx context.Context, address string) (metrics.Reading, error)
}

// Client talks to plugs over TCP. Every call opens a fresh connection,
// performs one request/response round trip and closes it. Client holds no
// per-device state and is safe for concurrent use.
type Client struct {
	port        int
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

// NewClient returns a Client using the transport settings in cfg.
func NewClient(cfg config.PlugConfig) *Client {
	return &Client{
		port:        cfg.Port,
		dialTimeout: cfg.DialTimeout.Duration,
		ioTimeout:   cfg.IOTimeout.Duration,
	}
}

type sysinfoResponse struct {
	System *struct {
		Sysinfo *struct {
			ErrCode int `json:"err_code"`
			Identity
			MicMAC string `json:"mic_mac"`
		} `json:"get_sysinfo"`
	} `json:"system"`
}

// FetchIdentity sends the info command to address and extracts the
// identity fields.
func (c *Client) FetchIdentity(ctx context.Context, address string) (Identity, error) {
	body, err := c.roundTrip(ctx, address, Info)
	if err != nil {
		return Identity{}, err
	}
	id, err := ParseIdentity(body)
	if err != nil {
		return Identity{}, errors.Wrapf(err, "sysinfo from %s", address)
	}
	return id, nil
}

// ParseIdentity extracts the identity from a decrypted get_sysinfo response.
// Discovery replies carry the same document. Every failure is marked
// ErrProtocol.
func ParseIdentity(body []byte) (Identity, error) {
	var resp sysinfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Identity{}, protocolError("decoding sysinfo: %v", err)
	}
	if resp.System == nil || resp.System.Sysinfo == nil {
		return Identity{}, protocolError("missing system.get_sysinfo")
	}
	info := resp.System.Sysinfo
	if info.ErrCode != 0 {
		return Identity{}, protocolError("err_code %d", info.ErrCode)
	}
	if info.Alias == "" {
		return Identity{}, protocolError("missing alias")
	}
	id := info.Identity
	if id.MAC == "" {
		id.MAC = info.MicMAC
	}
	return id, nil
}

type realtimeResponse struct {
	Emeter *struct {
		Realtime *struct {
			ErrCode   int      `json:"err_code"`
			VoltageMV *float64 `json:"voltage_mv"`
			CurrentMA *float64 `json:"current_ma"`
			PowerMW   *float64 `json:"power_mw"`
			// Older firmware reports base units directly.
			Voltage *float64 `json:"voltage"`
			Current *float64 `json:"current"`
			Power   *float64 `json:"power"`
		} `json:"get_realtime"`
	} `json:"emeter"`
}

// FetchReading sends the current_data command to address and converts the
// result to SI units. Transport failures are returned as errors; a response
// that arrives but carries no usable telemetry yields metrics.Undefined()
// and a nil error.
func (c *Client) FetchReading(ctx context.Context, address string) (metrics.Reading, error) {
	body, err := c.roundTrip(ctx, address, CurrentData)
	if err != nil {
		return metrics.Undefined(), err
	}

	logger := zerolog.Ctx(ctx)
	var resp realtimeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		logger.Debug().Err(err).Str("address", address).Msg("Malformed realtime reading")
		return metrics.Undefined(), nil
	}
	if resp.Emeter == nil || resp.Emeter.Realtime == nil || resp.Emeter.Realtime.ErrCode != 0 {
		logger.Debug().Str("address", address).Msg("Realtime reading unavailable")
		return metrics.Undefined(), nil
	}

	rt := resp.Emeter.Realtime
	switch {
	case rt.VoltageMV != nil && rt.CurrentMA != nil && rt.PowerMW != nil:
		return metrics.Convert(metrics.RawReading{
			VoltageMV: *rt.VoltageMV,
			CurrentMA: *rt.CurrentMA,
			PowerMW:   *rt.PowerMW,
		}), nil
	case rt.Voltage != nil && rt.Current != nil && rt.Power != nil:
		return metrics.Reading{Voltage: *rt.Voltage, Current: *rt.Current, Power: *rt.Power}, nil
	}
	logger.Debug().Str("address", address).Msg("Realtime reading missing fields")
	return metrics.Undefined(), nil
}

// roundTrip performs connect → send → receive → close and returns the
// decrypted response body.
func (c *Client) roundTrip(ctx context.Context, address string, cmd Command) ([]byte, error) {
	target := c.target(address)

	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, connectionError(err, "dialing %s", target)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, connectionError(err, "setting deadline on %s", target)
	}
	// Unblock the read if ctx is cancelled mid-request.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(Encode(cmd.Request())); err != nil {
		return nil, connectionError(err, "sending %s to %s", cmd, target)
	}
	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return Decrypt(payload), nil
}

// target appends the configured port unless address already carries one.
func (c *Client) target(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(c.port))
}
