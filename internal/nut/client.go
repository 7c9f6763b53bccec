package nut

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	gonut "github.com/robbiet480/go.nut"
	"github.com/rs/zerolog"

	"github.com/sweeney/plug-metrics/internal/config"
)

var (
	// ErrBusy is returned when the previous read has not finished yet.
	ErrBusy = errors.New("previous NUT read still in progress")
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("NUT client closed")
)

// Client reads one UPS. It connects lazily: NewClient never dials, and
// every Read dials again if there is no live session. A failed read drops
// the session so the next Read reconnects.
type Client struct {
	cfg  config.NUTConfig
	dial Dialer

	mu   sync.Mutex
	sess Session
	// reading is set while a read is in flight. A read abandoned by its
	// context stays in flight until upsd answers or the dial fails, and
	// only that read touches sess meanwhile.
	reading bool
	closed  bool
}

// NewClient returns a Client for cfg. A nil dial uses DialUPSD.
func NewClient(cfg config.NUTConfig, dial Dialer) *Client {
	if dial == nil {
		dial = DialUPSD
	}
	return &Client{cfg: cfg, dial: dial}
}

// Name returns the configured UPS name.
func (c *Client) Name() string { return c.cfg.UPSName }

// Read fetches the UPS variables and returns them as gauge values. It
// returns when ctx is done even if upsd has not answered.
func (c *Client) Read(ctx context.Context) (map[string]float64, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.reading:
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.reading = true
	sess := c.sess
	c.mu.Unlock()

	type result struct {
		vars []Variable
		err  error
	}
	done := make(chan result, 1)
	go func() {
		vars, err := c.variables(ctx, sess)
		done <- result{vars, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "reading UPS %q", c.cfg.UPSName)
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return Compute(VarsToMap(r.vars)).AsGaugeMap(), nil
	}
}

// variables dials when sess is nil, reads, and then hands the session back:
// kept on success, closed on error or when Close ran meanwhile.
func (c *Client) variables(ctx context.Context, sess Session) ([]Variable, error) {
	var vars []Variable
	var err error
	if sess == nil {
		sess, err = c.dial(c.cfg)
		if err == nil {
			zerolog.Ctx(ctx).Info().Str("host", c.cfg.Host).Int("port", c.cfg.Port).Msg("Connected to NUT")
		}
	}
	if err == nil {
		vars, err = sess.Variables(c.cfg.UPSName)
	}

	c.mu.Lock()
	c.reading = false
	keep := err == nil && !c.closed
	if keep {
		c.sess = sess
	} else {
		c.sess = nil
	}
	c.mu.Unlock()

	if !keep && sess != nil {
		sess.Close() //nolint:errcheck
	}
	return vars, err
}

// Close disconnects from upsd. A read still in flight closes its own
// session when it finishes.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	var sess Session
	if !c.reading {
		sess, c.sess = c.sess, nil
	}
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

// upsdSession is a Session over a go.nut connection.
type upsdSession struct {
	conn gonut.Client
}

// DialUPSD connects to upsd and authenticates when a username is set.
func DialUPSD(cfg config.NUTConfig) (Session, error) {
	conn, err := gonut.Connect(cfg.Host, cfg.Port)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to NUT at %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Username != "" {
		if _, err := conn.Authenticate(cfg.Username, cfg.Password); err != nil {
			_, _ = conn.Disconnect()
			return nil, errors.Wrap(err, "authenticating with NUT")
		}
	}
	return &upsdSession{conn: conn}, nil
}

// Variables lists the named UPS's variables.
func (s *upsdSession) Variables(ups string) ([]Variable, error) {
	list, err := s.conn.GetUPSList()
	if err != nil {
		return nil, errors.Wrap(err, "listing UPS")
	}

	for i := range list {
		if list[i].Name != ups {
			continue
		}
		nutVars, err := list[i].GetVariables()
		if err != nil {
			return nil, errors.Wrapf(err, "getting variables for %q", ups)
		}
		vars := make([]Variable, len(nutVars))
		for j, v := range nutVars {
			vars[j] = Variable{Name: v.Name, Value: fmt.Sprintf("%v", v.Value)}
		}
		return vars, nil
	}
	return nil, errors.Newf("UPS %q not found in upsd", ups)
}

// Close logs out of upsd.
func (s *upsdSession) Close() error {
	_, err := s.conn.Disconnect()
	return err
}
