// Package health waits for a launched server to answer its readiness probe.
//
// Individual probe failures are expected while a dev server compiles and
// binds its port; they are counted, logged at debug level and otherwise
// swallowed. Only the overall timeout and external cancellation end the wait
// without success.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/devcycle/internal/metrics"
)

// ErrInvalidConfig is returned by WaitReady for unusable configurations.
var ErrInvalidConfig = errors.New("invalid health check config")

// Config is the readiness probe configuration. It is immutable per wait.
type Config struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// ProbeTimeout bounds a single GET. Defaults to Interval.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is empty", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: url %q is not absolute", ErrInvalidConfig, c.URL)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if c.ProbeTimeout < 0 {
		return fmt.Errorf("%w: probe timeout cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Status is the outcome of a wait.
type Status int

const (
	Ready Status = iota
	TimedOut
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome describes how a wait ended.
type Outcome struct {
	Status  Status
	Probes  int
	Elapsed time.Duration
	// LastErr is the most recent probe failure, kept for diagnostics only.
	LastErr error
}

// Poller issues readiness probes.
type Poller struct {
	client *http.Client
	logger *slog.Logger
}

// NewPoller returns a Poller with its own transport so idle connections can
// be released when a wait ends.
func NewPoller(logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	client := &http.Client{
		Transport: tr,
		// Only the probed URL's own status counts; a redirect is not ready.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return &Poller{client: client, logger: logger}
}

// WaitReady probes cfg.URL immediately and then every cfg.Interval until a
// 2xx answer (Ready), until cfg.Timeout elapses (TimedOut) or until ctx is
// done (Cancelled, returned together with ctx.Err()).
func (p *Poller) WaitReady(ctx context.Context, cfg Config) (Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return Outcome{}, err
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = cfg.Interval
	}
	defer p.client.CloseIdleConnections()

	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var out Outcome
	op := func() error {
		out.Probes++
		err := p.probe(wctx, cfg.URL, probeTimeout)
		metrics.IncProbe(err == nil)
		if err != nil {
			out.LastErr = err
			p.logger.Debug("readiness probe failed", "url", cfg.URL, "attempt", out.Probes, "error", err)
		}
		return err
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(cfg.Interval), wctx)
	err := backoff.Retry(op, b)
	out.Elapsed = time.Since(start)

	switch {
	case err == nil:
		out.Status = Ready
		p.logger.Info("server ready", "url", cfg.URL, "probes", out.Probes, "elapsed", out.Elapsed.String())
		return out, nil
	case ctx.Err() != nil:
		out.Status = Cancelled
		return out, ctx.Err()
	default:
		out.Status = TimedOut
		p.logger.Warn("readiness timed out", "url", cfg.URL, "probes", out.Probes, "timeout", cfg.Timeout.String(), "last_error", out.LastErr)
		return out, nil
	}
}

func (p *Poller) probe(ctx context.Context, target string, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
