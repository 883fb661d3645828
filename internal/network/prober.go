package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var errMissingProbeURL = errors.New("network: probe url is required")

// ProberConfig describes a reachability probe feeding a Monitor.
type ProberConfig struct {
	URL        string
	Interval   time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Monitor    *Monitor
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Prober stands in for a platform connectivity API: it checks reachability of the remote
// host and reports the outcome to the monitor, which only fans out actual transitions.
type Prober struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	monitor  *Monitor
	clock    func() time.Time
	logger   *zap.Logger
}

// NewProber validates the configuration and constructs a Prober.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.URL == "" {
		return nil, errMissingProbeURL
	}
	if cfg.Monitor == nil {
		return nil, errors.New("network: monitor is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		url:      cfg.URL,
		interval: interval,
		timeout:  timeout,
		client:   client,
		monitor:  cfg.Monitor,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.monitor.Report(p.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.monitor.Report(p.Probe(ctx))
		}
	}
}

// Probe performs one reachability check. Any HTTP response counts as online.
func (p *Prober) Probe(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.url, http.NoBody)
	if err != nil {
		p.logger.Warn("probe request build failed", zap.Error(err))
		return State{Online: false}
	}

	started := p.clock()
	response, err := p.client.Do(request)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", p.url), zap.Error(err))
		return State{Online: false}
	}
	io.Copy(io.Discard, response.Body) //nolint:errcheck
	response.Body.Close()

	rtt := p.clock().Sub(started)
	return State{
		Online:        true,
		RTT:           rtt,
		EffectiveType: ClassifyRTT(rtt),
	}
}
