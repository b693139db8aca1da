package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/fieldbook/internal/logging"
)

// Pinger checks whether the backend answers. remote.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	// Interval between probes. Defaults to 15s.
	Interval time.Duration
	// Timeout for a single probe. Defaults to 5s.
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// Prober periodically pings the backend and feeds the result into a Monitor.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	interval time.Duration
	timeout  time.Duration
	logger   logrus.FieldLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewProber returns a prober. Call Start to begin probing.
func NewProber(pinger Pinger, monitor *Monitor, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Prober{
		pinger:   pinger,
		monitor:  monitor,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logging.Component(cfg.Logger, "connectivity"),
	}
}

// ProbeOnce pings the backend once and updates the monitor.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	online := err == nil
	if p.monitor.SetOnline(online) {
		if online {
			p.logger.Info("backend reachable")
		} else {
			p.logger.WithError(err).Warn("backend unreachable")
		}
	}
	return online
}

// Start probes immediately and then every interval until ctx is done or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.ProbeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()
	p.wg.Wait()
}
