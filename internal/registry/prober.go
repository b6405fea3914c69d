package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apirelay/apirelay/internal/config"
	"github.com/apirelay/apirelay/internal/observability"
)

// prober runs periodic active health checks against every endpoint.
type prober struct {
	registry *Registry
	logger   observability.Logger
	client   *http.Client

	interval  time.Duration
	timeout   time.Duration
	probePath string

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func newProber(r *Registry, cfg config.HealthConfig, logger observability.Logger) *prober {
	interval := cfg.ProbeInterval.Duration()
	if interval <= 0 {
		interval = config.DefaultProbeInterval
	}
	timeout := cfg.ProbeTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}
	probePath := cfg.ProbePath
	if probePath == "" {
		probePath = config.DefaultProbePath
	}

	return &prober{
		registry:  r,
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		interval:  interval,
		timeout:   timeout,
		probePath: probePath,
	}
}

func (p *prober) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})

	go p.run(p.stopCh, p.stoppedCh)

	p.logger.Info("health prober started",
		observability.Duration("interval", p.interval),
		observability.String("path", p.probePath),
	)
}

func (p *prober) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh := p.stopCh
	stoppedCh := p.stoppedCh
	p.mu.Unlock()

	close(stopCh)
	<-stoppedCh

	p.logger.Info("health prober stopped")
}

func (p *prober) run(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	// Probe once immediately so startup does not wait a full interval.
	p.checkAll()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkAll()
		case <-stopCh:
			return
		}
	}
}

// checkAll probes every endpoint concurrently and waits for the round
// to finish before returning.
func (p *prober) checkAll() {
	endpoints := p.registry.allEndpoints()

	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			p.probe(ep)
		}(ep)
	}
	wg.Wait()
}

// probe issues a single HTTP GET against the endpoint's health path.
// Any 2xx response counts as success.
func (p *prober) probe(ep *Endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	url := strings.TrimSuffix(ep.BaseURL, "/") + p.probePath
	start := time.Now()

	err := p.probeURL(ctx, url)
	elapsed := time.Since(start)

	GetMetrics().probeDuration.WithLabelValues(ep.Service, ep.Name).Observe(elapsed.Seconds())

	if err != nil {
		GetMetrics().probesTotal.WithLabelValues(ep.Service, ep.Name, "failure").Inc()
		p.logger.Debug("health probe failed",
			observability.String("service", ep.Service),
			observability.String("endpoint", ep.Name),
			observability.String("url", url),
			observability.Error(err),
		)
		p.registry.recordFailure(ep, err)
		return
	}

	GetMetrics().probesTotal.WithLabelValues(ep.Service, ep.Name, "success").Inc()
	p.registry.recordSuccess(ep)
}

func (p *prober) probeURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &probeStatusError{status: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct {
	status int
}

func (e *probeStatusError) Error() string {
	return fmt.Sprintf("unexpected probe status %d", e.status)
}
