package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetsync/internal/logging"
	"go.uber.org/zap"
)

// Probe is a Source that polls the backend health endpoint.
type Probe struct {
	url      string
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	online  bool
	subs    listeners
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewProbe(baseURL string, interval time.Duration, client *http.Client, logger *zap.Logger) *Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Probe{
		url:      strings.TrimRight(baseURL, "/") + "/api/health",
		client:   client,
		interval: interval,
		logger:   logging.OrNop(logger),
	}
}

// Start runs the first check synchronously, so Online is accurate when Start
// returns, then polls in the background until Stop or ctx is done.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	p.mu.Unlock()

	p.Check(ctx)
	go p.loop(ctx)
}

func (p *Probe) loop(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Stop ends polling and waits for the poll goroutine to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Check performs one probe and publishes a transition if the state changed.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()
	if changed {
		p.logger.Info("connectivity changed", zap.Bool("online", online))
		for _, fn := range p.subs.snapshot() {
			fn(online)
		}
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("health probe failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

func (p *Probe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *Probe) Subscribe(fn func(bool)) func() {
	return p.subs.add(fn)
}
