package connectivity

import (
	"context"
	"sync"
	"time"

	"fleetsync/internal/logging"
	"fleetsync/internal/offline"
	"go.uber.org/zap"
)

// Drainer is the part of the offline queue the observer drives.
type Drainer interface {
	SetOnline(online bool)
	ProcessQueue(ctx context.Context) (offline.DrainResult, error)
}

// backlog is implemented by drainers that can report pending work cheaply.
type backlog interface {
	PendingCount(ctx context.Context) (int, error)
}

// Observer bridges a Source into a Drainer. Each offline to online transition
// triggers exactly one ProcessQueue call.
type Observer struct {
	source  Source
	drainer Drainer
	logger  *zap.Logger
	// OnDrain, when set, receives the outcome of every triggered drain.
	OnDrain func(offline.DrainResult, error)
	// RetryInterval, when positive, re-runs ProcessQueue at that pace while
	// online, no drain is running and work is pending. It picks up halted
	// passes and operations enqueued by other processes. Set before Start.
	RetryInterval time.Duration

	mu          sync.Mutex
	started     bool
	closed      bool
	online      bool
	inFlight    int
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	drains      sync.WaitGroup
}

func NewObserver(source Source, drainer Drainer, logger *zap.Logger) *Observer {
	return &Observer{source: source, drainer: drainer, logger: logging.OrNop(logger)}
}

// Start reads the current state synchronously, mirrors it into the drainer
// and subscribes to transitions. When the agent starts online, one drain runs
// immediately for any backlog left by a previous run.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started || o.closed {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.unsubscribe = o.source.Subscribe(o.handle)
	o.online = o.source.Online()
	o.drainer.SetOnline(o.online)
	startupDrain := o.online
	if startupDrain {
		o.beginDrain()
	}
	retry := o.RetryInterval
	if retry > 0 {
		o.drains.Add(1)
	}
	o.mu.Unlock()

	o.logger.Info("connectivity observer started", zap.Bool("online", startupDrain))
	if startupDrain {
		go o.drain()
	}
	if retry > 0 {
		go o.retryLoop(retry)
	}
}

// beginDrain accounts for a drain about to start. Callers hold o.mu.
func (o *Observer) beginDrain() {
	o.inFlight++
	o.drains.Add(1)
}

func (o *Observer) retryLoop(interval time.Duration) {
	defer o.drains.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if o.tryRetry() {
				go o.drain()
			}
		}
	}
}

// tryRetry accounts for a retry drain and reports whether to run it: only
// when online with nothing in flight and, if the drainer can tell, work pending.
func (o *Observer) tryRetry() bool {
	o.mu.Lock()
	idle := !o.closed && o.online && o.inFlight == 0
	o.mu.Unlock()
	if !idle {
		return false
	}
	if counter, ok := o.drainer.(backlog); ok {
		pending, err := counter.PendingCount(o.ctx)
		if err != nil {
			o.logger.Warn("offline queue backlog check failed", zap.Error(err))
			return false
		}
		if pending == 0 {
			return false
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.online || o.inFlight > 0 {
		return false
	}
	o.beginDrain()
	return true
}

func (o *Observer) handle(online bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	reconnected := online && !o.online
	o.online = online
	o.drainer.SetOnline(online)
	if reconnected {
		o.beginDrain()
	}
	o.mu.Unlock()

	if reconnected {
		o.logger.Info("back online; draining offline queue")
		go o.drain()
	} else if !online {
		o.logger.Info("offline; queue frozen")
	}
}

func (o *Observer) drain() {
	defer o.drains.Done()
	defer func() {
		o.mu.Lock()
		o.inFlight--
		o.mu.Unlock()
	}()
	result, err := o.drainer.ProcessQueue(o.ctx)
	switch {
	case err != nil:
		o.logger.Warn("offline queue drain failed", zap.Error(err))
	case result.Halted:
		o.logger.Info("offline queue drain halted",
			zap.Int("replayed", len(result.Replayed)),
			zap.Int("remaining", result.Remaining),
			zap.Error(result.Cause),
		)
	default:
		o.logger.Info("offline queue drained",
			zap.Int("replayed", len(result.Replayed)),
			zap.Int("failed", len(result.Failed)),
		)
	}
	if o.OnDrain != nil {
		o.OnDrain(result, err)
	}
}

// Online returns the mirrored state.
func (o *Observer) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Close unsubscribes, cancels in-flight drains and waits for them to return.
func (o *Observer) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	unsubscribe, cancel := o.unsubscribe, o.cancel
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	o.drains.Wait()
}
