package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/katanemo/archgw/gateway/prompt"
	"github.com/katanemo/archgw/host"
)

// BootstrapRunner drives the prompt-gateway filter context: it delivers the
// periodic tick and the embedding callout responses, serialized so the filter
// stays effectively single-threaded.
type BootstrapRunner struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	results    chan host.CalloutResponse

	mu     sync.Mutex
	period time.Duration

	filter *prompt.FilterContext
}

// NewBootstrapRunner wires a runner; the filter is attached afterwards
// because its constructor needs the runner as its host.
func NewBootstrapRunner(dispatcher *Dispatcher, logger *zap.Logger) *BootstrapRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BootstrapRunner{
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "bootstrap")),
		results:    make(chan host.CalloutResponse, 64),
	}
}

// Attach binds the filter context this runner drives.
func (b *BootstrapRunner) Attach(filter *prompt.FilterContext) { b.filter = filter }

// DispatchHTTPCall implements host.Dispatcher for the filter context.
func (b *BootstrapRunner) DispatchHTTPCall(args host.CallArgs) (uint64, error) {
	return b.dispatcher.Dispatch(args, b.results)
}

// SetTickPeriod implements host.FilterHost. A zero period stops the tick.
func (b *BootstrapRunner) SetTickPeriod(period time.Duration) {
	b.mu.Lock()
	b.period = period
	b.mu.Unlock()
}

func (b *BootstrapRunner) tickPeriod() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.period
}

// Run delivers ticks and callout responses until the bootstrap completes or
// the context is cancelled.
func (b *BootstrapRunner) Run(ctx context.Context) {
	b.filter.Start()
	for {
		period := b.tickPeriod()
		if period == 0 {
			// Tick disabled: the store is published and no retries remain.
			b.drain(ctx)
			return
		}
		select {
		case <-ctx.Done():
			return
		case resp := <-b.results:
			b.filter.OnCalloutResponse(resp)
		case <-time.After(period):
			b.filter.OnTick()
		}
	}
}

// drain consumes stragglers after the tick stops so no callout goroutine
// blocks forever.
func (b *BootstrapRunner) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-b.results:
			b.filter.OnCalloutResponse(resp)
		}
	}
}

// WaitReady blocks until the embedding store is published or the context is
// cancelled.
func (b *BootstrapRunner) WaitReady(ctx context.Context) bool {
	for {
		if b.filter.Ready() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
