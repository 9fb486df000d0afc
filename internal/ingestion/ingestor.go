package ingestion

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"dex-kline-feed/internal/observability"
)

// Ingestor runs one Listener per configured network. Failures are
// isolated per network; a dead endpoint on one chain never stalls
// another chain's stream.
type Ingestor struct {
	listeners []*Listener
}

// NewIngestor creates listeners for every network config.
func NewIngestor(configs []ListenerConfig, sink TradeSink, logger zerolog.Logger, metrics *observability.Metrics) *Ingestor {
	listeners := make([]*Listener, 0, len(configs))
	for _, cfg := range configs {
		listeners = append(listeners, NewListener(cfg, sink, logger, metrics))
	}
	return &Ingestor{listeners: listeners}
}

// Run blocks until ctx is cancelled and every listener has stopped.
func (i *Ingestor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range i.listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}
	wg.Wait()
}

// Statuses reports the connection state of every network.
func (i *Ingestor) Statuses() []Status {
	out := make([]Status, 0, len(i.listeners))
	for _, l := range i.listeners {
		out = append(out, l.Status())
	}
	return out
}
