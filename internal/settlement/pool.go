package settlement

import (
	"context"
	"time"

	"github.com/richardliu001/custody-ledger/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs Size independent consume loops against one queue. Loops share
// nothing but the handler; the ledger's row locks keep them consistent.
type Pool struct {
	Queue          queue.Consumer
	Handler        queue.Handler
	Size           int
	RestartBackoff time.Duration
	Log            *zap.SugaredLogger
}

// Run blocks until ctx is cancelled or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	size := p.Size
	if size < 1 {
		size = 1
	}
	for i := 0; i < size; i++ {
		id := i
		g.Go(func() error { return p.loop(ctx, id) })
	}
	return g.Wait()
}

// loop reconnects after a broker failure. A nil return from Consume without
// cancellation means the queue was closed.
func (p *Pool) loop(ctx context.Context, id int) error {
	p.Log.Infow("settlement consumer started", "worker", id)
	for {
		err := p.Queue.Consume(ctx, p.Handler)
		if ctx.Err() != nil || err == nil {
			p.Log.Infow("settlement consumer stopped", "worker", id)
			return nil
		}
		p.Log.Warnw("consumer failed, restarting", "worker", id, "backoff", p.RestartBackoff, "error", err)
		t := time.NewTimer(p.RestartBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
