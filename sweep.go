package goIdentity

import (
	"context"
	"time"

	"github.com/MrEthical07/goIdentity/storage"
)

// StartSweeper launches the background expiry sweep: expired single-use
// tokens, dead OAuth states, and stale email-change requests are removed
// on the configured interval. Expiry checks on the request path never
// depend on the sweep; it only reclaims rows those checks would have
// rejected anyway. Safe to call once; Close stops it.
func (e *Engine) StartSweeper() {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweepStop != nil {
		return
	}

	e.sweepStop = make(chan struct{})
	e.sweepDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(e.config.Sweep.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.sweepOnce(context.Background())
			case <-stop:
				return
			}
		}
	}(e.sweepStop, e.sweepDone)
}

func (e *Engine) stopSweeper() {
	e.sweepMu.Lock()
	stop, done := e.sweepStop, e.sweepDone
	e.sweepStop, e.sweepDone = nil, nil
	e.sweepMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// sweepOnce runs a single pass. Errors are reported through the audit
// trail; the next tick retries.
func (e *Engine) sweepOnce(ctx context.Context) {
	now := e.now()
	var tokens, states, changes int64

	err := e.store.Write(ctx, func(tx storage.Tx) error {
		var err error
		if tokens, err = tx.Tokens().DeleteExpired(ctx, now); err != nil {
			return err
		}
		if states, err = tx.OAuthStates().DeleteExpired(ctx, now); err != nil {
			return err
		}
		changes, err = tx.EmailChanges().DeleteExpired(ctx, now)
		return err
	})
	if err != nil {
		e.emitAudit(ctx, "sweep", auditFields{Error: err})
		return
	}

	e.metrics.Add(MetricSweepTokensDeleted, uint64(tokens))
	e.metrics.Add(MetricSweepStatesDeleted, uint64(states+changes))
}
