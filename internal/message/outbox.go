package message

import (
	"context"
	"time"

	"gigchat/internal/apperr"
	"gigchat/internal/config"

	"go.uber.org/zap"
)

// Relay re-applies derived updates for messages whose in-line attempt
// failed or was interrupted.
type Relay struct {
	ledger      *Ledger
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
	maxAttempts int
	log         *zap.Logger
}

func NewRelay(ledger *Ledger, cfg config.Outbox, log *zap.Logger) *Relay {
	return &Relay{
		ledger:      ledger,
		interval:    cfg.Interval,
		staleAfter:  cfg.StaleAfter,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		log:         log.Named("outbox"),
	}
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// Drain processes one batch of stale entries and returns how many completed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	l := r.ledger
	cutoff := l.clock.Wall().Add(-r.staleAfter)
	entries, err := l.store.PendingOutbox(ctx, cutoff, r.maxAttempts, r.batchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, e := range entries {
		m, err := l.store.Get(ctx, e.MessageID)
		if apperr.IsCode(err, apperr.CodeNotFound) {
			// Deleted before its updates landed; nothing left to apply.
			if err := l.store.CompleteOutbox(ctx, e.MessageID, l.clock.Wall()); err != nil {
				r.log.Warn("complete orphan entry", zap.String("message_id", e.MessageID), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return done, err
		}

		conv, _, err := l.applyEffects(ctx, m)
		if err != nil {
			attempt := e.Attempts + 1
			level := r.log.Warn
			if r.maxAttempts > 0 && attempt >= r.maxAttempts {
				level = r.log.Error
			}
			level("outbox retry failed",
				zap.String("message_id", e.MessageID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if ferr := l.store.FailOutbox(ctx, e.MessageID, err.Error()); ferr != nil {
				return done, ferr
			}
			continue
		}

		l.pushNew(m, conv)
		done++
	}
	if done > 0 {
		r.log.Info("outbox entries applied", zap.Int("count", done))
	}
	return done, nil
}
