package service

import (
	"context"
	"time"

	"taskpulse/internal/metrics"
	"taskpulse/internal/model"
	"taskpulse/internal/repository"
	"taskpulse/pkg/logger"

	"go.uber.org/zap"
)

const flusherMaxRetries = 5

// Flusher sweeps pending deliveries and pushes them to recipients who have
// come back online. Rows whose recipient stays offline are left untouched
// for the next pass; rows that keep failing against an online recipient are
// retired after flusherMaxRetries attempts.
type Flusher struct {
	hub      *Hub
	pending  repository.PendingInterface
	observer metrics.HubObserver
	interval time.Duration
	batch    int
}

func NewFlusher(hub *Hub, pending repository.PendingInterface, observer metrics.HubObserver,
	interval time.Duration, batch int) *Flusher {

	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Flusher{
		hub:      hub,
		pending:  pending,
		observer: observer,
		interval: interval,
		batch:    batch,
	}
}

// Run loops until the context is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	logger.Info("pending delivery flusher started",
		zap.Duration("interval", f.interval), zap.Int("batch", f.batch))

	for {
		select {
		case <-ctx.Done():
			logger.Info("pending delivery flusher stopped")
			return
		case <-ticker.C:
			f.FlushOnce(ctx)
		}
	}
}

// FlushOnce processes one batch and reports how many rows were delivered.
func (f *Flusher) FlushOnce(ctx context.Context) int {
	rows, err := f.pending.FetchPending(ctx, f.batch)
	if err != nil {
		logger.Error("fetch pending deliveries failed", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, row := range rows {
		if !f.hub.Online(row.RecipientID) {
			continue
		}
		if f.hub.SendToUser(row.RecipientID, []byte(row.Frame)) > 0 {
			// the push lands before the status write, so a failed update
			// redelivers the row next pass. Delivery is at least once;
			// the frame carries the message id for the client to dedupe on.
			if err := f.pending.UpdateStatus(ctx, row.ID, model.StatusCompleted, row.RetryCount); err != nil {
				logger.Error("mark delivery completed failed", zap.Int64("id", row.ID), zap.Error(err))
				continue
			}
			f.observer.RecordPendingFlush()
			delivered++
			continue
		}

		// recipient looked online but the push bounced
		retry := row.RetryCount + 1
		status := model.StatusPending
		if retry >= flusherMaxRetries {
			status = model.StatusFailed
			logger.Warn("pending delivery retired after repeated failures",
				zap.Int64("id", row.ID), zap.String("recipient", row.RecipientID))
		}
		if err := f.pending.UpdateStatus(ctx, row.ID, status, retry); err != nil {
			logger.Error("update delivery retry failed", zap.Int64("id", row.ID), zap.Error(err))
		}
	}
	return delivered
}
