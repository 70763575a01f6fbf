package services

import (
	"context"

	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/internal/models"
	"github.com/benmeehan/hoas-hub/internal/store"
	"github.com/rs/zerolog"
)

// CommandDeliverer is the delivery path shared by live dispatch and the flusher.
type CommandDeliverer interface {
	LockDevice(deviceID string) func()
	Deliver(ctx context.Context, cmd models.Command) bool
}

// FlushReport summarizes one reconnect flush.
type FlushReport struct {
	Attempted int
	Delivered int
	Halted    bool
}

// FlushService drains a device's queued backlog when it reconnects.
type FlushService struct {
	batchSize int

	store     store.Store
	deliverer CommandDeliverer
	logger    zerolog.Logger
}

// NewFlushService initializes a new FlushService.
func NewFlushService(st store.Store, deliverer CommandDeliverer, batchSize int, logger zerolog.Logger) *FlushService {
	if batchSize <= 0 {
		batchSize = constants.DefaultFlushBatchSize
	}
	return &FlushService{
		batchSize: batchSize,
		store:     st,
		deliverer: deliverer,
		logger:    logger.With().Str("component", "flush_service").Logger(),
	}
}

// LockDevice acquires deviceID's delivery lock and returns its release func.
func (fs *FlushService) LockDevice(deviceID string) func() {
	return fs.deliverer.LockDevice(deviceID)
}

// Flush delivers deviceID's queued commands oldest first and stops at the
// first failed delivery, leaving the rest queued for the next reconnect.
func (fs *FlushService) Flush(ctx context.Context, deviceID string) FlushReport {
	unlock := fs.deliverer.LockDevice(deviceID)
	defer unlock()
	return fs.FlushLocked(ctx, deviceID)
}

// FlushLocked is Flush for callers already holding deviceID's delivery lock.
func (fs *FlushService) FlushLocked(ctx context.Context, deviceID string) FlushReport {
	var report FlushReport

	pending, err := fs.store.ListCommandsForDevice(ctx, deviceID, store.CommandQuery{
		Status:    constants.CommandStatusQueued,
		Ascending: true,
		Limit:     fs.batchSize,
	})
	if err != nil {
		fs.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to load queued commands")
		report.Halted = true
		return report
	}
	if len(pending) == 0 {
		return report
	}

	for _, cmd := range pending {
		if ctx.Err() != nil {
			report.Halted = true
			break
		}
		report.Attempted++
		if !fs.deliverer.Deliver(ctx, cmd) {
			report.Halted = true
			break
		}
		report.Delivered++
	}

	event := fs.logger.Info()
	if report.Halted {
		event = fs.logger.Warn()
	}
	event.Str("device_id", deviceID).
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Bool("halted", report.Halted).
		Msg("Queued commands flushed")
	return report
}
