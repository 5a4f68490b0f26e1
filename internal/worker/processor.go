package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"edge-capture-agent/internal/config"
	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/queue"
	"edge-capture-agent/internal/status"
	"edge-capture-agent/internal/telemetry"
)

// Queue is the subset of the durable queue the worker drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*models.QueueItem, error)
	Ack(ctx context.Context, id int64) error
	Requeue(ctx context.Context, id int64, policy queue.BackoffPolicy, cause error) (models.QueueItem, error)
	Release(ctx context.Context, id int64) error
	RequeueExpired(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
	Notify() <-chan struct{}
}

// Throttle paces uploads. It is consulted only once an item is claimed;
// Permit returning false hands the item back and skips this iteration.
type Throttle interface {
	Permit(ctx context.Context) bool
}

// CapacityEnforcer trims local captures once their events are delivered.
type CapacityEnforcer interface {
	EnforceCapacity(ctx context.Context) (models.StorageStatus, error)
}

// Handler delivers one item of a given kind.
type Handler func(ctx context.Context, item models.QueueItem) error

// Processor drives the upload loop.
type Processor struct {
	queue         Queue
	handlers      map[models.Kind]Handler
	policy        queue.BackoffPolicy
	pollInterval  time.Duration
	uploadTimeout time.Duration
	status        status.Sink
	throttle      Throttle
	capacity      CapacityEnforcer
}

// NewProcessor builds the worker from config. sink may be nil.
func NewProcessor(cfg config.Config, q Queue, sink status.Sink) *Processor {
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Processor{
		queue:    q,
		handlers: make(map[models.Kind]Handler),
		policy: queue.BackoffPolicy{
			Initial:     cfg.BackoffInitial,
			Max:         cfg.BackoffMax,
			MaxAttempts: cfg.MaxAttempts,
		},
		pollInterval:  poll,
		uploadTimeout: timeout,
		status:        sink,
	}
}

// RegisterHandler binds a handler to an event kind.
func (p *Processor) RegisterHandler(kind models.Kind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// UseThrottle installs an upload rate limit.
func (p *Processor) UseThrottle(t Throttle) { p.throttle = t }

// UseCapacity enables capacity enforcement after file-bearing acks.
func (p *Processor) UseCapacity(c CapacityEnforcer) { p.capacity = c }

// Run processes items until ctx is cancelled. An item already claimed when
// ctx is cancelled is finished (delivered and acked, or requeued) first.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if n, err := p.queue.RequeueExpired(ctx); err != nil {
			log.Printf("worker: reclaim expired leases: %v", err)
		} else if n > 0 {
			log.Printf("worker: reclaimed %d expired leases", n)
		}
		p.refreshGauges(ctx)

		item, err := p.queue.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker: claim: %v", err)
			if !p.wait(ctx, nil) {
				return ctx.Err()
			}
			continue
		}
		if item == nil {
			if !p.wait(ctx, p.queue.Notify()) {
				return ctx.Err()
			}
			continue
		}

		if p.throttle != nil && !p.throttle.Permit(ctx) {
			telemetry.UploadThrottled.Inc()
			if err := p.queue.Release(context.WithoutCancel(ctx), item.ID); err != nil {
				log.Printf("worker: release throttled item id=%d: %v", item.ID, err)
			}
			if !p.wait(ctx, nil) {
				return ctx.Err()
			}
			continue
		}

		p.process(ctx, *item)
	}
}

// wait blocks until the poll interval elapses, notify fires, or ctx is
// cancelled. It reports false on cancellation.
func (p *Processor) wait(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}

func (p *Processor) process(ctx context.Context, item models.QueueItem) {
	// Bookkeeping and the upload itself run detached from shutdown so the
	// item never stays in flight because the process was asked to stop.
	detached := context.WithoutCancel(ctx)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.setStatus(detached, status.Uploading)

	uploadCtx, cancel := context.WithTimeout(detached, p.uploadTimeout)
	started := time.Now()
	err := p.runItem(uploadCtx, item)
	cancel()

	if err == nil {
		if ackErr := p.queue.Ack(detached, item.ID); ackErr != nil {
			// Delivered but not acked: it will be delivered again, which the
			// backend dedupes by event key.
			log.Printf("worker: ack id=%d: %v", item.ID, ackErr)
			p.setStatus(detached, status.Error)
			return
		}
		telemetry.UploadSuccess.Inc()
		log.Printf("worker: delivered id=%d kind=%s attempts=%d took=%s", item.ID, item.Kind, item.Attempts+1, time.Since(started).Round(time.Millisecond))
		p.setStatus(detached, status.UploadOK)
		p.enforceCapacity(detached, item)
		return
	}

	updated, rqErr := p.queue.Requeue(detached, item.ID, p.policy, err)
	if rqErr != nil {
		log.Printf("worker: requeue id=%d after %v: %v", item.ID, err, rqErr)
		p.setStatus(detached, status.Error)
		return
	}
	if updated.Status == models.StatusFailed {
		telemetry.UploadDeadLetter.Inc()
		log.Printf("worker: giving up id=%d kind=%s attempts=%d: %v", item.ID, item.Kind, updated.Attempts, err)
	} else {
		telemetry.UploadFailures.Inc()
		log.Printf("worker: retry scheduled id=%d kind=%s attempts=%d next=%s: %v",
			item.ID, item.Kind, updated.Attempts, updated.NextEligibleAt.UTC().Format(time.RFC3339), err)
	}
	p.setStatus(detached, status.UploadError)
}

func (p *Processor) runItem(ctx context.Context, item models.QueueItem) error {
	handler, ok := p.handlers[item.Kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", item.Kind)
	}
	return handler(ctx, item)
}

func (p *Processor) enforceCapacity(ctx context.Context, item models.QueueItem) {
	if p.capacity == nil {
		return
	}
	if item.PayloadString(models.FieldPath) == "" && item.PayloadString(models.FieldAudioPath) == "" {
		return
	}
	if _, err := p.capacity.EnforceCapacity(ctx); err != nil {
		log.Printf("worker: capacity enforcement: %v", err)
	}
}

func (p *Processor) refreshGauges(ctx context.Context) {
	if n, err := p.queue.PendingCount(ctx); err == nil {
		telemetry.QueuePendingGauge.Set(float64(n))
	}
	if n, err := p.queue.FailedCount(ctx); err == nil {
		telemetry.QueueFailedGauge.Set(float64(n))
	}
}

func (p *Processor) setStatus(ctx context.Context, ind status.Indicator) {
	if p.status != nil {
		p.status.Set(ctx, ind)
	}
}
