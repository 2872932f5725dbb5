package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
	"github.com/jwalitptl/paypulse/pkg/logger"
	"github.com/jwalitptl/paypulse/pkg/messaging"
	"github.com/jwalitptl/paypulse/pkg/metrics"
)

type OutboxProcessorConfig struct {
	BatchSize         int
	DispatchInterval  time.Duration
	RetryInterval     time.Duration
	MaxRetries        int
	RetentionDays     int
	RetentionSchedule string
	PublishTimeout    time.Duration
	// StaleAfter is how long a PROCESSING claim may sit before the retry
	// sweep hands it back to PENDING. Zero disables the reset.
	StaleAfter time.Duration
	// LockTTL bounds the cross-replica dispatch lease.
	LockTTL time.Duration
}

// Locker grants a short lease so only one replica runs a cycle at a time.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

const (
	cycleLockName     = "outbox:cycle"
	retentionLockName = "outbox:retention"
	statusWriteBudget = 5 * time.Second
)

// OutboxProcessor relays outbox rows to the message bus on three independent
// schedules: dispatch, retry sweep and retention sweep.
type OutboxProcessor struct {
	repo      repository.OutboxRepository
	publisher messaging.Publisher
	locker    Locker
	config    OutboxProcessorConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	// cycleMu keeps dispatch and retry sweep from interleaving in one process.
	cycleMu sync.Mutex
}

func NewOutboxProcessor(
	repo repository.OutboxRepository,
	publisher messaging.Publisher,
	locker Locker,
	config OutboxProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *OutboxProcessor {
	// Config validation instead of defaults
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.DispatchInterval <= 0 || config.RetryInterval <= 0 {
		panic("DispatchInterval and RetryInterval must be greater than 0")
	}
	if config.MaxRetries <= 0 {
		panic("MaxRetries must be greater than 0")
	}
	if config.PublishTimeout <= 0 {
		panic("PublishTimeout must be greater than 0")
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 2 * config.DispatchInterval
	}

	return &OutboxProcessor{
		repo:      repo,
		publisher: publisher,
		locker:    locker,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Start runs all schedules until ctx is cancelled.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.logger.Info("Starting outbox processor",
		"dispatch_interval", p.config.DispatchInterval.String(),
		"retry_interval", p.config.RetryInterval.String(),
		"retention_schedule", p.config.RetentionSchedule)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.every(ctx, "dispatch", p.config.DispatchInterval, p.Dispatch)
		return nil
	})
	g.Go(func() error {
		p.every(ctx, "retry", p.config.RetryInterval, p.RetrySweep)
		return nil
	})
	if p.config.RetentionSchedule != "" {
		g.Go(func() error {
			return p.scheduleRetention(ctx)
		})
	}

	err := g.Wait()
	p.logger.Info("Shutting down outbox processor")
	return err
}

func (p *OutboxProcessor) every(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				p.logger.Error(err, "Outbox cycle failed", "cycle", name)
			}
		}
	}
}

func (p *OutboxProcessor) scheduleRetention(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(p.logger),
		cron.WithChain(cron.Recover(p.logger), cron.SkipIfStillRunning(p.logger)),
	)
	_, err := c.AddFunc(p.config.RetentionSchedule, func() {
		if _, err := p.RetentionSweep(ctx); err != nil {
			p.logger.Error(err, "Outbox cycle failed", "cycle", "retention")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", p.config.RetentionSchedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Dispatch publishes up to BatchSize PENDING events, oldest first.
func (p *OutboxProcessor) Dispatch(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	unlock, ok := p.lease(ctx, cycleLockName)
	if !ok {
		return nil
	}
	defer unlock()

	timer := prometheus.NewTimer(p.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	events, err := p.repo.FindPending(ctx, model.OutboxStatusPending, p.config.BatchSize)
	p.metrics.DBOp("find_pending_events", err)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}

	p.processEvents(ctx, events, model.OutboxStatusPending)
	p.refreshQueueSize(ctx)
	return nil
}

// RetrySweep hands abandoned claims back to PENDING and re-attempts FAILED
// events whose retry count is still below the maximum.
func (p *OutboxProcessor) RetrySweep(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	unlock, ok := p.lease(ctx, cycleLockName)
	if !ok {
		return nil
	}
	defer unlock()

	if p.config.StaleAfter > 0 {
		n, err := p.repo.ResetStuckProcessing(ctx, p.now().Add(-p.config.StaleAfter))
		p.metrics.DBOp("reset_stuck_events", err)
		if err != nil {
			return fmt.Errorf("failed to reset stuck events: %w", err)
		}
		if n > 0 {
			p.metrics.OutboxReclaimed.Add(float64(n))
			p.logger.Warn("Returned abandoned outbox claims to pending", "count", n)
		}
	}

	events, err := p.repo.FindRetryable(ctx, p.config.MaxRetries, p.config.BatchSize)
	p.metrics.DBOp("find_retryable_events", err)
	if err != nil {
		return fmt.Errorf("failed to get retryable events: %w", err)
	}

	p.processEvents(ctx, events, model.OutboxStatusFailed)
	p.refreshQueueSize(ctx)
	return nil
}

// RetentionSweep deletes PROCESSED events older than the retention window.
func (p *OutboxProcessor) RetentionSweep(ctx context.Context) (int64, error) {
	unlock, ok := p.lease(ctx, retentionLockName)
	if !ok {
		return 0, nil
	}
	defer unlock()

	cutoff := p.now().AddDate(0, 0, -p.config.RetentionDays)
	n, err := p.repo.PurgeProcessedOlderThan(ctx, cutoff)
	p.metrics.DBOp("purge_processed_events", err)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed events: %w", err)
	}

	p.metrics.OutboxPurged.Add(float64(n))
	p.logger.Info("Purged processed outbox events", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// processEvents publishes events in order. Once an event of an aggregate
// fails, its later events wait for the next cycle.
func (p *OutboxProcessor) processEvents(ctx context.Context, events []*model.OutboxEvent, from model.OutboxStatus) {
	blocked := make(map[uuid.UUID]bool)
	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		if blocked[event.AggregateID] {
			continue
		}
		if err := p.processEvent(ctx, event, from); err != nil {
			blocked[event.AggregateID] = true
			p.logger.Error(err, "Failed to process event",
				"event_id", event.ID.String(),
				"event_type", event.EventType)
		}
	}
}

func (p *OutboxProcessor) processEvent(ctx context.Context, event *model.OutboxEvent, from model.OutboxStatus) error {
	claimed, err := p.repo.MarkProcessing(ctx, event.ID, from)
	p.metrics.DBOp("claim_event", err)
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.Debug("Outbox event claimed elsewhere", "event_id", event.ID.String())
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	pubErr := p.publisher.Publish(pubCtx, event.EventType, event.Payload)
	cancel()

	// The claim is already taken; finish bookkeeping even during shutdown.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), statusWriteBudget)
	defer cancelWrite()

	if pubErr != nil {
		p.metrics.OutboxPublishErrors.Inc()
		p.metrics.OutboxRetries.WithLabelValues(event.EventType).Inc()

		status, retries, err := p.repo.MarkFailedOrRetry(writeCtx, event.ID, pubErr.Error(), p.config.MaxRetries)
		p.metrics.DBOp("mark_event_failed", err)
		if err != nil {
			return fmt.Errorf("publish failed (%v) and status update failed: %w", pubErr, err)
		}
		if status == model.OutboxStatusFailed {
			p.metrics.OutboxEventsFailed.Inc()
			p.logger.Error(pubErr, "Outbox event exhausted its retries",
				"event_id", event.ID.String(),
				"event_type", event.EventType,
				"retry_count", retries)
		}
		return fmt.Errorf("failed to publish event %s: %w", event.ID, pubErr)
	}

	err = p.repo.MarkProcessed(writeCtx, event.ID)
	p.metrics.DBOp("mark_event_processed", err)
	if err != nil {
		p.logger.Error(err, "Failed to update event status", "event_id", event.ID.String())
		return err
	}
	p.metrics.OutboxEventsProcessed.Inc()
	return nil
}

func (p *OutboxProcessor) lease(ctx context.Context, name string) (func(), bool) {
	if p.locker == nil {
		return func() {}, true
	}
	unlock, ok, err := p.locker.TryLock(ctx, name, p.config.LockTTL)
	if err != nil {
		p.logger.Warn("Failed to acquire outbox lease", "lock", name, "error", err.Error())
		return nil, false
	}
	if !ok {
		p.logger.Debug("Outbox lease held by another replica", "lock", name)
		return nil, false
	}
	return unlock, true
}

func (p *OutboxProcessor) refreshQueueSize(ctx context.Context) {
	counts, err := p.repo.CountByStatus(ctx)
	p.metrics.DBOp("count_events", err)
	if err != nil {
		return
	}
	p.metrics.OutboxQueueSize.WithLabelValues(string(model.OutboxStatusPending)).Set(float64(counts.Pending))
	p.metrics.OutboxQueueSize.WithLabelValues(string(model.OutboxStatusProcessing)).Set(float64(counts.Processing))
	p.metrics.OutboxQueueSize.WithLabelValues(string(model.OutboxStatusProcessed)).Set(float64(counts.Processed))
	p.metrics.OutboxQueueSize.WithLabelValues(string(model.OutboxStatusFailed)).Set(float64(counts.Failed))
}
