package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/pkg/jobs"
)

const (
	jobNotificationPublish = "notification.publish"
	jobCatalogInvalidate   = "catalog.invalidate"
)

type realtimePublisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// DispatcherConfig configures post-commit fan-out.
type DispatcherConfig struct {
	RealtimeEnabled bool
	ChannelPrefix   string
	Workers         int
	Retries         int
}

// NotificationDispatcher runs work that must follow a committed enrollment change: a realtime
// push of each new notification and catalog cache invalidation. The notification rows are
// already durable when jobs are enqueued, so a lost job only costs the push.
type NotificationDispatcher struct {
	queue     *jobs.Queue
	publisher realtimePublisher
	cache     *CacheService
	cfg       DispatcherConfig
	logger    *zap.Logger
}

// NewNotificationDispatcher wires the dispatcher onto a worker queue.
func NewNotificationDispatcher(publisher realtimePublisher, cache *CacheService, metrics *MetricsService, cfg DispatcherConfig, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "notifications"
	}
	d := &NotificationDispatcher{publisher: publisher, cache: cache, cfg: cfg, logger: logger}
	d.queue = jobs.NewQueue("notification-dispatch", d.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.Retries,
		Logger:     logger,
		OnResult:   metrics.RecordDispatch,
	})
	return d
}

// Start launches the workers.
func (d *NotificationDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop drains workers.
func (d *NotificationDispatcher) Stop() {
	d.queue.Stop()
}

// NotificationsCommitted schedules realtime delivery of committed notifications.
func (d *NotificationDispatcher) NotificationsCommitted(notifications ...models.Notification) {
	if !d.cfg.RealtimeEnabled || d.publisher == nil {
		return
	}
	for _, n := range notifications {
		d.enqueue(jobs.Job{Type: jobNotificationPublish, Payload: n})
	}
}

// CatalogChanged schedules catalog cache invalidation.
func (d *NotificationDispatcher) CatalogChanged() {
	if !d.cache.Enabled() {
		return
	}
	d.cache.MarkCatalogStale()
	d.enqueue(jobs.Job{Type: jobCatalogInvalidate})
}

func (d *NotificationDispatcher) enqueue(job jobs.Job) {
	if err := d.queue.Enqueue(job); err != nil {
		d.logger.Warn("dispatch job not enqueued", zap.String("type", job.Type), zap.Error(err))
	}
}

func (d *NotificationDispatcher) handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobNotificationPublish:
		n, ok := job.Payload.(models.Notification)
		if !ok {
			return fmt.Errorf("unexpected payload %T", job.Payload)
		}
		return d.publisher.Publish(ctx, d.channel(n.UserID), n)
	case jobCatalogInvalidate:
		return d.cache.InvalidateCatalog(ctx)
	default:
		d.logger.Warn("unknown dispatch job", zap.String("type", job.Type))
		return nil
	}
}

func (d *NotificationDispatcher) channel(userID string) string {
	return d.cfg.ChannelPrefix + ":" + userID
}
