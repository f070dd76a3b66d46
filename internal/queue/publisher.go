package queue

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/domain"
)

// Publisher builds typed job payloads and hands them to the Store with
// a priority-derived score. Store unavailability is not an error: every
// enqueue method returns an empty job id in that case so callers can
// degrade (fall back to synchronous processing, surface "deferred").
// A returned error always means the payload itself was invalid.
type Publisher struct {
	store    Store
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewPublisher(store Store, log *zap.Logger) *Publisher {
	return &Publisher{
		store:    store,
		log:      log,
		validate: validator.New(),
		now:      time.Now,
	}
}

type MapProcessingPayload struct {
	MapID        string `validate:"required,uuid"`
	StorageKey   string `validate:"required"`
	UploadedByID string `validate:"omitempty,uuid"`
	CallbackURL  string `validate:"omitempty,url"`

	// Priority nil means the queue default; an explicit PriorityLow is
	// honored, not promoted.
	Priority *domain.Priority `validate:"omitempty,min=0,max=20"`
}

type MapReprocessPayload struct {
	MapID         string           `validate:"required,uuid"`
	StorageKey    string           `validate:"required"`
	Reason        string           `validate:"required"`
	RequestedByID string           `validate:"required,uuid"`
	Priority      *domain.Priority `validate:"omitempty,min=0,max=20"`
}

type JobCreationPayload struct {
	MapID        string           `validate:"required,uuid"`
	AssignedToID string           `validate:"omitempty,uuid"`
	AutoPublish  bool
	Priority     *domain.Priority `validate:"omitempty,min=0,max=20"`
}

type NotificationPayload struct {
	UserID           string           `validate:"required,uuid"`
	NotificationType string           `validate:"required"`
	Payload          map[string]any
	Priority         *domain.Priority `validate:"omitempty,min=0,max=20"`
}

// EnqueueMapProcessing queues an uploaded map for extraction.
func (p *Publisher) EnqueueMapProcessing(ctx context.Context, in MapProcessingPayload) (string, error) {
	if err := p.validate.Struct(in); err != nil {
		return "", errors.Wrap(err, "map processing payload")
	}
	priority := priorityOr(in.Priority, domain.PriorityNormal)
	data := map[string]any{
		"type":           domain.TypeMapProcessing,
		"map_id":         in.MapID,
		"storage_key":    in.StorageKey,
		"uploaded_by_id": in.UploadedByID,
		"callback_url":   in.CallbackURL,
		"queued_at":      p.now().UTC().Format(time.RFC3339Nano),
	}
	id := p.enqueue(ctx, domain.QueueMapProcessing, data, priority)
	if id != "" {
		p.log.Info("map_processing_queued",
			zap.String("map_id", in.MapID),
			zap.String("job_id", id),
			zap.Int("priority", int(priority)))
	}
	return id, nil
}

// EnqueueMapReprocess queues a map for reprocessing, defaulting to high
// priority since a human asked for it.
func (p *Publisher) EnqueueMapReprocess(ctx context.Context, in MapReprocessPayload) (string, error) {
	if err := p.validate.Struct(in); err != nil {
		return "", errors.Wrap(err, "map reprocess payload")
	}
	priority := priorityOr(in.Priority, domain.PriorityHigh)
	data := map[string]any{
		"type":            domain.TypeMapReprocess,
		"map_id":          in.MapID,
		"storage_key":     in.StorageKey,
		"reason":          in.Reason,
		"requested_by_id": in.RequestedByID,
		"is_reprocess":    true,
		"queued_at":       p.now().UTC().Format(time.RFC3339Nano),
	}
	id := p.enqueue(ctx, domain.QueueMapReprocess, data, priority)
	if id != "" {
		p.log.Info("map_reprocess_queued",
			zap.String("map_id", in.MapID),
			zap.String("job_id", id),
			zap.String("reason", in.Reason))
	}
	return id, nil
}

// EnqueueJobCreation queues work-order creation from a processed map.
func (p *Publisher) EnqueueJobCreation(ctx context.Context, in JobCreationPayload) (string, error) {
	if err := p.validate.Struct(in); err != nil {
		return "", errors.Wrap(err, "job creation payload")
	}
	priority := priorityOr(in.Priority, domain.PriorityNormal)
	data := map[string]any{
		"type":           domain.TypeJobCreation,
		"map_id":         in.MapID,
		"assigned_to_id": in.AssignedToID,
		"auto_publish":   in.AutoPublish,
		"queued_at":      p.now().UTC().Format(time.RFC3339Nano),
	}
	id := p.enqueue(ctx, domain.QueueJobCreation, data, priority)
	if id != "" {
		p.log.Info("job_creation_queued",
			zap.String("map_id", in.MapID),
			zap.String("job_id", id),
			zap.Bool("auto_publish", in.AutoPublish))
	}
	return id, nil
}

// EnqueueNotification queues a notification for delivery.
func (p *Publisher) EnqueueNotification(ctx context.Context, in NotificationPayload) (string, error) {
	if err := p.validate.Struct(in); err != nil {
		return "", errors.Wrap(err, "notification payload")
	}
	data := map[string]any{
		"type":              domain.TypeNotification,
		"user_id":           in.UserID,
		"notification_type": in.NotificationType,
		"payload":           in.Payload,
		"queued_at":         p.now().UTC().Format(time.RFC3339Nano),
	}
	return p.enqueue(ctx, domain.QueueNotifications, data, priorityOr(in.Priority, domain.PriorityLow)), nil
}

func priorityOr(p *domain.Priority, def domain.Priority) domain.Priority {
	if p != nil {
		return *p
	}
	return def
}

func (p *Publisher) enqueue(ctx context.Context, queue string, data map[string]any, priority domain.Priority) string {
	now := p.now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Data:      data,
		Priority:  int(priority),
		CreatedAt: now,
		Status:    domain.Pending,
	}
	if err := p.store.Enqueue(ctx, queue, job, Score(int(priority), now)); err != nil {
		p.log.Warn("job_enqueue_failed", zap.String("queue", queue), zap.Error(err))
		return ""
	}
	p.log.Info("job_enqueued",
		zap.String("queue", queue),
		zap.String("job_id", job.ID),
		zap.Int("priority", int(priority)))
	return job.ID
}

// QueueStats reports pending depth per standard queue. Store errors
// degrade to zero counts.
func (p *Publisher) QueueStats(ctx context.Context) map[string]int64 {
	stats := make(map[string]int64, 4)
	for _, q := range []string{
		domain.QueueMapProcessing,
		domain.QueueMapReprocess,
		domain.QueueJobCreation,
		domain.QueueNotifications,
	} {
		n, err := p.store.Length(ctx, q)
		if err != nil {
			p.log.Warn("queue_length_failed", zap.String("queue", q), zap.Error(err))
			n = 0
		}
		stats[q] = n
	}
	return stats
}

// JobStatus is a read-through to the store's status entry for a job.
func (p *Publisher) JobStatus(ctx context.Context, jobID string) (*domain.StatusEntry, error) {
	return p.store.GetStatus(ctx, jobID)
}
