package handler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NotificationStore records delivery attempts.
type NotificationStore interface {
	InsertNotification(ctx context.Context, userID, notifType string, payload map[string]any, delivered bool) error
}

// Notification delivers queued notifications to the API's delivery
// endpoint. Delivery failures return an error so the consumer retries
// the job; the attempt record is written either way.
type Notification struct {
	store       NotificationStore
	callbacks   *CallbackClient
	deliveryURL string
	log         *zap.Logger
	now         func() time.Time
}

func NewNotification(store NotificationStore, callbacks *CallbackClient, deliveryURL string, log *zap.Logger) *Notification {
	return &Notification{
		store:       store,
		callbacks:   callbacks,
		deliveryURL: deliveryURL,
		log:         log,
		now:         time.Now,
	}
}

func (h *Notification) Handle(ctx context.Context, data map[string]any) error {
	userID, _ := data["user_id"].(string)
	notifType, _ := data["notification_type"].(string)
	if userID == "" || notifType == "" {
		return errors.New("missing user_id or notification_type")
	}
	payload, _ := data["payload"].(map[string]any)

	var deliveryErr error
	if h.deliveryURL != "" {
		deliveryErr = h.callbacks.Notify(ctx, h.deliveryURL, map[string]any{
			"user_id":           userID,
			"notification_type": notifType,
			"payload":           payload,
			"timestamp":         h.now().UTC().Format(time.RFC3339Nano),
		})
	}

	delivered := deliveryErr == nil
	if err := h.store.InsertNotification(ctx, userID, notifType, payload, delivered); err != nil {
		h.log.Error("notification_record_failed", zap.String("user_id", userID), zap.Error(err))
		if deliveryErr == nil {
			return err
		}
	}
	if deliveryErr != nil {
		return errors.Wrap(deliveryErr, "deliver notification")
	}
	h.log.Info("notification_delivered",
		zap.String("user_id", userID),
		zap.String("notification_type", notifType))
	return nil
}
