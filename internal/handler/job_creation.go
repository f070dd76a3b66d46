package handler

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/storage"
)

// WorkOrderStore is the persistence slice job-creation needs.
type WorkOrderStore interface {
	InsertWorkOrder(ctx context.Context, p storage.WorkOrderParams) (string, error)
}

// JobCreation turns a completed map into a work order. No internal
// retry: failures here (map missing, map not yet completed) are either
// permanent or resolved by the consumer's re-enqueue once processing
// catches up.
type JobCreation struct {
	store WorkOrderStore
	log   *zap.Logger
}

func NewJobCreation(store WorkOrderStore, log *zap.Logger) *JobCreation {
	return &JobCreation{store: store, log: log}
}

func (h *JobCreation) Handle(ctx context.Context, data map[string]any) error {
	mapID, _ := data["map_id"].(string)
	if mapID == "" {
		return errors.New("missing map_id")
	}
	assignedTo, _ := data["assigned_to_id"].(string)
	autoPublish, _ := data["auto_publish"].(bool)

	id, err := h.store.InsertWorkOrder(ctx, storage.WorkOrderParams{
		MapID:        mapID,
		AssignedToID: assignedTo,
		AutoPublish:  autoPublish,
	})
	if err != nil {
		return err
	}
	h.log.Info("work_order_created",
		zap.String("map_id", mapID),
		zap.String("work_order_id", id),
		zap.Bool("auto_publish", autoPublish))
	return nil
}
