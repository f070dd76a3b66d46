package handler

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/storage"
)

type fakeWorkOrderStore struct {
	params []storage.WorkOrderParams
	err    error
}

func (s *fakeWorkOrderStore) InsertWorkOrder(_ context.Context, p storage.WorkOrderParams) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.params = append(s.params, p)
	return "wo-1", nil
}

func TestJobCreationInsertsWorkOrder(t *testing.T) {
	store := &fakeWorkOrderStore{}
	h := NewJobCreation(store, zap.NewNop())

	err := h.Handle(context.Background(), map[string]any{
		"map_id":         "11111111-2222-3333-4444-555555555555",
		"assigned_to_id": "99999999-8888-7777-6666-555555555555",
		"auto_publish":   true,
	})
	require.NoError(t, err)

	require.Len(t, store.params, 1)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", store.params[0].MapID)
	assert.Equal(t, "99999999-8888-7777-6666-555555555555", store.params[0].AssignedToID)
	assert.True(t, store.params[0].AutoPublish)
}

func TestJobCreationMissingMapID(t *testing.T) {
	h := NewJobCreation(&fakeWorkOrderStore{}, zap.NewNop())
	err := h.Handle(context.Background(), map[string]any{"auto_publish": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing map_id")
}

func TestJobCreationPropagatesStoreError(t *testing.T) {
	store := &fakeWorkOrderStore{err: errors.New("map not completed")}
	h := NewJobCreation(store, zap.NewNop())
	err := h.Handle(context.Background(), map[string]any{
		"map_id": "11111111-2222-3333-4444-555555555555",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "map not completed")
}
