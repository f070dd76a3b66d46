package handler

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/breaker"
	"github.com/you/fibermap/internal/extract"
)

type fakeMapStore struct {
	processing []string
	saved      map[string]*extract.Result
	failed     map[string]string
	markErr    error
}

func newFakeMapStore() *fakeMapStore {
	return &fakeMapStore{
		saved:  make(map[string]*extract.Result),
		failed: make(map[string]string),
	}
}

func (s *fakeMapStore) MarkMapProcessing(_ context.Context, mapID string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.processing = append(s.processing, mapID)
	return nil
}

func (s *fakeMapStore) SaveExtraction(_ context.Context, mapID string, res *extract.Result, _ time.Duration) error {
	s.saved[mapID] = res
	return nil
}

func (s *fakeMapStore) MarkMapFailed(_ context.Context, mapID, errMsg string, _ time.Duration) error {
	s.failed[mapID] = errMsg
	return nil
}

type fakeBlobs struct {
	files map[string][]byte
}

func (b *fakeBlobs) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := b.files[key]
	if !ok {
		return nil, errors.Errorf("no such object %s", key)
	}
	return data, nil
}

// fakeExtractor fails with errs in order, then returns result for every
// further call.
type fakeExtractor struct {
	errs    []error
	result  *extract.Result
	pages   []*extract.Result
	calls   int
	maxPage int
}

func (e *fakeExtractor) next() error {
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return err
	}
	return nil
}

func (e *fakeExtractor) Extract(context.Context, []byte, string) (*extract.Result, error) {
	if err := e.next(); err != nil {
		return nil, err
	}
	return e.result, nil
}

func (e *fakeExtractor) ExtractPages(_ context.Context, _ []byte, _ string, maxPages int) ([]*extract.Result, error) {
	e.maxPage = maxPages
	if err := e.next(); err != nil {
		return nil, err
	}
	return e.pages, nil
}

func transient(reason string) error {
	return &extract.TransientError{Reason: reason}
}

func newTestProcessor(store *fakeMapStore, ext *fakeExtractor, brk *breaker.Breaker) *MapProcessor {
	blobs := &fakeBlobs{files: map[string][]byte{
		"maps/plan.png": []byte("png bytes"),
		"maps/plan.pdf": []byte("pdf bytes"),
	}}
	if brk == nil {
		brk = breaker.New("vision-extraction-api", 5, time.Minute)
	}
	return NewMapProcessor(store, blobs, ext, brk, nil, MapProcessorConfig{
		JobTimeout:    time.Minute,
		RetryAttempts: 5,
		RetryBase:     time.Millisecond,
	}, zap.NewNop())
}

func mapData(storageKey string) map[string]any {
	return map[string]any{
		"type":        "map_processing",
		"map_id":      "11111111-2222-3333-4444-555555555555",
		"storage_key": storageKey,
	}
}

func TestHandleMapProcessingSavesExtraction(t *testing.T) {
	store := newFakeMapStore()
	ext := &fakeExtractor{result: &extract.Result{
		Header: extract.Header{ProjectID: "P-100", Location: "Renton"},
		Spans:  []extract.Span{{LengthFt: 250, StartPole: "A1", EndPole: "A2"}},
	}}
	p := newTestProcessor(store, ext, nil)

	err := p.HandleMapProcessing(context.Background(), mapData("maps/plan.png"))
	require.NoError(t, err)

	assert.Equal(t, 1, ext.calls)
	assert.Equal(t, []string{"11111111-2222-3333-4444-555555555555"}, store.processing)
	saved := store.saved["11111111-2222-3333-4444-555555555555"]
	require.NotNil(t, saved)
	assert.Equal(t, "P-100", saved.Header.ProjectID)
	assert.Empty(t, store.failed)
}

func TestHandleMapProcessingRetriesTransientErrors(t *testing.T) {
	store := newFakeMapStore()
	ext := &fakeExtractor{
		errs:   []error{transient("rate limited"), transient("timeout"), transient("overloaded")},
		result: &extract.Result{Header: extract.Header{ProjectID: "P-200"}},
	}
	p := newTestProcessor(store, ext, nil)

	err := p.HandleMapProcessing(context.Background(), mapData("maps/plan.png"))
	require.NoError(t, err)
	assert.Equal(t, 4, ext.calls)
	assert.NotNil(t, store.saved["11111111-2222-3333-4444-555555555555"])
}

func TestHandleMapProcessingPermanentErrorFailsFast(t *testing.T) {
	store := newFakeMapStore()
	ext := &fakeExtractor{errs: []error{errors.New("unsupported media type")}}
	p := newTestProcessor(store, ext, nil)

	err := p.HandleMapProcessing(context.Background(), mapData("maps/plan.png"))
	require.Error(t, err)
	assert.Equal(t, 1, ext.calls)
	assert.Contains(t, store.failed["11111111-2222-3333-4444-555555555555"], "unsupported media type")
	assert.Empty(t, store.saved)
}

func TestHandleMapProcessingOpenBreakerSkipsExtractor(t *testing.T) {
	store := newFakeMapStore()
	ext := &fakeExtractor{result: &extract.Result{}}
	brk := breaker.New("vision-extraction-api", 5, time.Minute)
	for i := 0; i < 5; i++ {
		brk.RecordFailure()
	}
	p := newTestProcessor(store, ext, brk)

	err := p.HandleMapProcessing(context.Background(), mapData("maps/plan.png"))
	require.Error(t, err)
	var oe *breaker.OpenError
	assert.ErrorAs(t, err, &oe)
	assert.Equal(t, 0, ext.calls)
	assert.Contains(t, store.failed["11111111-2222-3333-4444-555555555555"], "service temporarily unavailable")
}

func TestHandleMapProcessingPDFConsolidatesPages(t *testing.T) {
	store := newFakeMapStore()
	ext := &fakeExtractor{pages: []*extract.Result{
		{
			Header:     extract.Header{ProjectID: "P-300", PageNumber: "1"},
			Spans:      []extract.Span{{LengthFt: 100}},
			PageNumber: 1,
		},
		{
			Spans:      []extract.Span{{LengthFt: 200}, {LengthFt: 300}},
			Equipment:  []extract.Equipment{{ID: "E1", Type: "HUB"}},
			PageNumber: 2,
		},
	}}
	p := newTestProcessor(store, ext, nil)

	err := p.HandleMapProcessing(context.Background(), mapData("maps/plan.pdf"))
	require.NoError(t, err)
	assert.Equal(t, 10, ext.maxPage)

	saved := store.saved["11111111-2222-3333-4444-555555555555"]
	require.NotNil(t, saved)
	assert.Equal(t, "P-300", saved.Header.ProjectID)
	assert.Len(t, saved.Spans, 3)
	assert.Len(t, saved.Equipment, 1)
}

func TestHandleMapProcessingMissingPayload(t *testing.T) {
	p := newTestProcessor(newFakeMapStore(), &fakeExtractor{}, nil)
	err := p.HandleMapProcessing(context.Background(), map[string]any{"map_id": "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing map_id or storage_key")
}

func TestHandleMapReprocessDelegates(t *testing.T) {
	store := newFakeMapStore()
	ext := &fakeExtractor{result: &extract.Result{}}
	p := newTestProcessor(store, ext, nil)

	data := mapData("maps/plan.png")
	data["reason"] = "operator flagged bad spans"
	data["requested_by_id"] = "user-9"

	require.NoError(t, p.HandleMapReprocess(context.Background(), data))
	assert.Equal(t, 1, ext.calls)
	assert.NotNil(t, store.saved["11111111-2222-3333-4444-555555555555"])
}
