// Package handler holds the per-job-type business functions dispatched
// by the queue consumer.
package handler

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/blob"
	"github.com/you/fibermap/internal/breaker"
	"github.com/you/fibermap/internal/extract"
	"github.com/you/fibermap/internal/retryx"
)

const maxPDFPages = 10

// MapStore is the slice of the persistence layer the map processor
// needs.
type MapStore interface {
	MarkMapProcessing(ctx context.Context, mapID string) error
	SaveExtraction(ctx context.Context, mapID string, res *extract.Result, processingTime time.Duration) error
	MarkMapFailed(ctx context.Context, mapID, errMsg string, processingTime time.Duration) error
}

type MapProcessorConfig struct {
	JobTimeout    time.Duration
	RetryAttempts int
	RetryBase     time.Duration
}

// MapProcessor turns an uploaded map file into extracted structured
// data. The single external vision call sits inside both the named
// circuit breaker and a retry policy restricted to transient extractor
// errors; a breaker-open rejection propagates straight to the consumer,
// whose own re-enqueue retry picks the job up again once the circuit
// recovers.
type MapProcessor struct {
	store     MapStore
	blobs     blob.Store
	extractor extract.Extractor
	breaker   *breaker.Breaker
	callbacks *CallbackClient
	cfg       MapProcessorConfig
	log       *zap.Logger
	now       func() time.Time
}

func NewMapProcessor(
	store MapStore,
	blobs blob.Store,
	extractor extract.Extractor,
	brk *breaker.Breaker,
	callbacks *CallbackClient,
	cfg MapProcessorConfig,
	log *zap.Logger,
) *MapProcessor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	return &MapProcessor{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		breaker:   brk,
		callbacks: callbacks,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// HandleMapProcessing is the handler for map_processing jobs.
func (p *MapProcessor) HandleMapProcessing(ctx context.Context, data map[string]any) error {
	mapID, _ := data["map_id"].(string)
	storageKey, _ := data["storage_key"].(string)
	callbackURL, _ := data["callback_url"].(string)
	if mapID == "" || storageKey == "" {
		return errors.New("missing map_id or storage_key")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	log := p.log.With(zap.String("map_id", mapID), zap.String("storage_key", storageKey))
	log.Info("map_processing_started")
	start := p.now()

	if err := p.store.MarkMapProcessing(ctx, mapID); err != nil {
		return err
	}

	result, err := p.extractMap(ctx, storageKey, log)
	elapsed := p.now().Sub(start)
	if err != nil {
		msg := err.Error()
		var oe *breaker.OpenError
		if errors.As(err, &oe) {
			msg = "service temporarily unavailable: " + msg
		}
		if dbErr := p.store.MarkMapFailed(ctx, mapID, msg, elapsed); dbErr != nil {
			log.Error("map_failure_not_recorded", zap.Error(dbErr))
		}
		p.notify(ctx, callbackURL, mapID, "failed", map[string]any{"error": msg})
		return err
	}

	if err := p.store.SaveExtraction(ctx, mapID, result, elapsed); err != nil {
		p.notify(ctx, callbackURL, mapID, "failed", map[string]any{"error": err.Error()})
		return err
	}

	log.Info("map_processed",
		zap.Duration("took", elapsed),
		zap.Int("spans", len(result.Spans)),
		zap.Int("equipment", len(result.Equipment)))

	p.notify(ctx, callbackURL, mapID, "completed", map[string]any{
		"processing_time_ms": elapsed.Milliseconds(),
		"span_count":         len(result.Spans),
		"equipment_count":    len(result.Equipment),
	})
	return nil
}

// HandleMapReprocess is the handler for map_reprocess jobs: the same
// pipeline with an audit trail of who asked and why.
func (p *MapProcessor) HandleMapReprocess(ctx context.Context, data map[string]any) error {
	reason, _ := data["reason"].(string)
	requestedBy, _ := data["requested_by_id"].(string)
	mapID, _ := data["map_id"].(string)
	p.log.Info("map_reprocess_started",
		zap.String("map_id", mapID),
		zap.String("reason", reason),
		zap.String("requested_by_id", requestedBy))
	return p.HandleMapProcessing(ctx, data)
}

func (p *MapProcessor) extractMap(ctx context.Context, storageKey string, log *zap.Logger) (*extract.Result, error) {
	fileData, err := p.blobs.Download(ctx, storageKey)
	if err != nil {
		return nil, errors.Wrap(err, "download map file")
	}

	if strings.HasSuffix(strings.ToLower(storageKey), ".pdf") {
		var pages []*extract.Result
		err := p.callExtractor(ctx, log, func() error {
			var callErr error
			pages, callErr = p.extractor.ExtractPages(ctx, fileData, "application/pdf", maxPDFPages)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		log.Info("pdf_pages_extracted", zap.Int("pages", len(pages)))
		return extract.Consolidate(pages), nil
	}

	var result *extract.Result
	err = p.callExtractor(ctx, log, func() error {
		var callErr error
		result, callErr = p.extractor.Extract(ctx, fileData, "image/png")
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// callExtractor wraps one vision call in the circuit breaker inside the
// transient-only retry policy. A breaker-open error is not transient,
// so it short-circuits the retry loop immediately.
func (p *MapProcessor) callExtractor(ctx context.Context, log *zap.Logger, fn func() error) error {
	policy := retryx.Policy{
		MaxAttempts: p.cfg.RetryAttempts,
		BaseDelay:   p.cfg.RetryBase,
		MaxDelay:    time.Minute,
		Retryable:   extract.IsTransient,
		OnRetry: func(attempt int, err error) {
			log.Warn("extractor_retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
	return retryx.Do(ctx, policy, func() error {
		return p.breaker.Do(fn)
	})
}

func (p *MapProcessor) notify(ctx context.Context, callbackURL, mapID, status string, data map[string]any) {
	if callbackURL == "" || p.callbacks == nil {
		return
	}
	payload := map[string]any{
		"map_id":    mapID,
		"status":    status,
		"data":      data,
		"timestamp": p.now().UTC().Format(time.RFC3339Nano),
	}
	// best effort: a lost callback never fails the job
	if err := p.callbacks.Notify(ctx, callbackURL, payload); err != nil {
		p.log.Warn("callback_failed", zap.String("map_id", mapID), zap.Error(err))
	}
}
