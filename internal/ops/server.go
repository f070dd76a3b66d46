// Package ops exposes the worker's observability and recovery surface:
// health, queue depths, job status, dead letters, breaker stats, and a
// manual reprocess hook. Auth is a deployment concern (fronting proxy).
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/you/fibermap/internal/breaker"
	"github.com/you/fibermap/internal/queue"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	publisher *queue.Publisher
	store     queue.Store
	db        Pinger
	breakers  *breaker.Registry
	consumer  *queue.Consumer
	log       *zap.Logger
}

func NewServer(pub *queue.Publisher, store queue.Store, db Pinger, breakers *breaker.Registry, consumer *queue.Consumer, log *zap.Logger) *Server {
	return &Server{
		publisher: pub,
		store:     store,
		db:        db,
		breakers:  breakers,
		consumer:  consumer,
		log:       log,
	}
}

func (s *Server) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Get("/healthz", s.handleHealth)
	rtr.Get("/v1/queues/stats", s.handleQueueStats)
	rtr.Get("/v1/jobs/{id}/status", s.handleJobStatus)
	rtr.Get("/v1/dlq/{queue}", s.handleDeadLetters)
	rtr.Get("/v1/breakers", s.handleBreakers)
	rtr.Post("/v1/maps/{id}/reprocess", s.handleReprocess)
	return rtr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	health := map[string]string{"redis": "ok", "postgres": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		health["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.db.Ping(ctx); err != nil {
		health["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queues":    s.publisher.QueueStats(r.Context()),
		"in_flight": s.consumer.InFlight(),
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.publisher.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job id"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.store.DeadLetters(r.Context(), chi.URLParam(r, "queue"), 100)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls, "count": len(dls)})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.StatsAll())
}

type reprocessRequest struct {
	StorageKey    string `json:"storage_key"`
	Reason        string `json:"reason"`
	RequestedByID string `json:"requested_by_id"`
}

// handleReprocess is the manual recovery hook for dead-lettered maps:
// it enqueues a fresh map_reprocess job.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	jobID, err := s.publisher.EnqueueMapReprocess(r.Context(), queue.MapReprocessPayload{
		MapID:         chi.URLParam(r, "id"),
		StorageKey:    req.StorageKey,
		Reason:        req.Reason,
		RequestedByID: req.RequestedByID,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if jobID == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable, processing deferred"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
