package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/fibermap/internal/extract"
)

// Store persists extraction results and downstream records. The
// relational schema is the source of truth for map state; the queue
// only tracks transient job status.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// MarkMapProcessing flags a map as being worked on.
func (s *Store) MarkMapProcessing(ctx context.Context, mapID string) error {
	tag, err := s.db.Exec(ctx,
		`update maps set status = 'processing', updated_at = now() where id = $1`, mapID)
	if err != nil {
		return errors.Wrapf(err, "mark map %s processing", mapID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("map not found: %s", mapID)
	}
	return nil
}

// MarkMapFailed records a terminal processing failure on the map row.
func (s *Store) MarkMapFailed(ctx context.Context, mapID, errMsg string, processingTime time.Duration) error {
	_, err := s.db.Exec(ctx,
		`update maps
		    set status = 'failed',
		        error_message = $2,
		        processing_time_ms = $3,
		        processing_completed_at = now(),
		        updated_at = now()
		  where id = $1`,
		mapID, errMsg, processingTime.Milliseconds())
	return errors.Wrapf(err, "mark map %s failed", mapID)
}

// SaveExtraction stores the extraction result: header fields and totals
// on the map row plus one row per span, equipment and GPS point, all in
// a single transaction.
func (s *Store) SaveExtraction(ctx context.Context, mapID string, res *extract.Result, processingTime time.Duration) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "marshal extraction")
	}
	totals, err := json.Marshal(computeTotals(res))
	if err != nil {
		return errors.Wrap(err, "marshal totals")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`update maps
		    set status = 'completed',
		        raw_extraction = $2,
		        project_id = $3,
		        location = $4,
		        fsa = $5,
		        contractor = $6,
		        overall_confidence = $7,
		        totals = $8,
		        processing_time_ms = $9,
		        processing_completed_at = now(),
		        error_message = null,
		        updated_at = now()
		  where id = $1`,
		mapID, raw,
		res.Header.ProjectID, res.Header.Location, res.Header.FSA,
		res.Header.Contractor, res.Header.Confidence,
		totals, processingTime.Milliseconds())
	if err != nil {
		return errors.Wrapf(err, "update map %s", mapID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("map not found: %s", mapID)
	}

	// replace prior extraction rows on reprocess
	for _, table := range []string{"spans", "equipment", "gps_points"} {
		if _, err := tx.Exec(ctx, `delete from `+table+` where map_id = $1`, mapID); err != nil {
			return errors.Wrapf(err, "clear %s", table)
		}
	}

	for _, sp := range res.Spans {
		if _, err := tx.Exec(ctx,
			`insert into spans(id, map_id, length_ft, start_pole, end_pole, grid_ref, is_long_span, confidence)
			 values ($1,$2,$3,$4,$5,$6,$7,$8)`,
			uuid.NewString(), mapID, sp.LengthFt, sp.StartPole, sp.EndPole,
			sp.GridRef, sp.IsLongSpan, sp.Confidence); err != nil {
			return errors.Wrap(err, "insert span")
		}
	}
	for _, eq := range res.Equipment {
		if _, err := tx.Exec(ctx,
			`insert into equipment(id, map_id, equipment_id, equipment_type, sub_type, size, slack_length, dimensions, lat, lng, confidence)
			 values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			uuid.NewString(), mapID, eq.ID, eq.Type, eq.SubType, eq.Size,
			eq.SlackLength, eq.Dimensions, eq.GPSLat, eq.GPSLng, eq.Confidence); err != nil {
			return errors.Wrap(err, "insert equipment")
		}
	}
	for _, gp := range res.GPSPoints {
		if _, err := tx.Exec(ctx,
			`insert into gps_points(id, map_id, lat, lng, label, confidence)
			 values ($1,$2,$3,$4,$5,$6)`,
			uuid.NewString(), mapID, gp.Lat, gp.Lng, gp.Label, gp.Confidence); err != nil {
			return errors.Wrap(err, "insert gps point")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit extraction")
}

// Totals summarizes an extraction for the map row and for work orders.
type Totals struct {
	TotalCableFt  float64 `json:"total_cable_ft"`
	TotalAerialFt float64 `json:"total_aerial_ft"`
	SpanCount     int     `json:"span_count"`
	HubCount      int     `json:"hub_count"`
	SpliceCount   int     `json:"splice_count"`
	SlackloopCnt  int     `json:"slackloop_count"`
	PedestalCount int     `json:"pedestal_count"`
	AnchorCount   int     `json:"anchor_count"`
}

func computeTotals(res *extract.Result) Totals {
	var t Totals
	for _, sp := range res.Spans {
		t.TotalCableFt += sp.LengthFt
		t.TotalAerialFt += sp.LengthFt
	}
	t.SpanCount = len(res.Spans)
	for _, eq := range res.Equipment {
		switch eq.Type {
		case "HUB":
			t.HubCount++
		case "SPLICE":
			t.SpliceCount++
		case "SLACKLOOP":
			t.SlackloopCnt++
		case "PEDESTAL":
			t.PedestalCount++
		case "ANCHOR":
			t.AnchorCount++
		}
	}
	return t
}

type WorkOrderParams struct {
	MapID        string
	AssignedToID string
	AutoPublish  bool
}

// InsertWorkOrder creates a work order from a completed map and returns
// its id. Fails when the map has not completed processing.
func (s *Store) InsertWorkOrder(ctx context.Context, p WorkOrderParams) (string, error) {
	var status string
	var totals []byte
	err := s.db.QueryRow(ctx,
		`select status, coalesce(totals, '{}'::jsonb) from maps where id = $1`,
		p.MapID).Scan(&status, &totals)
	if err != nil {
		return "", errors.Wrapf(err, "load map %s", p.MapID)
	}
	if status != "completed" {
		return "", errors.Errorf("map %s not processed (status %s)", p.MapID, status)
	}

	id := uuid.NewString()
	woStatus := "draft"
	if p.AutoPublish {
		woStatus = "published"
	}
	var assigned *string
	if p.AssignedToID != "" {
		assigned = &p.AssignedToID
	}
	_, err = s.db.Exec(ctx,
		`insert into work_orders(id, map_id, assigned_to_id, status, totals)
		 values ($1,$2,$3,$4,$5)`,
		id, p.MapID, assigned, woStatus, totals)
	if err != nil {
		return "", errors.Wrap(err, "insert work order")
	}
	return id, nil
}

// InsertNotification records a delivered (or attempted) notification.
func (s *Store) InsertNotification(ctx context.Context, userID, notifType string, payload map[string]any, delivered bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal notification payload")
	}
	_, err = s.db.Exec(ctx,
		`insert into notifications(id, user_id, notification_type, payload, delivered)
		 values ($1,$2,$3,$4,$5)`,
		uuid.NewString(), userID, notifType, raw, delivered)
	return errors.Wrap(err, "insert notification")
}
