// Package extract defines the vision-extraction collaborator: given an
// image of a fiber construction map, it returns structured data or an
// error classified as transient or permanent.
package extract

import (
	"context"
	"errors"
	"fmt"
)

// Extractor is the external vision service, consumed as an opaque
// capability. ExtractPages handles multi-page documents (PDFs); the
// service splits pages and returns one result per page.
type Extractor interface {
	Extract(ctx context.Context, image []byte, mediaType string) (*Result, error)
	ExtractPages(ctx context.Context, doc []byte, mediaType string, maxPages int) ([]*Result, error)
}

// TransientError marks failures worth retrying: rate limits, timeouts,
// upstream overload. Anything else fails fast.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient extraction failure (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient extraction failure (%s)", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Result is the structured output of one extraction call.
type Result struct {
	Header    Header      `json:"header"`
	Cables    []Cable     `json:"cables"`
	Spans     []Span      `json:"spans"`
	Equipment []Equipment `json:"equipment"`
	GPSPoints []GPSPoint  `json:"gps_points"`
	Poles     []Pole      `json:"poles"`

	// PageNumber is set when the result came from one page of a
	// multi-page document.
	PageNumber int `json:"page_number,omitempty"`
}

type Header struct {
	ProjectID  string `json:"project_id"`
	Location   string `json:"location"`
	FSA        string `json:"fsa"`
	PageNumber string `json:"page_number"`
	Contractor string `json:"contractor"`
	Confidence int    `json:"confidence"`
}

type Cable struct {
	ID         string `json:"id"`
	CableType  string `json:"cable_type"`
	FiberCount int    `json:"fiber_count"`
	Category   string `json:"category"`
	Confidence int    `json:"confidence"`
}

type Span struct {
	LengthFt   float64 `json:"length_ft"`
	StartPole  string  `json:"start_pole"`
	EndPole    string  `json:"end_pole"`
	GridRef    string  `json:"grid_ref"`
	IsLongSpan bool    `json:"is_long_span"`
	Confidence int     `json:"confidence"`
}

type Equipment struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	SubType     string   `json:"sub_type"`
	Size        string   `json:"size"`
	SlackLength *float64 `json:"slack_length"`
	Dimensions  string   `json:"dimensions"`
	GPSLat      *float64 `json:"gps_lat"`
	GPSLng      *float64 `json:"gps_lng"`
	Confidence  int      `json:"confidence"`
}

type GPSPoint struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Label      string  `json:"label"`
	Confidence int     `json:"confidence"`
}

type Pole struct {
	PoleID           string `json:"pole_id"`
	AttachmentHeight string `json:"attachment_height"`
	HasAnchor        bool   `json:"has_anchor"`
	GridRef          string `json:"grid_ref"`
	Confidence       int    `json:"confidence"`
}

// Consolidate merges per-page results of a multi-page document into a
// single result, keeping the first non-empty header.
func Consolidate(pages []*Result) *Result {
	out := &Result{}
	for _, p := range pages {
		if p == nil {
			continue
		}
		if out.Header == (Header{}) {
			out.Header = p.Header
		}
		out.Cables = append(out.Cables, p.Cables...)
		out.Spans = append(out.Spans, p.Spans...)
		out.Equipment = append(out.Equipment, p.Equipment...)
		out.GPSPoints = append(out.GPSPoints, p.GPSPoints...)
		out.Poles = append(out.Poles, p.Poles...)
	}
	return out
}
