package extract

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client calls the vision-extraction HTTP service. The prompt and
// response contract live server-side; this client only ships images and
// decodes results.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(120 * time.Second)
	return &Client{http: c, log: log}
}

type extractRequest struct {
	Image     string `json:"image"`
	MediaType string `json:"media_type"`
	MaxPages  int    `json:"max_pages,omitempty"`
}

func (c *Client) Extract(ctx context.Context, image []byte, mediaType string) (*Result, error) {
	var out Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(extractRequest{
			Image:     base64.StdEncoding.EncodeToString(image),
			MediaType: mediaType,
		}).
		SetResult(&out).
		Post("/v1/extract")
	if err := c.classify(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ExtractPages(ctx context.Context, doc []byte, mediaType string, maxPages int) ([]*Result, error) {
	var out struct {
		Pages []*Result `json:"pages"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(extractRequest{
			Image:     base64.StdEncoding.EncodeToString(doc),
			MediaType: mediaType,
			MaxPages:  maxPages,
		}).
		SetResult(&out).
		Post("/v1/extract/pages")
	if err := c.classify(resp, err); err != nil {
		return nil, err
	}
	return out.Pages, nil
}

func (c *Client) classify(resp *resty.Response, err error) error {
	if err != nil {
		// transport failures (timeouts, resets) are worth retrying
		return &TransientError{Reason: "transport", Err: err}
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() == http.StatusTooManyRequests,
		resp.StatusCode() == http.StatusRequestTimeout,
		resp.StatusCode() >= 500:
		c.log.Warn("extractor_transient_error",
			zap.Int("status", resp.StatusCode()))
		return &TransientError{Reason: http.StatusText(resp.StatusCode())}
	default:
		return errors.Errorf("extraction rejected: %s: %s", resp.Status(), resp.String())
	}
}
