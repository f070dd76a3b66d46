package handler

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CallbackClient posts completion/failure notifications back to the
// API. Delivery failures are the caller's to classify: map-processing
// callbacks are best-effort, notification jobs treat them as job
// failures.
type CallbackClient struct {
	http *resty.Client
	log  *zap.Logger
}

func NewCallbackClient(token string, log *zap.Logger) *CallbackClient {
	c := resty.New().SetTimeout(10 * time.Second)
	if token != "" {
		c.SetAuthToken(token)
	}
	return &CallbackClient{http: c, log: log}
}

// Notify POSTs payload to url and returns whether delivery succeeded.
func (c *CallbackClient) Notify(ctx context.Context, url string, payload map[string]any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return errors.Wrapf(err, "post callback %s", url)
	}
	if resp.IsError() {
		return errors.Errorf("callback %s rejected: %s", url, resp.Status())
	}
	return nil
}
