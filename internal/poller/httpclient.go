package poller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// Doer is the retrying transport.
type Doer interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// HTTPClient reads and resets items through the tracker API.
type HTTPClient struct {
	doer    Doer
	baseURL string
	apiKey  string
}

// NewHTTPClient points a Source at a running tracker.
func NewHTTPClient(doer Doer, baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{doer: doer, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

// Get fetches one item.
func (c *HTTPClient) Get(ctx context.Context, id string) (tracker.TrackedItem, error) {
	return c.call(ctx, "get_item", http.MethodGet, "/v1/items/"+url.PathEscape(id))
}

// Reset asks the server to return a stale in-flight item to pending.
func (c *HTTPClient) Reset(ctx context.Context, id string) (tracker.TrackedItem, error) {
	return c.call(ctx, "reset_item", http.MethodPost, "/v1/items/"+url.PathEscape(id)+"/reset")
}

func (c *HTTPClient) call(ctx context.Context, name, method, path string) (tracker.TrackedItem, error) {
	req := httpclient.Request{Name: name, Method: method, URL: c.baseURL + path, Header: http.Header{}}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		var status *httpclient.StatusError
		if errors.As(err, &status) {
			switch status.StatusCode {
			case http.StatusNotFound:
				return tracker.TrackedItem{}, fmt.Errorf("%s: %w", name, tracker.ErrNotFound)
			case http.StatusConflict:
				return tracker.TrackedItem{}, fmt.Errorf("%s: %w", name, tracker.ErrPreconditionFailed)
			}
		}
		return tracker.TrackedItem{}, fmt.Errorf("%s: %w", name, err)
	}
	var item tracker.TrackedItem
	if err := resp.DecodeJSON(&item); err != nil {
		return tracker.TrackedItem{}, fmt.Errorf("%s: decode: %w", name, err)
	}
	return item, nil
}
