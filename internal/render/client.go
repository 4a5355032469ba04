package render

import (
	"context"
	"fmt"
	"net/http"

	"resty.dev/v3"

	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// RenderedVideo is the result returned by the render engine for one job.
type RenderedVideo struct {
	URL         string `json:"url"`
	DurationSec int    `json:"duration_sec"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Error is a render-engine failure. The engine tells us whether the
// failure is worth retrying (encoder crash) or not (rejected script).
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("render engine: %s (status %d)", e.Message, e.StatusCode)
}

// Engine submits scripts to the video render engine and waits for the result.
type Engine interface {
	Render(ctx context.Context, script, style string, refs []models.MediaRef) (RenderedVideo, error)
}

// Client talks to the render engine over HTTP.
type Client struct {
	client *resty.Client
}

func NewClient(cfg config.RenderConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey)
	return &Client{client: client}
}

type renderRequest struct {
	Script    string            `json:"script"`
	Style     string            `json:"style"`
	MediaRefs []models.MediaRef `json:"media_refs"`
}

type renderErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (c *Client) Render(ctx context.Context, script, style string, refs []models.MediaRef) (RenderedVideo, error) {
	var result RenderedVideo
	var apiErr renderErrorResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(renderRequest{Script: script, Style: style, MediaRefs: refs}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/v1/render")
	if err != nil {
		return RenderedVideo{}, &Error{Message: err.Error(), Retryable: true}
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		if result.URL == "" {
			return RenderedVideo{}, &Error{
				StatusCode: resp.StatusCode(),
				Message:    "empty video URL in response",
				Retryable:  true,
			}
		}
		return result, nil
	case resp.StatusCode() >= 500:
		return RenderedVideo{}, &Error{
			StatusCode: resp.StatusCode(),
			Message:    messageOf(apiErr, resp),
			Retryable:  true,
		}
	default:
		return RenderedVideo{}, &Error{
			StatusCode: resp.StatusCode(),
			Message:    messageOf(apiErr, resp),
			Retryable:  apiErr.Retryable,
		}
	}
}

func messageOf(apiErr renderErrorResponse, resp *resty.Response) string {
	if apiErr.Error != "" {
		return apiErr.Error
	}
	return resp.Status()
}

func (c *Client) Close() error {
	return c.client.Close()
}

var _ Engine = (*Client)(nil)
