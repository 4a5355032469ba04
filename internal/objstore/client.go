package objstore

import (
	"context"
	"fmt"
	"net/http"

	"resty.dev/v3"

	"github.com/reelsmith/reelsmith/internal/config"
)

// ObjectStore reads source materials and persists rendered artifacts.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// Client talks to an S3-compatible object gateway over HTTP.
type Client struct {
	baseURL string
	bucket  string
	client  *resty.Client
}

func NewClient(cfg config.StorageConfig) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &Client{baseURL: cfg.BaseURL, bucket: cfg.Bucket, client: client}
}

type putResponse struct {
	URL string `json:"url"`
}

func (c *Client) Put(ctx context.Context, name string, data []byte) (string, error) {
	var result putResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(data).
		SetHeader("Content-Type", "application/octet-stream").
		SetResult(&result).
		Put(fmt.Sprintf("/%s/%s", c.bucket, name))
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("put object %s: status %d", name, resp.StatusCode())
	}
	if result.URL != "" {
		return result.URL, nil
	}
	// Gateways that return an empty body store the object at the request path.
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.bucket, name), nil
}

func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", url, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("get object %s: not found", url)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get object %s: status %d", url, resp.StatusCode())
	}
	return resp.Bytes(), nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

var _ ObjectStore = (*Client)(nil)
