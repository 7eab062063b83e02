package client

import (
	"net/http"

	"go.uber.org/zap"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a custom logger for the client.
// If not provided, a no-op logger will be used.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.Named("taskClient").With(zap.String("baseURL", c.baseURL))
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
// If not provided, http.DefaultClient will be used.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithHeader adds a header to every request the client sends, including the
// event stream subscription.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithAPIKey sets the bearer token used to authenticate against the task API.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.headers["Authorization"] = "Bearer " + key
		}
	}
}
