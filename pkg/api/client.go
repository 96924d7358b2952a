// Package api provides the HTTP transport for the ISMR query tool API:
// parameterized GET requests against the metadata endpoint and streamed GETs
// for file bodies. The client surfaces status codes and bodies to callers
// and never retries; retry policy lives in the downloader.
package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

// Client issues requests against the ISMR API.
type Client struct {
	config *Config
	// client serves metadata requests with an end-to-end timeout
	client *http.Client
	// streamClient serves file-body downloads; it only bounds the wait for
	// response headers so large bodies are not cut off mid-stream
	streamClient *http.Client
	logger       *logrus.Logger
}

// NewClient creates a new API client from a validated config.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		config.Logger.Warn("TLS certificate verification disabled")
	}

	streamTransport := transport.Clone()
	streamTransport.ResponseHeaderTimeout = config.DownloadTimeout

	return &Client{
		config: config,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		streamClient: &http.Client{
			Transport: streamTransport,
		},
		logger: config.Logger,
	}, nil
}

// GetMetadata issues a GET against the download-metadata endpoint with the
// given query parameters and headers. The caller owns the response body.
func (c *Client) GetMetadata(ctx context.Context, params url.Values, headers map[string]string) (*http.Response, error) {
	return c.get(ctx, c.client, c.config.DownloadURL(), params, headers)
}

// Stream issues a GET against an absolute URL (typically a temporary file
// URL from the metadata response) without an overall deadline, suitable for
// large streamed bodies. The caller owns the response body.
func (c *Client) Stream(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	return c.get(ctx, c.streamClient, rawURL, nil, headers)
}

func (c *Client) get(ctx context.Context, client *http.Client, rawURL string, params url.Values, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	if len(params) > 0 {
		q := req.URL.Query()
		for key, values := range params {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	c.logger.WithFields(logrus.Fields{
		"url":    req.URL.Redacted(),
		"method": req.Method,
	}).Debug("Sending HTTP request")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"url":         req.URL.Redacted(),
		"status_code": resp.StatusCode,
	}).Debug("Received HTTP response")

	return resp, nil
}
