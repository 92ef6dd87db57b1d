// Package pipelineclient is the bounded-timeout JSON HTTP client the
// deployment automaton uses to talk to a running pipeline's own control
// surface (/stats, /start, /pause). It has no retry logic of its own: the
// automaton's cycle-and-poll structure is the retry loop.
package pipelineclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the hard per-call cap; there is no retry at this layer.
const DefaultTimeout = 5 * time.Second

// Client issues bounded-timeout JSON GET requests against a pipeline's
// deployment_location.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	signingKey []byte
}

// New returns a Client with the given hard per-request timeout. A zero
// timeout defaults to DefaultTimeout. Requests carry no Authorization
// header; use NewAuthenticated for executor backends whose control surface
// requires one.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// NewAuthenticated returns a Client that signs a short-lived bearer token
// with signingKey and attaches it to every request, for executor backends
// (Kubernetes, Docker) that publish an authenticated control surface rather
// than trusting network placement alone.
func NewAuthenticated(timeout time.Duration, signingKey []byte) *Client {
	c := New(timeout)
	c.signingKey = signingKey
	return c
}

// Response is the result of one request_json call: the HTTP status and the
// decoded JSON body. A non-2xx status is not an error here — only a failed
// connection or a body that fails to parse as JSON is.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// RequestJSON performs a GET against location+endpoint with a hard timeout,
// decoding the response body as JSON regardless of status code. It returns
// an error only if the connection failed or the body was not valid JSON;
// an HTTP error status is a successful call, with the status carried in
// Response.StatusCode for the caller to branch on.
func (c *Client) RequestJSON(ctx context.Context, location, endpoint string) (Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := location + endpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	if c.signingKey != nil {
		token, err := signControlSurfaceToken(c.signingKey)
		if err != nil {
			return Response{}, fmt.Errorf("sign control-surface token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	if len(body) == 0 {
		// /start and /pause return an empty 2xx body on success; treat an
		// empty body as the JSON null value so callers can decode
		// uniformly without special-casing zero length.
		body = []byte("null")
	}

	if !json.Valid(body) {
		return Response{}, fmt.Errorf("response from %s is not valid JSON", url)
	}

	return Response{StatusCode: resp.StatusCode, Body: json.RawMessage(body)}, nil
}

// Stats calls GET /stats.
func (c *Client) Stats(ctx context.Context, location string) (Response, error) {
	return c.RequestJSON(ctx, location, "/stats")
}

// Start calls GET /start.
func (c *Client) Start(ctx context.Context, location string) (Response, error) {
	return c.RequestJSON(ctx, location, "/start")
}

// Pause calls GET /pause.
func (c *Client) Pause(ctx context.Context, location string) (Response, error) {
	return c.RequestJSON(ctx, location, "/pause")
}
