package labsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/xerrors"

	"github.com/labforge/labforge/labd/httpapi"
	"github.com/labforge/labforge/labd/httpmw"
)

// New creates a labd client for the provided URL.
func New(serverURL *url.URL) *Client {
	return &Client{
		URL:        serverURL,
		HTTPClient: &http.Client{},
	}
}

// Client is an HTTP caller for methods to the labd API.
type Client struct {
	HTTPClient *http.Client
	URL        *url.URL

	// InternalSecret authenticates internal-only routes such as
	// cleanup and deletion. Leave empty for public routes.
	InternalSecret string
}

// Request performs an HTTP request with the body provided.
// The body is JSON encoded.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	serverURL, err := c.URL.Parse(path)
	if err != nil {
		return nil, xerrors.Errorf("parse url: %w", err)
	}

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Errorf("marshal request body: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, serverURL.String(), buf)
	if err != nil {
		return nil, xerrors.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.InternalSecret != "" {
		req.Header.Set(httpmw.InternalSecretHeader, c.InternalSecret)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("do request: %w", err)
	}
	return resp, nil
}

// ReadBodyAsError reads the response as an httpapi.Response, and wraps
// it in an Error type for easy marshaling.
func ReadBodyAsError(res *http.Response) error {
	var response httpapi.Response
	err := json.NewDecoder(res.Body).Decode(&response)
	if err != nil {
		return xerrors.Errorf("decode body: %w", err)
	}
	return &Error{
		Response:   response,
		statusCode: res.StatusCode,
	}
}

// Error represents an unaccepted or invalid request to the API.
type Error struct {
	httpapi.Response

	statusCode int
}

func (e *Error) StatusCode() int {
	return e.statusCode
}

func (e *Error) Error() string {
	var builder bytes.Buffer
	_, _ = fmt.Fprintf(&builder, "status code %d: %s", e.statusCode, e.Message)
	for _, err := range e.Errors {
		_, _ = fmt.Fprintf(&builder, "\n\t%s: %s", err.Field, err.Detail)
	}
	return builder.String()
}

// AsError returns the Error from err if it wraps one.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	return apiErr, xerrors.As(err, &apiErr)
}
