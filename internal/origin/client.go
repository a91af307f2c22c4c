// Package origin talks to the remote bundle origin: the line-oriented index
// resource and the raw bundle bytes next to it. It classifies failures into
// timeouts (origin unreachable within the bound) and transport errors
// (origin reachable but erroring) so callers can report a tri-state outcome.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"bundled/pkg/types"
)

// IndexFile is the well-known index resource relative to the bundle
// directory URL.
const IndexFile = "index.txt"

// Client fetches the remote index and raw bundle bytes.
type Client interface {
	// FetchIndex retrieves and parses the remote index. Malformed lines are
	// skipped; well-formed lines on either side still apply.
	FetchIndex(ctx context.Context) ([]types.RemoteEntry, error)
	// FetchBundle retrieves the raw bytes for one bundle.
	FetchBundle(ctx context.Context, name string) ([]byte, error)
}

// timeoutError marks an origin that could not be reached within the bound.
type timeoutError struct{ op string }

func (e timeoutError) Error() string { return "origin timeout: " + e.op }

// IsTimeout reports whether err indicates the origin did not answer in time.
func IsTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te)
}

// transportError marks a reachable origin that returned an error.
type transportError struct{ msg string }

func (e transportError) Error() string { return "origin error: " + e.msg }

// IsTransportError reports whether err indicates a reachable-but-erroring origin.
func IsTransportError(err error) bool {
	var te transportError
	return errors.As(err, &te)
}

// HTTPClient is the production Client over a retrying HTTP transport.
type HTTPClient struct {
	baseURL string
	http    *retryablehttp.Client
	log     zerolog.Logger
}

// Options tunes the HTTP client. Zero values pick defaults.
type Options struct {
	// RetryMax is the number of retries per request (default 2).
	RetryMax int
	// Timeout bounds each request end to end (default 10s).
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewHTTPClient builds a client rooted at the bundle directory URL.
func NewHTTPClient(baseURL string, opts Options) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin url must be absolute: %q", baseURL)
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if rc.RetryMax == 0 {
		rc.RetryMax = 2
	}
	rc.HTTPClient.Timeout = opts.Timeout
	if rc.HTTPClient.Timeout == 0 {
		rc.HTTPClient.Timeout = 10 * time.Second
	}
	rc.Logger = nil
	c := &HTTPClient{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    rc,
		log:     opts.Logger,
	}
	return c, nil
}

func (c *HTTPClient) FetchIndex(ctx context.Context) ([]types.RemoteEntry, error) {
	body, err := c.get(ctx, c.baseURL+"/"+IndexFile)
	if err != nil {
		return nil, err
	}
	return ParseIndex(body, c.log), nil
}

func (c *HTTPClient) FetchBundle(ctx context.Context, name string) ([]byte, error) {
	if !ValidName(name) {
		return nil, transportError{msg: "invalid bundle name: " + name}
	}
	return c.get(ctx, c.baseURL+"/"+url.PathEscape(name))
}

func (c *HTTPClient) get(ctx context.Context, u string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, transportError{msg: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, timeoutError{op: u}
		}
		return nil, transportError{msg: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transportError{msg: fmt.Sprintf("GET %s: %s", u, resp.Status)}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, timeoutError{op: u}
		}
		return nil, transportError{msg: err.Error()}
	}
	return b, nil
}

// isTimeout distinguishes deadline/timeout failures from other transport errors.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}
