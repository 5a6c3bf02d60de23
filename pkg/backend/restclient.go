package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/log"
)

const (
	// DefaultCallTimeout bounds a single adapter call end to end
	DefaultCallTimeout = 30 * time.Second

	// CreateCallTimeout bounds instance creation, the slowest call
	CreateCallTimeout = 2 * time.Minute

	retryWaitMin = 2 * time.Second
	retryWaitMax = 60 * time.Second
	retryMax     = 5
)

// RESTClient is the shared HTTP layer under the REST adapters. 429 and 5xx
// responses are retried with jittered exponential backoff inside the call;
// when the backoff budget exceeds the deadline the context expires and the
// handler retries on the next tick.
type RESTClient struct {
	kind    string
	baseURL string
	http    *retryablehttp.Client
	headers map[string]string
}

// NewRESTClient creates a client rooted at baseURL. Extra headers (auth) are
// attached to every request.
func NewRESTClient(kind, baseURL string, headers map[string]string) *RESTClient {
	c := retryablehttp.NewClient()
	c.RetryWaitMin = retryWaitMin
	c.RetryWaitMax = retryWaitMax
	c.RetryMax = retryMax
	c.Logger = nil
	c.HTTPClient.Timeout = DefaultCallTimeout

	logger := log.WithComponent("backend-" + kind)
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug().Str("url", req.URL.Path).Int("attempt", attempt).Msg("retrying request")
		}
	}

	return &RESTClient{
		kind:    kind,
		baseURL: baseURL,
		http:    c,
		headers: headers,
	}
}

// Do issues a request with a JSON body (may be nil) and decodes the JSON
// response into out (may be nil). Non-2xx responses map to the error
// taxonomy: 404 → ErrNotFound, anything else → BackendError.
func (c *RESTClient) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return NewBackendError(c.kind, "request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "%s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewBackendError(c.kind, "%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewBackendError(c.kind, "decode %s %s response: %v", method, path, err)
		}
	}
	return nil
}
