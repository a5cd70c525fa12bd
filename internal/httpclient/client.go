package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dorskfr/ratewatch/internal/market"
	"golang.org/x/time/rate"
)

const DefaultTimeout = 30 * time.Second

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError is returned by the JSON helpers for non 2xx answers.
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, body)
}

type Client struct {
	client      *http.Client
	rateLimiter *rate.Limiter
	timeout     time.Duration
	userAgent   string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithRateLimit spaces requests so that no more than one request is sent per interval,
// allowing bursts of burst requests.
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(cl *Client) { cl.rateLimiter = rate.NewLimiter(rate.Every(interval), burst) }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func New(opts ...Option) *Client {
	c := &Client{
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		userAgent: "ratewatch/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs one request bounded by the client timeout. Any HTTP status is returned as a
// Response; only transport failures produce an error, wrapping market.ErrTransport or
// market.ErrTimeout.
func (c *Client) Do(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) (*Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("error building request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			request.Header.Add(key, v)
		}
	}
	if request.Header.Get("User-Agent") == "" {
		request.Header.Set("User-Agent", c.userAgent)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return nil, classify(method, rawURL, err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, classify(method, rawURL, err)
	}
	return &Response{StatusCode: response.StatusCode, Header: response.Header, Body: data}, nil
}

func (c *Client) Get(ctx context.Context, rawURL string, query url.Values, header http.Header) (*Response, error) {
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + query.Encode()
	}
	return c.Do(ctx, http.MethodGet, rawURL, nil, header)
}

func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) (*Response, error) {
	header = cloneHeader(header)
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Do(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()), header)
}

func (c *Client) PostJSON(ctx context.Context, rawURL string, body any, header http.Header) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshalling request body: %w", err)
	}
	header = cloneHeader(header)
	header.Set("Content-Type", "application/json")
	return c.Do(ctx, http.MethodPost, rawURL, bytes.NewReader(data), header)
}

// GetJSON fetches rawURL and decodes a 2xx body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, v any) (*Response, error) {
	response, err := c.Get(ctx, rawURL, query, nil)
	if err != nil {
		return nil, err
	}
	if !response.OK() {
		return response, &StatusError{URL: rawURL, StatusCode: response.StatusCode, Body: response.Body}
	}
	if err := json.Unmarshal(response.Body, v); err != nil {
		return response, fmt.Errorf("error unmarshalling response from %s: %w", rawURL, err)
	}
	return response, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func classify(method, rawURL string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s %s: %w: %v", method, rawURL, market.ErrTimeout, err)
	}
	return fmt.Errorf("%s %s: %w: %v", method, rawURL, market.ErrTransport, err)
}
