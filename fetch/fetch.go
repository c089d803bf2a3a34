package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

var (
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("unexpected http status")
	// ErrDecode is returned when a response body is not the expected JSON.
	ErrDecode = errors.New("failed to decode response body")
)

// StatusError carries the status code of a failed response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

type Options struct {
	Timeout time.Duration
	// Dial overrides the connection dialer, mainly for in-memory test servers.
	Dial fasthttp.DialFunc
}

// Client is a thin JSON layer over fasthttp.
type Client struct {
	http    *fasthttp.Client
	timeout time.Duration
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		http: &fasthttp.Client{
			Name:                "wallet-notifier",
			Dial:                opts.Dial,
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         opts.Timeout,
			WriteTimeout:        opts.Timeout,
		},
		timeout: opts.Timeout,
	}
}

type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is encoded as JSON when non-nil.
	Body any
}

// Do performs req and decodes a 2xx JSON body into out (when out is non-nil).
// The returned status is 0 when no response was received.
func (c *Client) Do(ctx context.Context, req Request, out any) (int, error) {
	r := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(r)
	defer fasthttp.ReleaseResponse(resp)

	method := req.Method
	if method == "" {
		method = fasthttp.MethodGet
	}
	r.Header.SetMethod(method)
	r.SetRequestURI(req.URL)
	r.Header.Set(fasthttp.HeaderAccept, "application/json")
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}
	if req.Body != nil {
		body, err := json.Marshal(req.Body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		r.Header.SetContentType("application/json")
		r.SetBodyRaw(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.http.DoDeadline(r, resp, deadline); err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}

	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		body := resp.Body()
		if len(body) > 256 {
			body = body[:256]
		}
		return code, &StatusError{Code: code, Body: string(body)}
	}
	if out == nil {
		return code, nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return code, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return code, nil
}

// Get is a shorthand for a GET request decoding into out.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string, out any) (int, error) {
	return c.Do(ctx, Request{URL: url, Headers: headers}, out)
}
