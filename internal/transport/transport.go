// Package transport issues HTTP requests over a shared round tripper. Requests carry their
// cookies and headers explicitly; the client holds no jar and no per-call state.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/dataimport/internal/importer"
)

// DefaultMaxBodyBytes caps how much of a response body is read into memory.
const DefaultMaxBodyBytes int64 = 10 << 20

// RedactedValue replaces sensitive query values in logs and errors.
const RedactedValue = "XXX"

// Config controls client behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Client executes Requests. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// Request describes one outbound call. Sensitive names query parameters whose values
// must not appear in errors.
type Request struct {
	Method        string
	URL           string
	Header        http.Header
	Cookies       []*http.Cookie
	Body          io.Reader
	ContentLength int64
	Sensitive     []string
}

// Response is a read HTTP response. Body holds at most Config.MaxBodyBytes; Truncated
// reports that the service sent more.
type Response struct {
	StatusCode int
	Header     http.Header
	Cookies    []*http.Cookie
	Body       []byte
	Truncated  bool
}

// New builds a Client over rt. A nil rt gets a fresh pooled transport.
func New(cfg Config, rt http.RoundTripper) *Client {
	if rt == nil {
		rt = NewHTTPTransport()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: rt,
			Timeout:   cfg.Timeout,
		},
	}
}

// Get starts a GET request.
func Get(rawURL string) Request {
	return Request{Method: http.MethodGet, URL: rawURL}
}

// Post starts a POST request with a body of known length.
func Post(rawURL string, body io.Reader, length int64) Request {
	return Request{Method: http.MethodPost, URL: rawURL, Body: body, ContentLength: length}
}

// WithHeader returns a copy of r with the header value added.
func (r Request) WithHeader(key, value string) Request {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Add(key, value)
	r.Header = h
	return r
}

// WithCookie returns a copy of r carrying c.
func (r Request) WithCookie(c *http.Cookie) Request {
	r.Cookies = append(append([]*http.Cookie(nil), r.Cookies...), c)
	return r
}

// WithSensitive returns a copy of r with extra query parameter names marked sensitive.
func (r Request) WithSensitive(names ...string) Request {
	r.Sensitive = append(append([]string(nil), r.Sensitive...), names...)
	return r
}

// RedactedURL is the request URL with sensitive values masked.
func (r Request) RedactedURL() string {
	return Redact(r.URL, r.Sensitive...)
}

// Do sends req and reads the whole response body. Network faults wrap
// importer.ErrTransport; non-2xx statuses are not errors.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, c.transportError(req, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return Response{}, c.transportError(req, fmt.Errorf("read body: %w", err))
	}
	truncated := int64(len(body)) > c.cfg.MaxBodyBytes
	if truncated {
		body = body[:c.cfg.MaxBodyBytes]
	}

	return Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Cookies:    resp.Cookies(),
		Body:       body,
		Truncated:  truncated,
	}, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, req.RedactedURL(), unwrapURLError(err))
	}
	if req.Body != nil {
		httpReq.ContentLength = req.ContentLength
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.cfg.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for _, cookie := range req.Cookies {
		httpReq.AddCookie(cookie)
	}
	return httpReq, nil
}

func (c *Client) transportError(req Request, err error) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return fmt.Errorf("%w: %s %s: %w", importer.ErrTransport, method, req.RedactedURL(), unwrapURLError(err))
}

// unwrapURLError drops the *url.Error layer, whose message repeats the raw URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// Cookie returns the first response cookie with the given name.
func (r Response) Cookie(name string) (*http.Cookie, bool) {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// OK reports a 200 status.
func (r Response) OK() bool {
	return r.StatusCode == http.StatusOK
}

// Redact masks the values of the named query parameters, keeping parameter order and
// all other bytes of rawURL untouched.
func Redact(rawURL string, names ...string) string {
	if len(names) == 0 {
		return rawURL
	}
	base, query, found := strings.Cut(rawURL, "?")
	if !found {
		return rawURL
	}
	query, fragment, hasFragment := strings.Cut(query, "#")
	pairs := strings.Split(query, "&")
	for i, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		for _, name := range names {
			if key == name {
				pairs[i] = key + "=" + RedactedValue
				break
			}
		}
	}
	out := base + "?" + strings.Join(pairs, "&")
	if hasFragment {
		out += "#" + fragment
	}
	return out
}

// Query builds an encoded query string in the order the pairs are given. Values are
// escaped with url.QueryEscape, so spaces become "+".
func Query(pairs ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(pairs[i]))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pairs[i+1]))
	}
	return b.String()
}

// NewHTTPTransport returns the pooled transport shared by every stage of a run.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
