// Package resolver looks up the cluster that serves an organization.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/transport"
)

// Placeholder is replaced by the organization id in Config.URLTemplate.
const Placeholder = "{organization}"

// DefaultURLTemplate is the production directory service.
const DefaultURLTemplate = "http://" + Placeholder + ".spatialkey.com/clusterlookup"

// XPath expressions for the lookup document.
const (
	clusterPath  = "/organization/cluster"
	protocolPath = "/organization/protocol"
)

// Config controls the directory lookup.
type Config struct {
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
}

// Resolver implements importer.Resolver with a colly collector.
type Resolver struct {
	cfg           Config
	transport     http.RoundTripper
	lookups       *lookupTransport
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ importer.Resolver = (*Resolver)(nil)

// Option customizes a Resolver.
type Option func(*Resolver)

// WithTransport shares rt with the other stages of a run.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Resolver) {
		r.transport = rt
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a Resolver.
func New(cfg Config, opts ...Option) *Resolver {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	r := &Resolver{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if r.transport == nil {
		r.transport = transport.NewHTTPTransport()
	}

	c := colly.NewCollector(colly.Async(false))
	// Clones share the visited store and every lookup must go out.
	c.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	// Clones share the backend, so the timeout and transport are set once here.
	c.SetRequestTimeout(timeout)
	r.lookups = &lookupTransport{next: r.transport}
	c.WithTransport(r.lookups)
	r.baseCollector = c
	return r
}

// LookupURL renders the directory URL for organizationID.
func (r *Resolver) LookupURL(organizationID string) string {
	return strings.ReplaceAll(r.cfg.URLTemplate, Placeholder, organizationID)
}

// Resolve fetches and parses the lookup document. Every failure wraps
// importer.ErrResolution; network faults also wrap importer.ErrTransport. Canceling
// ctx aborts the request in flight.
func (r *Resolver) Resolve(ctx context.Context, organizationID string) (importer.ClusterInfo, error) {
	if strings.TrimSpace(organizationID) == "" {
		return importer.ClusterInfo{}, fmt.Errorf("%w: organization id is empty", importer.ErrResolution)
	}
	lookupURL := r.LookupURL(organizationID)
	if err := ctx.Err(); err != nil {
		return importer.ClusterInfo{}, fmt.Errorf("%w: lookup %s canceled: %w", importer.ErrResolution, lookupURL, err)
	}

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lookupID := r.lookups.register(lookupCtx)
	defer r.lookups.forget(lookupID)

	var (
		status   int
		body     []byte
		fetchErr error
	)
	collector := r.buildCollector(lookupID, &status, &body, &fetchErr)

	if err := r.runCollector(ctx, collector, lookupURL, &status, &fetchErr); err != nil {
		return importer.ClusterInfo{}, err
	}

	cluster, err := parse(body)
	if err != nil {
		return importer.ClusterInfo{}, fmt.Errorf("%w: %s: %w", importer.ErrResolution, lookupURL, err)
	}
	r.logger.Debug("cluster resolved",
		zap.String("organization", organizationID),
		zap.String("host", cluster.Host),
		zap.String("scheme", cluster.Scheme),
	)
	return cluster, nil
}

func (r *Resolver) buildCollector(lookupID string, status *int, body *[]byte, fetchErr *error) *colly.Collector {
	collector := r.baseCollector.Clone()
	collector.OnRequest(func(req *colly.Request) {
		req.Headers.Set(lookupHeader, lookupID)
	})
	collector.OnResponse(func(resp *colly.Response) {
		*status = resp.StatusCode
		*body = append([]byte(nil), resp.Body...)
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			*status = resp.StatusCode
		}
		*fetchErr = err
	})
	return collector
}

func (r *Resolver) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	lookupURL string,
	status *int,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(lookupURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: lookup %s canceled: %w", importer.ErrResolution, lookupURL, ctx.Err())
	case err := <-done:
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("%w: lookup %s canceled: %w", importer.ErrResolution, lookupURL, ctx.Err())
		case *status != 0 && *status != http.StatusOK:
			return fmt.Errorf("%w: %s returned status %d", importer.ErrResolution, lookupURL, *status)
		case err != nil:
			return fmt.Errorf("%w: %w: lookup %s: %w", importer.ErrResolution, importer.ErrTransport, lookupURL, err)
		case *fetchErr != nil:
			return fmt.Errorf("%w: %w: lookup %s: %w", importer.ErrResolution, importer.ErrTransport, lookupURL, *fetchErr)
		case *status == 0:
			return fmt.Errorf("%w: %s produced no response", importer.ErrResolution, lookupURL)
		}
		return nil
	}
}

// lookupHeader tags collector requests so lookupTransport can find their Resolve call.
// It never leaves the process.
const lookupHeader = "X-Dataimport-Lookup"

// lookupTransport ties each collector request to the context of the Resolve call that
// issued it; colly builds its requests without one.
type lookupTransport struct {
	next  http.RoundTripper
	calls sync.Map
}

func (t *lookupTransport) register(ctx context.Context) string {
	id := uuid.NewString()
	t.calls.Store(id, ctx)
	return id
}

func (t *lookupTransport) forget(id string) {
	t.calls.Delete(id)
}

// RoundTrip implements http.RoundTripper.
func (t *lookupTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := req.Header.Get(lookupHeader)
	if id == "" {
		return t.next.RoundTrip(req)
	}
	ctx, cancel := context.WithCancel(req.Context())
	if v, ok := t.calls.Load(id); ok {
		lookupCtx, _ := v.(context.Context)
		// Resolve cancels lookupCtx when it returns, which also releases ctx.
		context.AfterFunc(lookupCtx, cancel)
	} else {
		cancel()
	}
	out := req.Clone(ctx)
	out.Header.Del(lookupHeader)
	return t.next.RoundTrip(out)
}

// parse extracts the cluster host and protocol from the lookup document.
func parse(body []byte) (importer.ClusterInfo, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return importer.ClusterInfo{}, fmt.Errorf("malformed lookup document: %w", err)
	}
	cluster := xmlquery.FindOne(doc, clusterPath)
	if cluster == nil {
		return importer.ClusterInfo{}, fmt.Errorf("lookup document has no %s", clusterPath)
	}
	protocol := xmlquery.FindOne(doc, protocolPath)
	if protocol == nil {
		return importer.ClusterInfo{}, fmt.Errorf("lookup document has no %s", protocolPath)
	}
	info := importer.ClusterInfo{
		Host:   strings.TrimSpace(cluster.InnerText()),
		Scheme: strings.TrimSpace(protocol.InnerText()),
	}
	if err := info.Validate(); err != nil {
		return importer.ClusterInfo{}, err
	}
	return info, nil
}
