// Package submit uploads import archives on an open session.
package submit

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/transport"
)

// DefaultImportPath is the upload endpoint on the resolved cluster.
const DefaultImportPath = "/SpatialKeyFramework/dataImportAPI"

// Config locates the upload endpoint.
type Config struct {
	ImportPath string
	// UploadURL, when set, replaces scheme+host+ImportPath for uploads. Query parameters
	// are appended to it.
	UploadURL string
}

// Doer sends transport requests.
type Doer interface {
	Do(ctx context.Context, req transport.Request) (transport.Response, error)
}

// Submitter implements importer.Submitter.
type Submitter struct {
	cfg    Config
	client Doer
	clock  importer.Clock
	logger *zap.Logger
}

var _ importer.Submitter = (*Submitter)(nil)

// New builds a Submitter. clock seeds multipart boundaries.
func New(cfg Config, client Doer, clock importer.Clock, logger *zap.Logger) *Submitter {
	if cfg.ImportPath == "" {
		cfg.ImportPath = DefaultImportPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{cfg: cfg, client: client, clock: clock, logger: logger}
}

// UploadURL builds the upload address with the import options as parameters.
func (s *Submitter) UploadURL(session importer.Session, opts importer.Options) string {
	base := s.cfg.UploadURL
	if base == "" {
		base = session.Cluster.BaseURL() + s.cfg.ImportPath
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + transport.Query(
		"action", string(opts.Action),
		"runAsBackground", strconv.FormatBool(opts.RunInBackground),
		"notifyByEmail", strconv.FormatBool(opts.NotifyByEmail),
		"addAllUsers", strconv.FormatBool(opts.ShareWithAllUsers),
	)
}

// Submit posts the archive as a single multipart file part, with the session token as a
// cookie. A status other than 200 returns *importer.UploadError holding the response
// body unchanged. Nothing is retried.
func (s *Submitter) Submit(
	ctx context.Context,
	session importer.Session,
	archive importer.ArchiveHandle,
	opts importer.Options,
) (importer.Response, error) {
	if !opts.Action.Valid() {
		return importer.Response{}, fmt.Errorf("%w: unknown action %q", importer.ErrInvalidRequest, opts.Action)
	}
	if session.Token == "" {
		return importer.Response{}, fmt.Errorf("%w: no session token", importer.ErrAuthentication)
	}

	// #nosec G304 -- archive path was produced by the archiver.
	f, err := os.Open(archive.Path)
	if err != nil {
		return importer.Response{}, fmt.Errorf("%w: open archive: %w", importer.ErrIO, err)
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return importer.Response{}, fmt.Errorf("%w: stat archive: %w", importer.ErrIO, err)
	}

	boundary := Boundary(s.clock.Now())
	payload, length := body(boundary, filepath.Base(archive.Path), f, info.Size())
	uploadURL := s.UploadURL(session, opts)
	req := transport.Post(uploadURL, payload, length).
		WithHeader("Content-Type", ContentType(boundary)).
		WithCookie(&http.Cookie{Name: session.CookieName, Value: session.Token})

	s.logger.Info("uploading archive",
		zap.String("url", uploadURL),
		zap.Int64("bytes", length),
	)
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return importer.Response{}, err
	}
	if resp.Truncated {
		s.logger.Warn("upload response truncated",
			zap.Int("status_code", resp.StatusCode),
			zap.Int("kept_bytes", len(resp.Body)),
		)
	}
	if !resp.OK() {
		return importer.Response{}, &importer.UploadError{
			StatusCode: resp.StatusCode,
			Body:       string(resp.Body),
			Truncated:  resp.Truncated,
		}
	}
	return importer.Response{StatusCode: resp.StatusCode, Body: string(resp.Body), Truncated: resp.Truncated}, nil
}
