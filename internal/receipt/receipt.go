// Package receipt records the outcome of each import as a JSON document in a blob
// store and announces it on a publisher.
package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/pipeline"
)

// ContentType of stored receipts.
const ContentType = "application/json"

// Receipt statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Receipt is the stored record of one run. It never carries the password.
type Receipt struct {
	RunID        string                  `json:"run_id"`
	Organization string                  `json:"organization"`
	UserName     string                  `json:"user_name"`
	Options      importer.Options        `json:"options"`
	Files        []string                `json:"files"`
	Cluster      importer.ClusterInfo    `json:"cluster"`
	ArchiveSize  int64                   `json:"archive_size"`
	Digest       string                  `json:"digest,omitempty"`
	Entries      []importer.ArchiveEntry `json:"entries,omitempty"`
	Status       string                  `json:"status"`
	StatusCode   int                     `json:"status_code,omitempty"`
	Response     string                  `json:"response,omitempty"`
	Truncated    bool                    `json:"response_truncated,omitempty"`
	ErrorKind    string                  `json:"error_kind,omitempty"`
	Error        string                  `json:"error,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	RecordedAt   time.Time               `json:"recorded_at"`
}

// Notification is the compact message published after a receipt is stored.
type Notification struct {
	RunID        string `json:"run_id"`
	Organization string `json:"organization"`
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ReceiptURI   string `json:"receipt_uri,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Config controls object naming and the notification topic.
type Config struct {
	Prefix string
	Topic  string
}

// Writer implements pipeline.Recorder. Either the blob store or the publisher may be
// nil, in which case that half is skipped.
type Writer struct {
	cfg    Config
	blobs  importer.BlobStore
	pub    importer.Publisher
	clock  importer.Clock
	logger *zap.Logger
}

var _ pipeline.Recorder = (*Writer)(nil)

// New builds a Writer.
func New(cfg Config, blobs importer.BlobStore, pub importer.Publisher, clock importer.Clock, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, blobs: blobs, pub: pub, clock: clock, logger: logger}
}

// Build converts an outcome into a receipt stamped at now.
func Build(o pipeline.Outcome, now time.Time) Receipt {
	rc := Receipt{
		RunID:        o.Result.RunID,
		Organization: o.Request.OrganizationID,
		UserName:     o.Request.UserName,
		Options:      o.Request.Options(),
		Files:        o.Request.Paths(),
		Cluster:      o.Result.Cluster,
		ArchiveSize:  o.Result.Archive.Size,
		Digest:       o.Result.Archive.Digest,
		Entries:      o.Result.Archive.Entries,
		Status:       StatusSuccess,
		StatusCode:   o.Result.StatusCode,
		Response:     o.Result.Body,
		Truncated:    o.Result.BodyTruncated,
		StartedAt:    o.Result.StartedAt,
		FinishedAt:   o.Result.FinishedAt,
		RecordedAt:   now,
	}
	if o.Err != nil {
		rc.Status = StatusError
		rc.ErrorKind = importer.KindOf(o.Err)
		rc.Error = o.Err.Error()
	}
	if o.Request.Password != "" {
		rc.Error = strings.ReplaceAll(rc.Error, o.Request.Password, "XXX")
	}
	return rc
}

// ObjectPath is where the receipt for a run is stored.
func (w *Writer) ObjectPath(organization, runID string) string {
	org := organization
	if org == "" {
		org = "_"
	}
	return path.Join(strings.Trim(w.cfg.Prefix, "/"), org, runID+".json")
}

// Record stores the receipt, then publishes a notification. A failed store does not
// prevent the notification; both failures are returned joined.
func (w *Writer) Record(ctx context.Context, o pipeline.Outcome) error {
	rc := Build(o, w.now())

	var errs []error
	uri := ""
	if w.blobs != nil {
		data, err := json.MarshalIndent(rc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal receipt: %w", err)
		}
		uri, err = w.blobs.PutObject(ctx, w.ObjectPath(rc.Organization, rc.RunID), ContentType, bytes.NewReader(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("store receipt: %w", err))
			uri = ""
		} else {
			w.logger.Debug("receipt stored", zap.String("run_id", rc.RunID), zap.String("uri", uri))
		}
	}

	if w.pub != nil {
		note := Notification{
			RunID:        rc.RunID,
			Organization: rc.Organization,
			Status:       rc.Status,
			StatusCode:   rc.StatusCode,
			ErrorKind:    rc.ErrorKind,
			ReceiptURI:   uri,
			Timestamp:    rc.RecordedAt.Format(time.RFC3339),
		}
		id, err := w.pub.Publish(ctx, w.cfg.Topic, note)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish receipt: %w", err))
		} else {
			w.logger.Debug("receipt published", zap.String("run_id", rc.RunID), zap.String("message_id", id))
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}
