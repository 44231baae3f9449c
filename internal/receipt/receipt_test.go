package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/pipeline"
	pubmemory "github.com/JakeFAU/dataimport/internal/publisher/memory"
	"github.com/JakeFAU/dataimport/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var recordedAt = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func sampleOutcome(err error) pipeline.Outcome {
	return pipeline.Outcome{
		Request: importer.ImportRequest{
			OrganizationID:     "acme",
			UserName:           "alice",
			Password:           "s3cret",
			DataFilePath:       "/data/sales.csv",
			DescriptorFilePath: "/data/sales.xml",
			Action:             importer.ActionAppend,
			RunInBackground:    true,
		},
		Result: importer.Result{
			RunID:      "run-1",
			StatusCode: 200,
			Body:       "OK",
			Cluster:    importer.ClusterInfo{Host: "cluster1.example.com", Scheme: "https://"},
			Archive: importer.ArchiveHandle{
				Size:    512,
				Digest:  "abc",
				Entries: []importer.ArchiveEntry{{Name: "sales.csv", Size: 29}},
			},
			StartedAt:  recordedAt.Add(-time.Minute),
			FinishedAt: recordedAt,
		},
		Err: err,
	}
}

func TestRecordSuccess(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	w := New(Config{Prefix: "/receipts/", Topic: "imports"}, blobs, pub, fixedClock{t: recordedAt}, nil)

	require.NoError(t, w.Record(context.Background(), sampleOutcome(nil)))

	data, ok := blobs.Object("receipts/acme/run-1.json")
	require.True(t, ok)
	require.NotContains(t, string(data), "s3cret")

	var rc Receipt
	require.NoError(t, json.Unmarshal(data, &rc))
	require.Equal(t, StatusSuccess, rc.Status)
	require.Equal(t, "alice", rc.UserName)
	require.Equal(t, []string{"/data/sales.csv", "/data/sales.xml"}, rc.Files)
	require.Equal(t, importer.ActionAppend, rc.Options.Action)
	require.Equal(t, "OK", rc.Response)
	require.Equal(t, "abc", rc.Digest)
	require.True(t, recordedAt.Equal(rc.RecordedAt))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "imports", msgs[0].Topic)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "memory://receipts/acme/run-1.json", note.ReceiptURI)
	require.Equal(t, "2024-05-06T07:08:09Z", note.Timestamp)
}

func TestRecordFailureRedactsPassword(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	w := New(Config{}, blobs, nil, fixedClock{t: recordedAt}, nil)
	runErr := fmt.Errorf("%w: login rejected for password=s3cret", importer.ErrAuthentication)

	require.NoError(t, w.Record(context.Background(), sampleOutcome(runErr)))

	data, ok := blobs.Object("acme/run-1.json")
	require.True(t, ok)
	require.NotContains(t, string(data), "s3cret")

	var rc Receipt
	require.NoError(t, json.Unmarshal(data, &rc))
	require.Equal(t, StatusError, rc.Status)
	require.Equal(t, importer.KindAuthentication, rc.ErrorKind)
	require.Contains(t, rc.Error, "password=XXX")
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestRecordStoreFailureStillPublishes(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	w := New(Config{Topic: "imports"}, failingBlobs{}, pub, fixedClock{t: recordedAt}, nil)

	err := w.Record(context.Background(), sampleOutcome(nil))
	require.ErrorContains(t, err, "disk full")

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Empty(t, msgs[0].Payload.(Notification).ReceiptURI)
}

func TestRecordJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	pub.FailWith(errors.New("broker down"))
	w := New(Config{}, failingBlobs{}, pub, nil, nil)

	err := w.Record(context.Background(), sampleOutcome(nil))
	require.ErrorContains(t, err, "disk full")
	require.ErrorContains(t, err, "broker down")
}

func TestBuildKeepsTruncationMark(t *testing.T) {
	t.Parallel()

	outcome := sampleOutcome(nil)
	require.False(t, Build(outcome, recordedAt).Truncated)

	outcome.Result.BodyTruncated = true
	rc := Build(outcome, recordedAt)
	require.True(t, rc.Truncated)
	data, err := json.Marshal(rc)
	require.NoError(t, err)
	require.Contains(t, string(data), `"response_truncated":true`)
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	w := New(Config{Prefix: "r"}, nil, nil, nil, nil)
	require.Equal(t, "r/acme/run.json", w.ObjectPath("acme", "run"))
	require.Equal(t, "r/_/run.json", w.ObjectPath("", "run"))
	require.NoError(t, w.Record(context.Background(), sampleOutcome(nil)))
}
