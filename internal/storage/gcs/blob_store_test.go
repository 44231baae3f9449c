package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	const bucket = "receipts-bucket"
	payload := []byte(`{"run_id":"run-1"}`)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/b/%s/o", bucket))
		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), "application/json")
		assert.Contains(t, string(body), "receipts/acme/run-1.json")
		fmt.Fprintln(w, `{"name": "receipts/acme/run-1.json", "bucket": "`+bucket+`"}`)
	})

	s, err := New(newTestClient(t, handler), Config{Bucket: bucket, Prefix: "/receipts/"})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "acme/run-1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://receipts-bucket/receipts/acme/run-1.json", uri)
	require.NoError(t, s.Close())
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"code": 403, "message": "forbidden"}}`, http.StatusForbidden)
	})
	s, err := New(newTestClient(t, handler), Config{Bucket: "b"})
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "run.json", "application/json", bytes.NewReader([]byte("{}")))
	require.Error(t, err)

	_, err = s.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.ErrorContains(t, err, "path is required")
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s := &BlobStore{prefix: ""}
	require.Equal(t, "a/b.json", s.objectName("/a/b.json"))
	s.prefix = "receipts"
	require.Equal(t, "receipts/a/b.json", s.objectName("a/b.json"))
}
