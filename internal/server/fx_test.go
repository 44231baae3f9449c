package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/app"
	"github.com/JakeFAU/dataimport/internal/config"
	"github.com/JakeFAU/dataimport/internal/store"
	"github.com/JakeFAU/dataimport/internal/transport/transporttest"
)

func daemonConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Account:   config.AccountConfig{Organization: "acme", UserName: "alice", Password: "s3cret"},
		Import:    config.ImportConfig{Action: "overwrite", RunInBackground: true},
		Directory: config.DirectoryConfig{URLTemplate: "http://{organization}.directory.test/clusterlookup"},
		Service:   config.ServiceConfig{ImportPath: "/SpatialKeyFramework/dataImportAPI", SessionCookie: "JSESSIONID"},
		HTTP:      config.HTTPConfig{TimeoutSeconds: 5},
		Archive:   config.ArchiveConfig{TempDir: t.TempDir()},
		Receipts:  config.ReceiptsConfig{Backend: "memory"},
		Runs:      config.RunsConfig{Backend: "memory"},
		Publish:   config.PublishConfig{Backend: "none"},
		Server:    config.ServerConfig{Port: 8080, QueueDepth: 4},
	}
}

type uploadCounter struct {
	mu      sync.Mutex
	uploads int
}

func (c *uploadCounter) mux() *transporttest.Mux {
	mux := transporttest.NewMux()
	mux.Handle("acme.directory.test/clusterlookup", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<organization><cluster>cluster1.example.com</cluster><protocol>https://</protocol></organization>`))
	})
	mux.Handle("cluster1.example.com/SpatialKeyFramework/dataImportAPI", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			if r.URL.Query().Get("password") != "s3cret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "token"})
			return
		}
		c.mu.Lock()
		c.uploads++
		c.mu.Unlock()
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (c *uploadCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads
}

func inputFiles(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "sales.csv")
	descriptor := filepath.Join(dir, "sales.xml")
	require.NoError(t, os.WriteFile(data, []byte("region,total\nwest,10\n"), 0o600))
	require.NoError(t, os.WriteFile(descriptor, []byte("<dataset/>"), 0o600))
	return data, descriptor
}

func startDaemon(t *testing.T, cfg config.Config, counter *uploadCounter) *httptest.Server {
	t.Helper()
	d, err := Build(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		AppOptions: []app.Option{app.WithTransport(counter.mux().Transport())},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.dispatch.Run(ctx)
	}()
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		require.NoError(t, d.Close(context.Background()))
	})
	return srv
}

func submit(t *testing.T, srv *httptest.Server, body map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/imports", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.JobID
}

func awaitJob(t *testing.T, srv *httptest.Server, jobID string) store.Job {
	t.Helper()
	var job store.Job
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/v1/imports/" + jobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Job store.Job `json:"job"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		job = body.Job
		return job.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
	return job
}

func TestDaemonRunsSubmittedImport(t *testing.T) {
	t.Parallel()

	counter := &uploadCounter{}
	srv := startDaemon(t, daemonConfig(t), counter)
	data, descriptor := inputFiles(t)

	jobID := submit(t, srv, map[string]any{"data_file": data, "descriptor_file": descriptor})
	job := awaitJob(t, srv, jobID)
	require.Equal(t, store.JobSucceeded, job.Status)
	require.NotNil(t, job.Result)
	require.Equal(t, "OK", job.Result.Body)
	require.Equal(t, 1, counter.count())

	// Run records arrive through the batched progress hub.
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/v1/runs/" + jobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Run   store.Run `json:"run"`
			Steps []stepDTO `json:"steps"`
		}
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		return body.Run.Status == store.RunSuccess && len(body.Steps) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

type stepDTO struct {
	Name string `json:"name"`
}

func TestDaemonReportsFailedImport(t *testing.T) {
	t.Parallel()

	counter := &uploadCounter{}
	srv := startDaemon(t, daemonConfig(t), counter)
	data, descriptor := inputFiles(t)

	jobID := submit(t, srv, map[string]any{
		"data_file":       data,
		"descriptor_file": descriptor,
		"password":        "wrong-password",
	})
	job := awaitJob(t, srv, jobID)
	require.Equal(t, store.JobFailed, job.Status)
	require.Equal(t, "authentication_failure", job.ErrorKind)
	require.NotContains(t, job.ErrorText, "wrong-password")
	require.Zero(t, counter.count())
}

func TestBuildRejectsUnreachablePostgres(t *testing.T) {
	t.Parallel()

	cfg := daemonConfig(t)
	cfg.Runs = config.RunsConfig{Backend: "postgres", DSN: "not a dsn ::"}
	_, err := Build(context.Background(), cfg, Options{Logger: zap.NewNop(), Registerer: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "run store init failed")
}
