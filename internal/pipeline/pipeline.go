// Package pipeline sequences archiving, authentication and upload for one import
// request and guarantees the temporary archive is removed before Run returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/clock/system"
	idgen "github.com/JakeFAU/dataimport/internal/id/uuid"
	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/progress"
)

// Outcome is handed to the Recorder after every run.
type Outcome struct {
	Request importer.ImportRequest
	Result  importer.Result
	Err     error
}

// Recorder persists run outcomes, e.g. as receipts. Its errors are logged and never
// change the result of Run.
type Recorder interface {
	Record(ctx context.Context, outcome Outcome) error
}

// Deps are the collaborators of a Pipeline. Archiver, Authenticator and Submitter are
// required.
type Deps struct {
	Archiver      importer.Archiver
	Authenticator importer.Authenticator
	Submitter     importer.Submitter
	Clock         importer.Clock
	IDs           importer.IDGenerator
	Emitter       progress.Emitter
	Recorder      Recorder
	// Log receives human-readable progress lines.
	Log    func(string)
	Logger *zap.Logger
}

// Pipeline runs one import at a time. It caches the resolved cluster between runs until
// Reset or until a run names a different organization. A Pipeline must not be shared by
// concurrent runs.
type Pipeline struct {
	deps       Deps
	cluster    importer.ClusterInfo
	clusterOrg string

	mu    sync.Mutex
	state State
}

// New builds a Pipeline in the idle state.
func New(deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Log == nil {
		deps.Log = func(string) {}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, state: StateIdle}
}

// State reports where the current or last run is.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cluster returns the cached cluster, if one has been resolved.
func (p *Pipeline) Cluster() (importer.ClusterInfo, bool) {
	return p.cluster, p.cluster.Host != ""
}

// Reset drops the cached cluster and returns the pipeline to idle.
func (p *Pipeline) Reset() {
	p.cluster = importer.ClusterInfo{}
	p.clusterOrg = ""
	p.setState(StateIdle)
}

// bindCluster drops a cluster resolved for another organization, forcing a fresh
// lookup for org.
func (p *Pipeline) bindCluster(org string) {
	if strings.EqualFold(p.clusterOrg, org) {
		return
	}
	if p.cluster.Host != "" {
		p.deps.Logger.Debug("dropping cached cluster",
			zap.String("cached_organization", p.clusterOrg),
			zap.String("organization", org),
		)
	}
	p.cluster = importer.ClusterInfo{}
	p.clusterOrg = org
}

// Run executes req under a freshly generated run id.
func (p *Pipeline) Run(ctx context.Context, req importer.ImportRequest) (importer.Result, error) {
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return importer.Result{}, fmt.Errorf("generate run id: %w", err)
	}
	return p.RunWithID(ctx, runID, req)
}

// RunWithID executes req. The returned error is the first failure of the run; the
// archive is removed on every path that created one.
func (p *Pipeline) RunWithID(ctx context.Context, runID string, req importer.ImportRequest) (res importer.Result, err error) {
	r := &run{
		p:      p,
		id:     runID,
		bin:    runBytes(runID),
		req:    req,
		result: importer.Result{RunID: runID, StartedAt: p.deps.Clock.Now()},
		logger: p.deps.Logger.With(zap.String("run_id", runID), zap.String("organization", req.OrganizationID)),
	}
	r.emit(progress.Event{Stage: progress.StageRunStart})

	var archivePath string
	defer func() {
		r.cleanup(archivePath)
		r.finish(ctx)
		res, err = r.result, r.err
	}()

	if invalid := req.Validate(); invalid != nil {
		r.fail(invalid)
		return
	}

	handle, err := r.archive(ctx)
	archivePath = handle.Path
	if err != nil {
		r.fail(err)
		return
	}

	sess, err := r.authenticate(ctx)
	if err != nil {
		r.fail(err)
		return
	}

	if uploadErr := r.upload(ctx, sess, handle); uploadErr != nil {
		r.fail(uploadErr)
	}
	return
}

// run carries the state of one RunWithID call.
type run struct {
	p      *Pipeline
	id     string
	bin    [16]byte
	req    importer.ImportRequest
	result importer.Result
	err    error
	logger *zap.Logger
}

func (r *run) archive(ctx context.Context) (importer.ArchiveHandle, error) {
	var handle importer.ArchiveHandle
	err := r.step(StateArchiving, "Creating archive", func() (string, error) {
		var err error
		handle, err = r.p.deps.Archiver.CreateArchive(ctx, r.req.Paths())
		if err != nil {
			return "", err
		}
		r.result.Archive = handle
		return fmt.Sprintf("Archive created: %s (%d bytes)", handle.Path, handle.Size), nil
	}, func(evt *progress.Event) {
		evt.Bytes = handle.Size
	})
	return handle, err
}

func (r *run) authenticate(ctx context.Context) (importer.Session, error) {
	var sess importer.Session
	err := r.step(StateAuthenticating, "Authenticating as "+r.req.UserName, func() (string, error) {
		r.p.bindCluster(r.req.OrganizationID)
		var err error
		sess, err = r.p.deps.Authenticator.Authenticate(ctx, &r.p.cluster, r.req.Credentials())
		if err != nil {
			return "", err
		}
		r.result.Cluster = sess.Cluster
		return "Authenticated against " + sess.Cluster.BaseURL(), nil
	}, func(evt *progress.Event) {
		evt.Host = sess.Cluster.Host
	})
	return sess, err
}

func (r *run) upload(ctx context.Context, sess importer.Session, handle importer.ArchiveHandle) error {
	status := 0
	return r.step(StateUploading, "Uploading archive", func() (string, error) {
		resp, err := r.p.deps.Submitter.Submit(ctx, sess, handle, r.req.Options())
		if err != nil {
			var uploadErr *importer.UploadError
			if errors.As(err, &uploadErr) {
				status = uploadErr.StatusCode
				r.result.StatusCode = uploadErr.StatusCode
				r.result.Body = uploadErr.Body
				r.result.BodyTruncated = uploadErr.Truncated
			}
			return "", err
		}
		status = resp.StatusCode
		r.result.StatusCode = resp.StatusCode
		r.result.Body = resp.Body
		r.result.BodyTruncated = resp.Truncated
		return "Upload complete: " + resp.Body, nil
	}, func(evt *progress.Event) {
		evt.Host = sess.Cluster.Host
		evt.Bytes = handle.Size
		if status != 0 {
			evt.StatusCode = status
			evt.StatusClass = progress.ClassifyStatus(status)
		}
	})
}

// step moves to state, logs before and after, and emits step events. The done line
// returned by fn is logged on success.
func (r *run) step(state State, startLine string, fn func() (string, error), decorate func(*progress.Event)) error {
	r.p.setState(state)
	name := string(state)
	r.log(startLine)
	r.emit(progress.Event{Stage: progress.StageStepStart, Step: name})

	started := r.p.deps.Clock.Now()
	doneLine, err := fn()
	evt := progress.Event{Stage: progress.StageStepDone, Step: name, Dur: since(r.p.deps.Clock, started)}
	decorate(&evt)
	if err != nil {
		evt.Kind = importer.KindOf(err)
		evt.Note = err.Error()
		r.log(fmt.Sprintf("%s failed: %v", name, err))
	} else {
		r.log(doneLine)
	}
	r.emit(evt)
	return err
}

// cleanup removes the archive. A removal failure becomes the run error only when
// nothing failed earlier.
func (r *run) cleanup(path string) {
	r.p.setState(StateCleanup)
	if path == "" {
		return
	}
	r.log("Removing archive " + path)
	r.emit(progress.Event{Stage: progress.StageStepStart, Step: string(StateCleanup)})
	started := r.p.deps.Clock.Now()
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("archive removal failed", zap.String("path", path), zap.Error(err))
		r.log(fmt.Sprintf("Could not remove archive %s: %v", path, err))
		r.fail(fmt.Errorf("%w: remove archive: %w", importer.ErrIO, err))
	} else {
		r.log("Archive removed")
	}
	r.emit(progress.Event{
		Stage: progress.StageStepDone,
		Step:  string(StateCleanup),
		Dur:   since(r.p.deps.Clock, started),
	})
}

func (r *run) finish(ctx context.Context) {
	r.result.FinishedAt = r.p.deps.Clock.Now()
	total := r.result.FinishedAt.Sub(r.result.StartedAt)
	if total < 0 {
		total = 0
	}
	evt := progress.Event{Dur: total, Host: r.result.Cluster.Host}
	if r.result.StatusCode != 0 {
		evt.StatusCode = r.result.StatusCode
		evt.StatusClass = progress.ClassifyStatus(r.result.StatusCode)
	}
	if r.err != nil {
		r.p.setState(StateFailed)
		evt.Stage = progress.StageRunError
		evt.Kind = importer.KindOf(r.err)
		evt.Note = r.err.Error()
		r.log("Import failed: " + r.err.Error())
		r.logger.Warn("import failed", zap.String("kind", evt.Kind), zap.Error(r.err))
	} else {
		r.p.setState(StateDone)
		evt.Stage = progress.StageRunDone
		r.log("Import finished")
		r.logger.Info("import finished", zap.Int("status", r.result.StatusCode), zap.Duration("dur", total))
	}
	r.emit(evt)

	if r.p.deps.Recorder == nil {
		return
	}
	outcome := Outcome{Request: r.req, Result: r.result, Err: r.err}
	if err := r.p.deps.Recorder.Record(context.WithoutCancel(ctx), outcome); err != nil {
		r.logger.Warn("record outcome failed", zap.Error(err))
	}
}

func (r *run) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// log forwards a line to the caller's callback. A panicking callback is contained so it
// cannot alter control flow.
func (r *run) log(line string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug("progress callback panicked", zap.Any("panic", rec))
		}
	}()
	r.p.deps.Log(line)
}

func (r *run) emit(evt progress.Event) {
	evt.RunID = r.bin
	evt.TS = r.p.deps.Clock.Now()
	evt.Organization = r.req.OrganizationID
	r.p.deps.Emitter.Emit(evt)
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// runBytes maps a run id onto the 16-byte event form. Non-UUID ids hash into a stable
// name-based UUID.
func runBytes(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID))
	}
	return progress.UUIDToBytes(id)
}

func since(clock importer.Clock, start time.Time) time.Duration {
	d := clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
