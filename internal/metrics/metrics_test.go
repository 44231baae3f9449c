package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		jobsTotal == nil || jobsQueued == nil || activeUploads == nil || jobWaitSeconds == nil ||
		submissionsThrottled == nil || progressEventsDropped == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestJobLifecycle(t *testing.T) {
	Init()
	queuedBefore := testutil.ToFloat64(jobsQueued)
	activeBefore := testutil.ToFloat64(activeUploads)
	failedBefore := testutil.ToFloat64(jobsTotal.WithLabelValues("failed"))

	JobQueued()
	if got := testutil.ToFloat64(jobsQueued); got != queuedBefore+1 {
		t.Fatalf("jobs queued = %f; want %f", got, queuedBefore+1)
	}

	JobStarted(-time.Second)
	if got := testutil.ToFloat64(jobsQueued); got != queuedBefore {
		t.Fatalf("jobs queued after start = %f; want %f", got, queuedBefore)
	}
	if got := testutil.ToFloat64(activeUploads); got != activeBefore+1 {
		t.Fatalf("active uploads = %f; want %f", got, activeBefore+1)
	}

	JobFinished("failed")
	if got := testutil.ToFloat64(activeUploads); got != activeBefore {
		t.Fatalf("active uploads after finish = %f; want %f", got, activeBefore)
	}
	if got := testutil.ToFloat64(jobsTotal.WithLabelValues("failed")); got != failedBefore+1 {
		t.Fatalf("failed jobs = %f; want %f", got, failedBefore+1)
	}
	if n := testutil.CollectAndCount(jobWaitSeconds); n != 1 {
		t.Fatalf("expected job wait histogram to be collected, got %d", n)
	}
}

func TestSubmissionThrottled(t *testing.T) {
	Init()
	before := testutil.ToFloat64(submissionsThrottled)
	SubmissionThrottled()
	if got := testutil.ToFloat64(submissionsThrottled); got != before+1 {
		t.Fatalf("throttled submissions = %f; want %f", got, before+1)
	}
}

func TestProgressEventDropped(t *testing.T) {
	Init()
	before := testutil.ToFloat64(progressEventsDropped)
	ProgressEventDropped()
	if got := testutil.ToFloat64(progressEventsDropped); got != before+1 {
		t.Fatalf("dropped progress events = %f; want %f", got, before+1)
	}
}
