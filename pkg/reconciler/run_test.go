package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, store storage.Store, clock clockwork.Clock, status types.RunStatus) *types.Run {
	t.Helper()
	run := &types.Run{
		ID:        uuid.NewString(),
		ProjectID: "p1",
		Spec: types.RunSpec{
			Name: "train",
			Job:  types.JobSpec{Image: "pytorch/pytorch"},
		},
		Status:      status,
		SubmittedAt: clock.Now().UTC(),
	}
	require.NoError(t, store.CreateRun(run))
	return run
}

func seedJobWithStatus(t *testing.T, store storage.Store, clock clockwork.Clock, run *types.Run, jobNum, submissionNum int, status types.JobStatus, reason types.JobTerminationReason) *types.Job {
	t.Helper()
	now := clock.Now().UTC()
	job := &types.Job{
		ID:                uuid.NewString(),
		RunID:             run.ID,
		ProjectID:         run.ProjectID,
		JobNum:            jobNum,
		SubmissionNum:     submissionNum,
		Status:            status,
		TerminationReason: reason,
		Spec:              run.Spec.Job,
		CreatedAt:         now,
	}
	if status.Finished() {
		job.FinishedAt = &now
	}
	require.NoError(t, store.CreateJob(job))
	return job
}

func TestSubmittedRunSpawnsJobMatrix(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusSubmitted)
	run.Spec.Nodes = 2
	run.Spec.Replicas = 2
	require.NoError(t, store.UpdateRun(run))

	r := NewRunReconciler(store, nil, clock, 0)
	require.NoError(t, r.Reconcile(context.Background(), run.ID))

	jobs, err := store.ListJobsByRun(run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	for _, job := range jobs {
		assert.Equal(t, types.JobStatusSubmitted, job.Status)
		assert.Zero(t, job.SubmissionNum)
		assert.Equal(t, "pytorch/pytorch", job.Spec.Image)
	}
}

func TestSubmittedRunBecomesStarting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusSubmitted)
	seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusProvisioning, "")

	r := NewRunReconciler(store, nil, clock, 0)
	require.NoError(t, r.Reconcile(context.Background(), run.ID))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusStarting, got.Status)
}

func TestStartingRunBecomesRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusStarting)
	seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusRunning, "")
	seedJobWithStatus(t, store, clock, run, 1, 0, types.JobStatusPulling, "")

	r := NewRunReconciler(store, nil, clock, 0)
	require.NoError(t, r.Reconcile(context.Background(), run.ID))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
}

func TestAllJobsDoneRunDone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusRunning)
	seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusDone, types.ReasonDoneByRunner)
	seedJobWithStatus(t, store, clock, run, 1, 0, types.JobStatusDone, types.ReasonDoneByRunner)

	r := NewRunReconciler(store, nil, clock, 0)
	require.NoError(t, r.Reconcile(context.Background(), run.ID))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusDone, got.Status)
	assert.True(t, got.ProcessingFinished)
}

func TestRetryOnNoCapacityWithinWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusRunning)
	run.Spec.Profile.Retry = types.RetryPolicy{Retry: true}
	require.NoError(t, store.UpdateRun(run))
	seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusFailed, types.ReasonInterruptedByNoCapacity)

	r := NewRunReconciler(store, nil, clock, 0)

	// First tick: the interrupted run goes pending
	require.NoError(t, r.Reconcile(context.Background(), run.ID))
	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusPending, got.Status)

	// Second tick: a replacement job appears and the run resubmits
	require.NoError(t, r.Reconcile(context.Background(), run.ID))
	got, err = store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSubmitted, got.Status)

	jobs, err := store.ListJobsByRun(run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	var replacement *types.Job
	for _, job := range jobs {
		if job.SubmissionNum == 1 {
			replacement = job
		}
	}
	require.NotNil(t, replacement)
	assert.Equal(t, types.JobStatusSubmitted, replacement.Status)
	assert.Equal(t, 0, replacement.JobNum)
}

func TestRetryWindowExpiredRunFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusRunning)
	run.Spec.Profile.Retry = types.RetryPolicy{Retry: true}
	require.NoError(t, store.UpdateRun(run))

	job := seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusFailed, types.ReasonInterruptedByNoCapacity)
	failedAt := clock.Now().UTC().Add(-5 * time.Minute)
	job.FinishedAt = &failedAt
	require.NoError(t, store.UpdateJob(job))

	r := NewRunReconciler(store, nil, clock, 3*time.Minute)
	require.NoError(t, r.Reconcile(context.Background(), run.ID))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
}

func TestExitCodeFailureIsNotRetried(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusRunning)
	run.Spec.Profile.Retry = types.RetryPolicy{Retry: true}
	require.NoError(t, store.UpdateRun(run))
	seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusFailed, types.ReasonContainerExitedError)

	r := NewRunReconciler(store, nil, clock, 0)
	require.NoError(t, r.Reconcile(context.Background(), run.ID))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
	assert.Equal(t, string(types.ReasonContainerExitedError), got.StatusMessage)
}

func TestStopCascadesToJobs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusTerminating)
	job := seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusRunning, "")

	r := NewRunReconciler(store, nil, clock, 0)

	// First tick asks the job to terminate; the run waits
	require.NoError(t, r.Reconcile(context.Background(), run.ID))
	gotJob, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTerminating, gotJob.Status)
	assert.Equal(t, types.ReasonStoppedByUser, gotJob.TerminationReason)
	gotRun, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusTerminating, gotRun.Status)
	assert.False(t, gotRun.ProcessingFinished)

	// Once the job settles, the run finishes
	gotJob.Status = types.JobStatusTerminated
	require.NoError(t, store.UpdateJob(gotJob))
	require.NoError(t, r.Reconcile(context.Background(), run.ID))
	gotRun, err = store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusTerminated, gotRun.Status)
	assert.True(t, gotRun.ProcessingFinished)
}

func TestSteadyRunningRunProducesNoStatusChange(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	run := seedRun(t, store, clock, types.RunStatusRunning)
	seedJobWithStatus(t, store, clock, run, 0, 0, types.JobStatusRunning, "")

	r := NewRunReconciler(store, nil, clock, 0)
	require.NoError(t, r.Reconcile(context.Background(), run.ID))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
	// No write happened: the version is untouched
	assert.Equal(t, run.Version, got.Version)
}
