package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"github.com/skiffhq/skiff/pkg/events"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
)

// DefaultRetryWindow bounds how long after a capacity interruption a
// replacement job may still be spawned
const DefaultRetryWindow = 3 * time.Minute

// RunReconciler supervises a run's jobs: it reduces their statuses into the
// run status, spawns replacement jobs after retryable interruptions, and
// cascades user stops.
type RunReconciler struct {
	store       storage.Store
	broker      *events.Broker
	clock       clockwork.Clock
	retryWindow time.Duration
}

// NewRunReconciler wires the run supervisor. retryWindow 0 means the default.
func NewRunReconciler(store storage.Store, broker *events.Broker, clock clockwork.Clock, retryWindow time.Duration) *RunReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retryWindow == 0 {
		retryWindow = DefaultRetryWindow
	}
	return &RunReconciler{store: store, broker: broker, clock: clock, retryWindow: retryWindow}
}

// Reconcile executes one supervision step for the run
func (r *RunReconciler) Reconcile(ctx context.Context, id string) error {
	run, err := r.store.GetRun(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if run.Deleted || run.ProcessingFinished {
		return nil
	}

	jobs, err := r.store.ListJobsByRun(run.ID)
	if err != nil {
		return err
	}

	if run.Status == types.RunStatusTerminating {
		return r.cascade(run, jobs, types.RunStatusTerminated)
	}
	if run.Status.Finished() {
		// Terminal status reached; finish processing once the jobs settle
		return r.cascade(run, jobs, run.Status)
	}

	switch run.Status {
	case types.RunStatusSubmitted:
		if len(jobs) == 0 {
			return r.spawnInitialJobs(run)
		}
	case types.RunStatusPending:
		return r.spawnReplacements(run, jobs)
	}
	return r.reduce(run, jobs)
}

// spawnInitialJobs creates the nodes x replicas job matrix at submission 0
func (r *RunReconciler) spawnInitialJobs(run *types.Run) error {
	now := r.clock.Now().UTC()
	nodes := max(run.Spec.Nodes, 1)
	replicas := max(run.Spec.Replicas, 1)

	for node := 0; node < nodes; node++ {
		for replica := 0; replica < replicas; replica++ {
			job := &types.Job{
				ID:         uuid.NewString(),
				RunID:      run.ID,
				ProjectID:  run.ProjectID,
				JobNum:     node,
				ReplicaNum: replica,
				Status:     types.JobStatusSubmitted,
				Spec:       run.Spec.Job,
				CreatedAt:  now,
			}
			if err := r.store.CreateJob(job); err != nil {
				return err
			}
		}
	}
	logger := log.WithRunID(run.ID)
	logger.Info().Int("jobs", nodes*replicas).Msg("run jobs created")
	publish(r.broker, events.EventRunSubmitted, "run jobs created", map[string]string{"run_id": run.ID})
	return nil
}

// spawnReplacements creates the next submission for every slot whose latest
// job was interrupted, then resubmits the run
func (r *RunReconciler) spawnReplacements(run *types.Run, jobs []*types.Job) error {
	logger := log.WithRunID(run.ID)
	now := r.clock.Now().UTC()
	for _, job := range latestJobs(jobs) {
		if job.Status != types.JobStatusFailed || !r.retryPermitted(run, job, now) {
			continue
		}
		replacement := &types.Job{
			ID:            uuid.NewString(),
			RunID:         run.ID,
			ProjectID:     run.ProjectID,
			JobNum:        job.JobNum,
			ReplicaNum:    job.ReplicaNum,
			SubmissionNum: job.SubmissionNum + 1,
			Status:        types.JobStatusSubmitted,
			Spec:          job.Spec,
			CreatedAt:     now,
		}
		if err := r.store.CreateJob(replacement); err != nil {
			return err
		}
		logger.Info().Int("job_num", job.JobNum).Int("submission_num", replacement.SubmissionNum).Msg("job resubmitted after interruption")
	}
	run.Status = types.RunStatusSubmitted
	if err := staleOK(r.store.UpdateRun(run)); err != nil {
		return err
	}
	publish(r.broker, events.EventRunRetrying, "interrupted jobs resubmitted", map[string]string{"run_id": run.ID})
	return nil
}

// reduce folds the latest job per slot into the run status
func (r *RunReconciler) reduce(run *types.Run, jobs []*types.Job) error {
	latest := latestJobs(jobs)
	if len(latest) == 0 {
		return nil
	}
	now := r.clock.Now().UTC()

	var anyRunning, anyStarting, anyActive bool
	allDone := true
	var failedSticky *types.Job
	var failedRetryable *types.Job
	for _, job := range latest {
		if job.Status != types.JobStatusDone {
			allDone = false
		}
		switch job.Status {
		case types.JobStatusRunning, types.JobStatusTerminating:
			anyRunning = true
			anyActive = true
		case types.JobStatusProvisioning, types.JobStatusPulling:
			anyStarting = true
			anyActive = true
		case types.JobStatusSubmitted:
			anyActive = true
		case types.JobStatusFailed:
			if r.retryPermitted(run, job, now) {
				failedRetryable = job
			} else {
				failedSticky = job
			}
		case types.JobStatusTerminated, types.JobStatusAborted:
			failedSticky = job
		}
	}

	switch {
	case failedSticky != nil:
		run.Status = types.RunStatusFailed
		run.StatusMessage = string(failedSticky.TerminationReason)
		return r.finishOrStop(run, latest)
	case failedRetryable != nil:
		run.Status = types.RunStatusPending
		run.StatusMessage = string(failedRetryable.TerminationReason)
		if err := staleOK(r.store.UpdateRun(run)); err != nil {
			return err
		}
		logger := log.WithRunID(run.ID)
		logger.Info().Msg("run pending retry after capacity interruption")
		return nil
	case allDone:
		run.Status = types.RunStatusDone
		run.StatusMessage = ""
		run.ProcessingFinished = true
		if err := staleOK(r.store.UpdateRun(run)); err != nil {
			return err
		}
		publish(r.broker, events.EventRunFinished, "all jobs done", map[string]string{"run_id": run.ID})
		return nil
	case anyRunning:
		return r.transition(run, types.RunStatusRunning, events.EventRunRunning)
	case anyStarting:
		return r.transition(run, types.RunStatusStarting, "")
	case anyActive:
		return nil
	}
	return nil
}

// transition writes a status change once; steady states produce no writes
func (r *RunReconciler) transition(run *types.Run, status types.RunStatus, eventType events.EventType) error {
	if run.Status == status {
		return nil
	}
	run.Status = status
	if err := staleOK(r.store.UpdateRun(run)); err != nil {
		return err
	}
	if eventType != "" {
		publish(r.broker, eventType, string(status), map[string]string{"run_id": run.ID})
	}
	return nil
}

// finishOrStop records a terminal status and stops any jobs still active;
// processing finishes once every job has settled
func (r *RunReconciler) finishOrStop(run *types.Run, latest map[int64]*types.Job) error {
	allTerminal := true
	for _, job := range latest {
		if job.Status.Finished() {
			continue
		}
		allTerminal = false
		if job.Status != types.JobStatusTerminating {
			job.TerminationReason = types.ReasonStoppedByUser
			job.Status = types.JobStatusTerminating
			if err := staleOK(r.store.UpdateJob(job)); err != nil {
				return err
			}
		}
	}
	if allTerminal {
		run.ProcessingFinished = true
	}
	if err := staleOK(r.store.UpdateRun(run)); err != nil {
		return err
	}
	if allTerminal {
		publish(r.broker, events.EventRunFinished, string(run.Status), map[string]string{"run_id": run.ID})
	}
	return nil
}

// cascade drives a user stop (or a terminal run) to completion: every active
// job is asked to terminate, and processing finishes when all have
func (r *RunReconciler) cascade(run *types.Run, jobs []*types.Job, terminal types.RunStatus) error {
	allTerminal := true
	for _, job := range jobs {
		if job.Status.Finished() {
			continue
		}
		allTerminal = false
		if job.Status != types.JobStatusTerminating {
			job.TerminationReason = types.ReasonStoppedByUser
			job.Status = types.JobStatusTerminating
			if err := staleOK(r.store.UpdateJob(job)); err != nil {
				return err
			}
		}
	}
	if !allTerminal {
		return nil
	}
	run.Status = terminal
	run.ProcessingFinished = true
	if err := staleOK(r.store.UpdateRun(run)); err != nil {
		return err
	}
	logger := log.WithRunID(run.ID)
	logger.Info().Str("status", string(terminal)).Msg("run finished")
	publish(r.broker, events.EventRunFinished, string(terminal), map[string]string{"run_id": run.ID})
	return nil
}

// retryPermitted applies the run's retry policy to a failed job
func (r *RunReconciler) retryPermitted(run *types.Run, job *types.Job, now time.Time) bool {
	policy := run.Spec.Profile.Retry
	if !policy.Retry {
		return false
	}
	reasonOK := job.TerminationReason.Retryable()
	if len(policy.OnEvents) > 0 {
		reasonOK = lo.Contains(policy.OnEvents, job.TerminationReason)
	}
	if !reasonOK {
		return false
	}
	window := policy.Duration
	if window == 0 {
		window = r.retryWindow
	}
	failedAt := job.CreatedAt
	if job.FinishedAt != nil {
		failedAt = *job.FinishedAt
	}
	return now.Sub(failedAt) <= window
}

// latestJobs picks the highest submission per (job_num, replica_num) slot
func latestJobs(jobs []*types.Job) map[int64]*types.Job {
	latest := make(map[int64]*types.Job)
	for _, job := range jobs {
		key := int64(job.JobNum)<<32 | int64(job.ReplicaNum)
		if cur, ok := latest[key]; !ok || job.SubmissionNum > cur.SubmissionNum {
			latest[key] = job
		}
	}
	return latest
}
