package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/events"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/placement"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
)

// ContainerState is what the on-host agent reports for a job's container
type ContainerState struct {
	Pulling  bool
	Running  bool
	Exited   bool
	ExitCode int
}

// ContainerProbe asks the agent on the job's instance about its container.
// The job reconciler injects one so tests can substitute a stub.
type ContainerProbe interface {
	Probe(ctx context.Context, job *types.Job, instance *types.Instance) (ContainerState, error)
}

// ContainerProbeFunc adapts a function to the ContainerProbe interface
type ContainerProbeFunc func(ctx context.Context, job *types.Job, instance *types.Instance) (ContainerState, error)

func (f ContainerProbeFunc) Probe(ctx context.Context, job *types.Job, instance *types.Instance) (ContainerState, error) {
	return f(ctx, job, instance)
}

// JobReconciler owns the job state machine and placement onto instance blocks
type JobReconciler struct {
	store  storage.Store
	probe  ContainerProbe
	broker *events.Broker
	clock  clockwork.Clock
}

// NewJobReconciler wires the job state machine
func NewJobReconciler(store storage.Store, probe ContainerProbe, broker *events.Broker, clock clockwork.Clock) *JobReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JobReconciler{store: store, probe: probe, broker: broker, clock: clock}
}

// Reconcile executes one state-machine step for the job
func (r *JobReconciler) Reconcile(ctx context.Context, id string) error {
	job, err := r.store.GetJob(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Deleted || job.Status.Finished() {
		return nil
	}

	run, err := r.store.GetRun(job.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Orphaned job; its run is gone
			return r.finish(ctx, job, types.ReasonAborted)
		}
		return err
	}

	switch job.Status {
	case types.JobStatusSubmitted:
		return r.place(ctx, job, run)
	case types.JobStatusProvisioning:
		return r.awaitInstance(ctx, job)
	case types.JobStatusPulling:
		return r.awaitContainer(ctx, job)
	case types.JobStatusRunning:
		return r.monitor(ctx, job)
	case types.JobStatusTerminating:
		return r.teardown(ctx, job)
	}
	return nil
}

// place finds an instance with a free block matching the run's constraints
// and assigns the job to it. Ready instances win over still-provisioning
// ones; within a class, older instances win, so placement is deterministic.
func (r *JobReconciler) place(ctx context.Context, job *types.Job, run *types.Run) error {
	logger := log.WithJobID(job.ID)

	if job.InstanceAssigned {
		job.Status = types.JobStatusProvisioning
		return staleOK(r.store.UpdateJob(job))
	}

	candidates, err := r.store.ListInstancesByProject(job.ProjectID)
	if err != nil {
		return err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		ri, rj := placementRank(ci.Status), placementRank(cj.Status)
		if ri != rj {
			return ri < rj
		}
		if !ci.CreatedAt.Equal(cj.CreatedAt) {
			return ci.CreatedAt.Before(cj.CreatedAt)
		}
		return ci.ID < cj.ID
	})

	for _, inst := range candidates {
		if !placement.Matches(job, run, inst) {
			continue
		}
		var isPortFree func(int) bool
		if localPorts(inst) {
			isPortFree = placement.PortFree
		}
		runtimeData, rtErr := placement.RuntimeData(job, inst, isPortFree)
		if rtErr != nil {
			logger.Debug().Err(rtErr).Str("instance_id", inst.ID).Msg("cannot allocate ports on instance")
			continue
		}

		if inst.SharedInfo == nil {
			inst.SharedInfo = &types.SharedInfo{TotalBlocks: 1}
		}
		inst.SharedInfo.BusyBlocks++
		if inst.Status == types.InstanceStatusIdle {
			inst.Status = types.InstanceStatusBusy
		}
		// Instance first: losing its version check aborts the placement
		if err := r.store.UpdateInstance(inst); err != nil {
			return staleOK(err)
		}

		job.InstanceID = inst.ID
		job.InstanceAssigned = true
		job.RuntimeData = runtimeData
		job.ProvisioningData = inst.ProvisioningData
		job.Status = types.JobStatusProvisioning
		if err := staleOK(r.store.UpdateJob(job)); err != nil {
			return err
		}
		logger.Info().Str("instance_id", inst.ID).Msg("job placed")
		publish(r.broker, events.EventJobPlaced, "job placed on instance", map[string]string{"job_id": job.ID, "instance_id": inst.ID})
		return nil
	}

	return r.requestProvisioning(job, run, candidates)
}

// provisionedIdleTime reclaims instances provisioned for a single job once
// they sit idle
const provisionedIdleTime = 5 * time.Minute

// requestProvisioning creates a pending instance sized for the run when no
// existing instance can host the job; the instance reconciler picks an offer
// and brings it up, and the job places onto it on a later tick. The instance
// is named after the job's slot so repeated ticks do not stack requests.
func (r *JobReconciler) requestProvisioning(job *types.Job, run *types.Run, existing []*types.Instance) error {
	logger := log.WithJobID(job.ID)
	name := fmt.Sprintf("%s-%d-%d", run.Spec.Name, job.JobNum, job.ReplicaNum)
	for _, inst := range existing {
		if inst.Name == name && !inst.Status.Finished() {
			logger.Debug().Str("instance_id", inst.ID).Msg("waiting for requested instance")
			return nil
		}
	}

	poolID := ""
	if pools, err := r.store.ListPoolsByProject(job.ProjectID); err == nil {
		for _, pool := range pools {
			if pool.Default {
				poolID = pool.ID
				break
			}
		}
	}

	inst := &types.Instance{
		ID:                  uuid.NewString(),
		ProjectID:           job.ProjectID,
		PoolID:              poolID,
		FleetID:             run.Spec.FleetID,
		Name:                name,
		Status:              types.InstanceStatusPending,
		Profile:             run.Spec.Profile,
		Requirements:        run.Spec.Requirements,
		TerminationPolicy:   types.TerminationPolicyDestroyAfterIdle,
		TerminationIdleTime: provisionedIdleTime,
		CreatedAt:           r.clock.Now().UTC(),
	}
	if err := r.store.CreateInstance(inst); err != nil {
		return err
	}
	logger.Info().Str("instance_id", inst.ID).Msg("no instance matches, provisioning one")
	publish(r.broker, events.EventInstanceProvisioning, "instance requested for job", map[string]string{"job_id": job.ID, "instance_id": inst.ID})
	return nil
}

// placementRank prefers instances that are already serving over those still
// coming up
func placementRank(status types.InstanceStatus) int {
	switch status {
	case types.InstanceStatusIdle:
		return 0
	case types.InstanceStatusBusy:
		return 1
	default: // provisioning
		return 2
	}
}

// localPorts reports whether host ports are bound on this machine rather
// than forwarded through a tunnel
func localPorts(inst *types.Instance) bool {
	if inst.RemoteConnectionInfo != nil {
		return true
	}
	return inst.Offer != nil && inst.Offer.Backend == types.BackendLocal
}

// awaitInstance waits for the assigned instance to come up, then moves the
// job to pulling
func (r *JobReconciler) awaitInstance(ctx context.Context, job *types.Job) error {
	inst, gone, err := r.instanceFor(job)
	if err != nil {
		return err
	}
	if gone {
		return r.finish(ctx, job, types.ReasonInterruptedByNoCapacity)
	}
	if inst.Status != types.InstanceStatusIdle && inst.Status != types.InstanceStatusBusy {
		return nil
	}
	if job.ProvisioningData == nil {
		job.ProvisioningData = inst.ProvisioningData
	}
	job.Status = types.JobStatusPulling
	return staleOK(r.store.UpdateJob(job))
}

// awaitContainer waits for the agent to report the container running
func (r *JobReconciler) awaitContainer(ctx context.Context, job *types.Job) error {
	inst, gone, err := r.instanceFor(job)
	if err != nil {
		return err
	}
	if gone {
		return r.finish(ctx, job, types.ReasonInterruptedByNoCapacity)
	}

	state, err := r.probe.Probe(ctx, job, inst)
	if err != nil {
		return err
	}
	if state.Exited {
		return r.finishByExitCode(ctx, job, state.ExitCode)
	}
	if state.Running {
		job.Status = types.JobStatusRunning
		if err := staleOK(r.store.UpdateJob(job)); err != nil {
			return err
		}
		publish(r.broker, events.EventJobRunning, "container running", map[string]string{"job_id": job.ID})
	}
	return nil
}

// monitor watches a running container for exit and duration limits
func (r *JobReconciler) monitor(ctx context.Context, job *types.Job) error {
	inst, gone, err := r.instanceFor(job)
	if err != nil {
		return err
	}
	if gone {
		return r.finish(ctx, job, types.ReasonInterruptedByNoCapacity)
	}

	now := r.clock.Now().UTC()
	if job.Spec.MaxDuration > 0 && now.Sub(job.CreatedAt) > job.Spec.MaxDuration {
		logger := log.WithJobID(job.ID)
		logger.Info().Dur("max_duration", job.Spec.MaxDuration).Msg("job exceeded max duration")
		return r.finish(ctx, job, types.ReasonStoppedByUser)
	}

	state, err := r.probe.Probe(ctx, job, inst)
	if err != nil {
		return err
	}
	if state.Exited {
		return r.finishByExitCode(ctx, job, state.ExitCode)
	}
	return nil
}

// teardown releases the instance block and records the terminal status
func (r *JobReconciler) teardown(ctx context.Context, job *types.Job) error {
	if job.InstanceAssigned && job.InstanceID != "" {
		inst, err := r.store.GetInstance(job.InstanceID)
		if err == nil && !inst.Status.Finished() {
			now := r.clock.Now().UTC()
			if inst.SharedInfo != nil && inst.SharedInfo.BusyBlocks > 0 {
				inst.SharedInfo.BusyBlocks--
			}
			inst.LastJobProcessedAt = &now
			if inst.Status == types.InstanceStatusBusy && inst.BusyBlocks() == 0 {
				inst.Status = types.InstanceStatusIdle
			}
			if err := r.store.UpdateInstance(inst); err != nil {
				// Lost the instance row; retry the teardown next tick
				return staleOK(err)
			}
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		job.InstanceAssigned = false
	}

	now := r.clock.Now().UTC()
	job.Status = terminalStatusFor(job.TerminationReason)
	job.FinishedAt = &now
	if err := staleOK(r.store.UpdateJob(job)); err != nil {
		return err
	}
	logger := log.WithJobID(job.ID)
	logger.Info().Str("status", string(job.Status)).Str("reason", string(job.TerminationReason)).Msg("job finished")
	eventType := events.EventJobDone
	if job.Status == types.JobStatusFailed {
		eventType = events.EventJobFailed
	}
	publish(r.broker, eventType, string(job.TerminationReason), map[string]string{"job_id": job.ID, "run_id": job.RunID})
	return nil
}

// finish records the reason and runs the teardown in the same tick
func (r *JobReconciler) finish(ctx context.Context, job *types.Job, reason types.JobTerminationReason) error {
	job.TerminationReason = reason
	job.Status = types.JobStatusTerminating
	if err := staleOK(r.store.UpdateJob(job)); err != nil {
		return err
	}
	return r.teardown(ctx, job)
}

func (r *JobReconciler) finishByExitCode(ctx context.Context, job *types.Job, code int) error {
	job.ExitCode = &code
	if code == 0 {
		return r.finish(ctx, job, types.ReasonDoneByRunner)
	}
	return r.finish(ctx, job, types.ReasonContainerExitedError)
}

// instanceFor loads the job's instance; gone means the job lost its host
func (r *JobReconciler) instanceFor(job *types.Job) (*types.Instance, bool, error) {
	if job.InstanceID == "" {
		return nil, true, nil
	}
	inst, err := r.store.GetInstance(job.InstanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}
	if inst.Status.Finished() || inst.Status == types.InstanceStatusTerminating {
		return nil, true, nil
	}
	return inst, false, nil
}

// terminalStatusFor maps a termination reason to the job's terminal status
func terminalStatusFor(reason types.JobTerminationReason) types.JobStatus {
	switch reason {
	case types.ReasonDoneByRunner:
		return types.JobStatusDone
	case types.ReasonAborted:
		return types.JobStatusAborted
	case types.ReasonContainerExitedError, types.ReasonFailedToStart, types.ReasonInterruptedByNoCapacity:
		return types.JobStatusFailed
	default:
		return types.JobStatusTerminated
	}
}
