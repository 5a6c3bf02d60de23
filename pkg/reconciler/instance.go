package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/events"
	"github.com/skiffhq/skiff/pkg/health"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/metrics"
	"github.com/skiffhq/skiff/pkg/offers"
	"github.com/skiffhq/skiff/pkg/placement"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
)

// InstanceConfig carries the instance reconciler's time knobs
type InstanceConfig struct {
	// ProvisionTimeout bounds how long a pending instance may wait for
	// capacity before it is written off
	ProvisionTimeout time.Duration

	// ShimGrace is how long a provisioning instance may stay unhealthy
	// before it is torn down
	ShimGrace time.Duration

	// UnhealthyDeadline is the termination deadline set when an idle
	// instance's agent stops responding
	UnhealthyDeadline time.Duration

	// TerminateRetryInterval is the minimum gap between terminate attempts
	TerminateRetryInterval time.Duration

	// TerminateHardTimeout forces a final terminate attempt; the instance
	// is marked terminated regardless of its outcome
	TerminateHardTimeout time.Duration

	// SSHPublicKey is injected into created cloud instances
	SSHPublicKey string
}

func (c InstanceConfig) withDefaults() InstanceConfig {
	if c.ProvisionTimeout == 0 {
		c.ProvisionTimeout = 20 * time.Minute
	}
	if c.ShimGrace == 0 {
		c.ShimGrace = 10 * time.Minute
	}
	if c.UnhealthyDeadline == 0 {
		c.UnhealthyDeadline = 20 * time.Minute
	}
	if c.TerminateRetryInterval == 0 {
		c.TerminateRetryInterval = 60 * time.Second
	}
	if c.TerminateHardTimeout == 0 {
		c.TerminateHardTimeout = 16 * time.Minute
	}
	return c
}

// InstanceReconciler owns the instance state machine. Each Reconcile call
// executes at most one transition under the entity's lease.
type InstanceReconciler struct {
	store    storage.Store
	computes Computes
	engine   *offers.Engine
	checker  health.Checker
	deployer health.Deployer
	broker   *events.Broker
	clock    clockwork.Clock
	cfg      InstanceConfig
}

// NewInstanceReconciler wires the instance state machine
func NewInstanceReconciler(store storage.Store, computes Computes, engine *offers.Engine, checker health.Checker, deployer health.Deployer, broker *events.Broker, clock clockwork.Clock, cfg InstanceConfig) *InstanceReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InstanceReconciler{
		store:    store,
		computes: computes,
		engine:   engine,
		checker:  checker,
		deployer: deployer,
		broker:   broker,
		clock:    clock,
		cfg:      cfg.withDefaults(),
	}
}

// Reconcile executes one state-machine step for the instance
func (r *InstanceReconciler) Reconcile(ctx context.Context, id string) error {
	inst, err := r.store.GetInstance(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if inst.Deleted || inst.Status.Finished() {
		return nil
	}

	switch inst.Status {
	case types.InstanceStatusPending:
		return r.provision(ctx, inst)
	case types.InstanceStatusProvisioning:
		return r.checkProvisioning(ctx, inst)
	case types.InstanceStatusIdle:
		return r.checkIdle(ctx, inst)
	case types.InstanceStatusBusy:
		return r.checkBusy(ctx, inst)
	case types.InstanceStatusTerminating:
		return r.terminate(ctx, inst)
	}
	return nil
}

// provision moves a pending instance into provisioning: SSH-attached hosts
// get a deploy scheduled, cloud hosts get an offer picked and created
func (r *InstanceReconciler) provision(ctx context.Context, inst *types.Instance) error {
	logger := log.WithInstanceID(inst.ID)
	now := r.clock.Now().UTC()

	if now.Sub(inst.CreatedAt) > r.cfg.ProvisionTimeout {
		logger.Warn().Dur("waited", now.Sub(inst.CreatedAt)).Msg("instance provisioning timed out")
		return r.markTerminated(inst, "Provisioning timeout expired")
	}

	if inst.RemoteConnectionInfo != nil {
		inst.Status = types.InstanceStatusProvisioning
		inst.StartedAt = &now
		if err := staleOK(r.store.UpdateInstance(inst)); err != nil {
			return err
		}
		publish(r.broker, events.EventInstanceProvisioning, "deploying agent to remote host", map[string]string{"instance_id": inst.ID})
		return nil
	}

	offer := inst.Offer
	if offer == nil {
		candidates, err := r.engine.GetOffers(ctx, inst.Profile, inst.Requirements)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			logger.Debug().Msg("no offers match the instance requirements")
			return nil
		}
		offer = &candidates[0]
		inst.Offer = offer
	}

	compute, err := r.computes.get(offer.Backend)
	if err != nil {
		return r.markTerminated(inst, "No adapter configured for backend "+string(offer.Backend))
	}

	config := backend.InstanceConfiguration{
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		ProjectID:    inst.ProjectID,
		SSHPublicKey: r.cfg.SSHPublicKey,
		Volumes:      inst.VolumeIDs,
	}
	if inst.PlacementGroupID != "" {
		if pg, pgErr := r.store.GetPlacementGroup(inst.PlacementGroupID); pgErr == nil {
			config.PlacementGroup = pg
		}
	}

	pd, err := compute.CreateInstance(ctx, *offer, config)
	metrics.BackendCallsTotal.WithLabelValues(string(offer.Backend), "create_instance", callOutcome(err)).Inc()
	if err != nil {
		if backend.IsNoCapacity(err) {
			// Drop the offer so the next tick tries a different one
			logger.Info().Str("backend", string(offer.Backend)).Str("region", offer.Region).Msg("no capacity, will try another offer")
			inst.Offer = nil
			return staleOK(r.store.UpdateInstance(inst))
		}
		return err
	}

	inst.ProvisioningData = pd
	inst.Status = types.InstanceStatusProvisioning
	inst.StartedAt = &now
	if err := staleOK(r.store.UpdateInstance(inst)); err != nil {
		return err
	}
	logger.Info().Str("backend", string(offer.Backend)).Str("region", offer.Region).Str("type", offer.Instance.Name).Msg("instance created")
	publish(r.broker, events.EventInstanceProvisioning, "instance created at backend", map[string]string{"instance_id": inst.ID})
	return nil
}

// checkProvisioning waits for the on-host agent to come up. SSH-attached
// hosts run the deploy step first; it also reports the host's hardware.
func (r *InstanceReconciler) checkProvisioning(ctx context.Context, inst *types.Instance) error {
	now := r.clock.Now().UTC()

	if inst.RemoteConnectionInfo != nil && inst.HostInfo == nil {
		status, hostInfo, err := r.deployer.Deploy(ctx, inst)
		if err != nil {
			return r.unhealthyProvisioning(ctx, inst, err.Error(), now)
		}
		if !status.Healthy {
			return r.unhealthyProvisioning(ctx, inst, status.Reason, now)
		}
		inst.HostInfo = hostInfo
		return r.becomeReady(inst, now)
	}

	// A public IP may appear only after create returns
	if inst.ProvisioningData != nil && inst.ProvisioningData.Hostname == "" {
		if compute, err := r.computes.get(inst.ProvisioningData.Backend); err == nil {
			if pd, pdErr := compute.UpdateProvisioningData(ctx, inst.ProvisioningData); pdErr == nil && pd != nil {
				inst.ProvisioningData = pd
			}
		}
	}

	status := r.checker.Check(ctx, inst)
	if status.Healthy {
		return r.becomeReady(inst, now)
	}
	return r.unhealthyProvisioning(ctx, inst, status.Reason, now)
}

func (r *InstanceReconciler) unhealthyProvisioning(ctx context.Context, inst *types.Instance, reason string, now time.Time) error {
	inst.HealthStatus = reason
	started := inst.CreatedAt
	if inst.StartedAt != nil {
		started = *inst.StartedAt
	}
	if now.Sub(started) > r.cfg.ShimGrace {
		logger := log.WithInstanceID(inst.ID)
		logger.Warn().Str("reason", reason).Msg("agent unhealthy past grace, terminating")
		inst.Status = types.InstanceStatusTerminating
		inst.TerminationReason = reason
		deadline := now.Add(r.cfg.TerminateHardTimeout)
		inst.TerminationDeadline = &deadline
	}
	return staleOK(r.store.UpdateInstance(inst))
}

// becomeReady resolves block counts and moves the instance to idle, or to
// busy when jobs were placed on it while still provisioning
func (r *InstanceReconciler) becomeReady(inst *types.Instance, now time.Time) error {
	if inst.SharedInfo != nil {
		if err := r.resolveBlocks(inst); err != nil {
			return r.markTerminated(inst, err.Error())
		}
	}

	inst.TerminationDeadline = nil
	inst.HealthStatus = ""
	inst.Unreachable = false
	if inst.StartedAt == nil {
		inst.StartedAt = &now
	}

	active, err := r.countActiveJobs(inst.ID)
	if err != nil {
		return err
	}
	if inst.SharedInfo != nil {
		inst.SharedInfo.BusyBlocks = active
	}
	if active > 0 {
		inst.Status = types.InstanceStatusBusy
	} else {
		inst.Status = types.InstanceStatusIdle
	}

	if err := staleOK(r.store.UpdateInstance(inst)); err != nil {
		return err
	}
	logger := log.WithInstanceID(inst.ID)
	logger.Info().Int("total_blocks", inst.TotalBlocks()).Msg("instance ready")
	publish(r.broker, events.EventInstanceReady, "instance ready", map[string]string{"instance_id": inst.ID})
	return nil
}

// resolveBlocks fixes the instance's block count from its actual shape
func (r *InstanceReconciler) resolveBlocks(inst *types.Instance) error {
	requested := inst.SharedInfo.TotalBlocks
	var cpus, gpus int
	switch {
	case inst.HostInfo != nil:
		cpus, gpus = inst.HostInfo.CPUs, inst.HostInfo.GPUCount
	case inst.Offer != nil:
		cpus = inst.Offer.Instance.Resources.CPUs
		gpus = inst.Offer.Instance.Resources.GPUCount()
	}
	total, err := placement.ResolveTotalBlocks(requested, cpus, gpus)
	if err != nil {
		return err
	}
	inst.SharedInfo.TotalBlocks = total
	return nil
}

// checkIdle runs the health probe and the idle termination policies
func (r *InstanceReconciler) checkIdle(ctx context.Context, inst *types.Instance) error {
	logger := log.WithInstanceID(inst.ID)
	now := r.clock.Now().UTC()

	status := r.checker.Check(ctx, inst)
	if status.Healthy {
		inst.Unreachable = false
		inst.TerminationDeadline = nil
		inst.HealthStatus = ""
	} else {
		inst.HealthStatus = status.Reason
		if inst.TerminationDeadline == nil {
			deadline := now.Add(r.cfg.UnhealthyDeadline)
			inst.TerminationDeadline = &deadline
		}
	}

	if inst.TerminationDeadline != nil && now.After(*inst.TerminationDeadline) {
		return r.beginTermination(ctx, inst, "Termination deadline")
	}

	if inst.TerminationPolicy == types.TerminationPolicyDestroyAfterIdle &&
		inst.TerminationIdleTime > 0 &&
		inst.LastJobProcessedAt != nil &&
		now.Sub(*inst.LastJobProcessedAt) >= inst.TerminationIdleTime {
		logger.Info().Dur("idle", now.Sub(*inst.LastJobProcessedAt)).Msg("idle timeout reached")
		return r.beginTermination(ctx, inst, "Idle timeout")
	}

	active, err := r.countActiveJobs(inst.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		if inst.SharedInfo != nil {
			inst.SharedInfo.BusyBlocks = active
		}
		inst.Status = types.InstanceStatusBusy
	}
	return staleOK(r.store.UpdateInstance(inst))
}

// checkBusy syncs busy blocks against placed jobs and falls back to idle
// when none remain
func (r *InstanceReconciler) checkBusy(ctx context.Context, inst *types.Instance) error {
	logger := log.WithInstanceID(inst.ID)
	now := r.clock.Now().UTC()

	active, err := r.countActiveJobs(inst.ID)
	if err != nil {
		return err
	}
	if active > inst.TotalBlocks() {
		logger.Error().Int("active_jobs", active).Int("total_blocks", inst.TotalBlocks()).Msg("placed jobs exceed block capacity")
		return errors.New("placed jobs exceed block capacity")
	}

	if active == 0 {
		inst.Status = types.InstanceStatusIdle
		inst.LastJobProcessedAt = &now
		if inst.SharedInfo != nil {
			inst.SharedInfo.BusyBlocks = 0
		}
	} else if inst.SharedInfo != nil {
		inst.SharedInfo.BusyBlocks = active
	}

	status := r.checker.Check(ctx, inst)
	if status.Healthy {
		inst.Unreachable = false
		inst.HealthStatus = ""
	} else {
		inst.HealthStatus = status.Reason
	}
	return staleOK(r.store.UpdateInstance(inst))
}

// beginTermination records the reason and attempts the first terminate call
// in the same tick
func (r *InstanceReconciler) beginTermination(ctx context.Context, inst *types.Instance, reason string) error {
	inst.Status = types.InstanceStatusTerminating
	inst.TerminationReason = reason
	inst.TerminationDeadline = nil
	if err := staleOK(r.store.UpdateInstance(inst)); err != nil {
		return err
	}
	return r.terminate(ctx, inst)
}

// terminate drives the backend terminate call with retry pacing. Attempts
// are at least TerminateRetryInterval apart; once the hard timeout from the
// first attempt passes, a final attempt is made and the instance is marked
// terminated regardless of its outcome.
func (r *InstanceReconciler) terminate(ctx context.Context, inst *types.Instance) error {
	logger := log.WithInstanceID(inst.ID)
	now := r.clock.Now().UTC()

	if inst.TerminationDeadline == nil {
		deadline := now.Add(r.cfg.TerminateHardTimeout)
		inst.TerminationDeadline = &deadline
	} else if inst.LastJobProcessedAt != nil &&
		now.Sub(*inst.LastJobProcessedAt) < r.cfg.TerminateRetryInterval &&
		now.Before(*inst.TerminationDeadline) {
		// Too early to retry
		return nil
	}
	final := !now.Before(*inst.TerminationDeadline)

	var termErr error
	if inst.ProvisioningData != nil {
		compute, err := r.computes.get(inst.ProvisioningData.Backend)
		if err != nil {
			termErr = err
		} else {
			termErr = compute.TerminateInstance(ctx, inst.ProvisioningData)
			metrics.BackendCallsTotal.WithLabelValues(string(inst.ProvisioningData.Backend), "terminate_instance", callOutcome(termErr)).Inc()
			if backend.IsNotFound(termErr) {
				// Vanished out-of-band counts as terminated
				termErr = nil
			}
		}
	}

	if termErr == nil || final {
		if termErr != nil {
			logger.Error().Err(termErr).Msg("terminate deadline reached, abandoning backend instance")
		}
		return r.markTerminated(inst, inst.TerminationReason)
	}

	logger.Warn().Err(termErr).Msg("terminate failed, will retry")
	inst.LastJobProcessedAt = &now
	return staleOK(r.store.UpdateInstance(inst))
}

// markTerminated is the single exit of the state machine
func (r *InstanceReconciler) markTerminated(inst *types.Instance, reason string) error {
	now := r.clock.Now().UTC()
	inst.Status = types.InstanceStatusTerminated
	if reason != "" {
		inst.TerminationReason = reason
	}
	inst.Deleted = true
	inst.DeletedAt = &now
	inst.FinishedAt = &now
	if err := staleOK(r.store.UpdateInstance(inst)); err != nil {
		return err
	}
	logger := log.WithInstanceID(inst.ID)
	logger.Info().Str("reason", inst.TerminationReason).Msg("instance terminated")
	publish(r.broker, events.EventInstanceTerminated, inst.TerminationReason, map[string]string{"instance_id": inst.ID})
	return nil
}

func (r *InstanceReconciler) countActiveJobs(instanceID string) (int, error) {
	jobs, err := r.store.ListJobsByInstance(instanceID)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, job := range jobs {
		if job.InstanceAssigned && job.Status.Active() {
			active++
		}
	}
	return active, nil
}
