package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/events"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
)

const (
	// Placement group calls are retried inline; the reconciler tick is the
	// outer retry loop, so the inline budget stays small.
	placementGroupAttempts   = 3
	placementGroupRetryDelay = 500 * time.Millisecond
)

// FleetReconciler maintains each fleet's instance count within its declared
// nodes range, manages cluster placement groups, and garbage-collects empty
// fleets that no run references.
type FleetReconciler struct {
	store    storage.Store
	computes Computes
	broker   *events.Broker
	clock    clockwork.Clock
}

// NewFleetReconciler wires the fleet maintainer
func NewFleetReconciler(store storage.Store, computes Computes, broker *events.Broker, clock clockwork.Clock) *FleetReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FleetReconciler{store: store, computes: computes, broker: broker, clock: clock}
}

// Reconcile executes one maintenance step for the fleet
func (r *FleetReconciler) Reconcile(ctx context.Context, id string) error {
	fleet, err := r.store.GetFleet(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if fleet.Deleted || fleet.Status == types.FleetStatusTerminated {
		return nil
	}

	instances, err := r.store.ListInstancesByFleet(fleet.ID)
	if err != nil {
		return err
	}
	live := liveInstances(instances)

	if fleet.Status == types.FleetStatusTerminating {
		return r.drain(ctx, fleet, live)
	}

	created := 0
	if fleet.Status == types.FleetStatusSubmitted {
		short := fleet.Spec.Nodes.Min - len(live)
		if short > 0 {
			if created, err = r.scaleUp(ctx, fleet, short, len(instances)); err != nil {
				return err
			}
		}
		fleet.Status = types.FleetStatusActive
		if err := staleOK(r.store.UpdateFleet(fleet)); err != nil {
			return err
		}
		if created > 0 {
			publish(r.broker, events.EventFleetScaled, "fleet instances created", map[string]string{"fleet_id": fleet.ID})
			return nil
		}
	}

	if fleet.Spec.Placement == types.PlacementCluster {
		if err := r.ensurePlacementGroups(ctx, fleet); err != nil {
			return err
		}
	}

	if fleet.Spec.Nodes.Max > 0 && len(live) > fleet.Spec.Nodes.Max {
		return r.scaleDown(fleet, live, len(live)-fleet.Spec.Nodes.Max)
	}

	// Empty fleets that no active run references are reclaimed
	if len(live) == 0 && created == 0 {
		referenced, err := r.hasActiveRuns(fleet.ID)
		if err != nil {
			return err
		}
		if !referenced {
			return r.reclaim(ctx, fleet)
		}
	}
	return nil
}

func liveInstances(instances []*types.Instance) []*types.Instance {
	live := instances[:0:0]
	for _, inst := range instances {
		if !inst.Status.Finished() {
			live = append(live, inst)
		}
	}
	return live
}

// scaleUp creates pending instances carrying the fleet's constraints; the
// instance reconciler picks offers and provisions them
func (r *FleetReconciler) scaleUp(ctx context.Context, fleet *types.Fleet, count, seq int) (int, error) {
	now := r.clock.Now().UTC()
	spec := fleet.Spec

	poolID := ""
	if pools, err := r.store.ListPoolsByProject(fleet.ProjectID); err == nil {
		for _, pool := range pools {
			if pool.Default {
				poolID = pool.ID
				break
			}
		}
	}

	pgID := ""
	if spec.Placement == types.PlacementCluster {
		var err error
		if pgID, err = r.placementGroupFor(ctx, fleet); err != nil {
			return 0, err
		}
	}

	policy := types.TerminationPolicyDontDestroy
	if spec.IdleDuration > 0 {
		policy = types.TerminationPolicyDestroyAfterIdle
	}

	var sharedInfo *types.SharedInfo
	if spec.TotalBlocks != 0 {
		sharedInfo = &types.SharedInfo{TotalBlocks: spec.TotalBlocks}
	}

	for i := 0; i < count; i++ {
		inst := &types.Instance{
			ID:        uuid.NewString(),
			ProjectID: fleet.ProjectID,
			PoolID:    poolID,
			FleetID:   fleet.ID,
			Name:      fmt.Sprintf("%s-%d", spec.Name, seq+i),
			Status:    types.InstanceStatusPending,
			Profile: types.Profile{
				Backends:       spec.Backends,
				Regions:        spec.Regions,
				Spot:           spec.Spot,
				MaxPrice:       spec.MaxPrice,
				Reservation:    spec.Reservation,
				PlacementGroup: pgID,
			},
			Requirements:        spec.Resources,
			SharedInfo:          sharedInfo,
			TerminationPolicy:   policy,
			TerminationIdleTime: spec.IdleDuration,
			PlacementGroupID:    pgID,
			CreatedAt:           now,
		}
		if err := r.store.CreateInstance(inst); err != nil {
			return i, err
		}
	}
	logger := log.WithFleetID(fleet.ID)
	logger.Info().Int("count", count).Msg("fleet instances created")
	return count, nil
}

// scaleDown terminates the excess, preferring unreachable instances, then
// the oldest
func (r *FleetReconciler) scaleDown(fleet *types.Fleet, live []*types.Instance, excess int) error {
	logger := log.WithFleetID(fleet.ID)
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Unreachable != live[j].Unreachable {
			return live[i].Unreachable
		}
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.Before(live[j].CreatedAt)
		}
		return live[i].ID < live[j].ID
	})

	for _, inst := range live[:excess] {
		if inst.Status == types.InstanceStatusTerminating {
			continue
		}
		inst.Status = types.InstanceStatusTerminating
		inst.TerminationReason = "Scaled down"
		if err := staleOK(r.store.UpdateInstance(inst)); err != nil {
			return err
		}
		logger.Info().Str("instance_id", inst.ID).Msg("terminating excess instance")
	}
	publish(r.broker, events.EventFleetScaled, "fleet scaled down", map[string]string{"fleet_id": fleet.ID})
	return nil
}

// drain terminates the remaining instances, then finishes the fleet
func (r *FleetReconciler) drain(ctx context.Context, fleet *types.Fleet, live []*types.Instance) error {
	for _, inst := range live {
		if inst.Status == types.InstanceStatusTerminating {
			continue
		}
		inst.Status = types.InstanceStatusTerminating
		inst.TerminationReason = "Fleet deleted"
		if err := staleOK(r.store.UpdateInstance(inst)); err != nil {
			return err
		}
	}
	if len(live) > 0 {
		return nil
	}
	return r.reclaim(ctx, fleet)
}

// reclaim deletes the fleet's placement groups and soft-deletes the fleet
func (r *FleetReconciler) reclaim(ctx context.Context, fleet *types.Fleet) error {
	if err := r.deletePlacementGroups(ctx, fleet); err != nil {
		return err
	}
	fleet.Status = types.FleetStatusTerminated
	fleet.Deleted = true
	if err := staleOK(r.store.UpdateFleet(fleet)); err != nil {
		return err
	}
	logger := log.WithFleetID(fleet.ID)
	logger.Info().Msg("fleet deleted")
	publish(r.broker, events.EventFleetDeleted, "fleet deleted", map[string]string{"fleet_id": fleet.ID})
	return nil
}

// placementGroupFor returns the fleet's placement group id, creating the
// row on first use
func (r *FleetReconciler) placementGroupFor(ctx context.Context, fleet *types.Fleet) (string, error) {
	groups, err := r.store.ListPlacementGroupsByFleet(fleet.ID)
	if err != nil {
		return "", err
	}
	for _, pg := range groups {
		if pg.Status != types.PlacementGroupStatusTerminated {
			return pg.ID, nil
		}
	}

	pg := &types.PlacementGroup{
		ID:        uuid.NewString(),
		ProjectID: fleet.ProjectID,
		FleetID:   fleet.ID,
		Status:    types.PlacementGroupStatusSubmitted,
		CreatedAt: r.clock.Now().UTC(),
	}
	if len(fleet.Spec.Backends) > 0 {
		pg.Backend = fleet.Spec.Backends[0]
	}
	if len(fleet.Spec.Regions) > 0 {
		pg.Region = fleet.Spec.Regions[0]
	}
	if err := r.store.CreatePlacementGroup(pg); err != nil {
		return "", err
	}
	return pg.ID, nil
}

// ensurePlacementGroups creates submitted groups at their backend. Creation
// failures stay submitted and retry next tick.
func (r *FleetReconciler) ensurePlacementGroups(ctx context.Context, fleet *types.Fleet) error {
	logger := log.WithFleetID(fleet.ID)
	groups, err := r.store.ListPlacementGroupsByFleet(fleet.ID)
	if err != nil {
		return err
	}
	for _, pg := range groups {
		if pg.Status != types.PlacementGroupStatusSubmitted {
			continue
		}
		compute, err := r.computes.get(pg.Backend)
		if err != nil {
			continue
		}
		var pd *backend.PlacementGroupProvisioningData
		err = retry.Do(
			func() error {
				var rErr error
				pd, rErr = compute.CreatePlacementGroup(ctx, pg)
				return rErr
			},
			retry.Context(ctx),
			retry.Attempts(placementGroupAttempts),
			retry.Delay(placementGroupRetryDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("placement group creation failed, will retry")
			continue
		}
		pg.ExternalID = pd.GroupID
		pg.Status = types.PlacementGroupStatusActive
		if err := staleOK(r.store.UpdatePlacementGroup(pg)); err != nil {
			return err
		}
	}
	return nil
}

// deletePlacementGroups tears down the fleet's groups at their backends
func (r *FleetReconciler) deletePlacementGroups(ctx context.Context, fleet *types.Fleet) error {
	groups, err := r.store.ListPlacementGroupsByFleet(fleet.ID)
	if err != nil {
		return err
	}
	for _, pg := range groups {
		if pg.Status == types.PlacementGroupStatusTerminated {
			continue
		}
		if pg.Status == types.PlacementGroupStatusActive {
			if compute, cErr := r.computes.get(pg.Backend); cErr == nil {
				dErr := retry.Do(
					func() error { return compute.DeletePlacementGroup(ctx, pg) },
					retry.Context(ctx),
					retry.Attempts(placementGroupAttempts),
					retry.Delay(placementGroupRetryDelay),
					retry.LastErrorOnly(true),
					retry.RetryIf(func(err error) bool { return !backend.IsNotFound(err) }),
				)
				if dErr != nil && !backend.IsNotFound(dErr) {
					return dErr
				}
			}
		}
		pg.Status = types.PlacementGroupStatusTerminated
		pg.Deleted = true
		if err := staleOK(r.store.UpdatePlacementGroup(pg)); err != nil {
			return err
		}
	}
	return nil
}

// hasActiveRuns reports whether any unfinished run references the fleet
func (r *FleetReconciler) hasActiveRuns(fleetID string) (bool, error) {
	runs, err := r.store.ListRunsByFleet(fleetID)
	if err != nil {
		return false, err
	}
	for _, run := range runs {
		if !run.Status.Finished() || !run.ProcessingFinished {
			return true, nil
		}
	}
	return false, nil
}
