package reconciler

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/events"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/metrics"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
)

// VolumeReconciler drives volumes through submitted, active, terminating,
// terminated, mirroring the instance loop
type VolumeReconciler struct {
	store    storage.Store
	computes Computes
	broker   *events.Broker
	clock    clockwork.Clock
}

// NewVolumeReconciler wires the volume state machine
func NewVolumeReconciler(store storage.Store, computes Computes, broker *events.Broker, clock clockwork.Clock) *VolumeReconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &VolumeReconciler{store: store, computes: computes, broker: broker, clock: clock}
}

// Reconcile executes one state-machine step for the volume
func (r *VolumeReconciler) Reconcile(ctx context.Context, id string) error {
	volume, err := r.store.GetVolume(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if volume.Deleted || volume.Status == types.VolumeStatusTerminated || volume.Status == types.VolumeStatusFailed {
		return nil
	}

	switch volume.Status {
	case types.VolumeStatusSubmitted:
		return r.create(ctx, volume)
	case types.VolumeStatusActive:
		return r.checkAttachment(volume)
	case types.VolumeStatusTerminating:
		return r.delete(ctx, volume)
	}
	return nil
}

func (r *VolumeReconciler) create(ctx context.Context, volume *types.Volume) error {
	compute, err := r.computes.get(volume.Backend)
	if err != nil {
		volume.Status = types.VolumeStatusFailed
		volume.StatusMessage = err.Error()
		return staleOK(r.store.UpdateVolume(volume))
	}

	pd, err := compute.CreateVolume(ctx, backend.VolumeConfiguration{
		Name:    volume.Name,
		Region:  volume.Region,
		SizeGiB: volume.SizeGiB,
	})
	metrics.BackendCallsTotal.WithLabelValues(string(volume.Backend), "create_volume", callOutcome(err)).Inc()
	if err != nil {
		if _, transient := backend.AsBackendError(err); transient {
			return err
		}
		volume.Status = types.VolumeStatusFailed
		volume.StatusMessage = err.Error()
		if uErr := staleOK(r.store.UpdateVolume(volume)); uErr != nil {
			return uErr
		}
		return nil
	}

	volume.ExternalID = pd.VolumeID
	if pd.SizeGiB > 0 {
		volume.SizeGiB = pd.SizeGiB
	}
	volume.Status = types.VolumeStatusActive
	volume.StatusMessage = ""
	if err := staleOK(r.store.UpdateVolume(volume)); err != nil {
		return err
	}
	logger := log.WithComponent("volume")
	logger.Info().Str("volume_id", volume.ID).Str("external_id", volume.ExternalID).Msg("volume provisioned")
	publish(r.broker, events.EventVolumeActive, "volume provisioned", map[string]string{"volume_id": volume.ID})
	return nil
}

// checkAttachment clears the attachment when the instance is gone
func (r *VolumeReconciler) checkAttachment(volume *types.Volume) error {
	if volume.AttachedTo == "" {
		return nil
	}
	inst, err := r.store.GetInstance(volume.AttachedTo)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err == nil && !inst.Status.Finished() {
		return nil
	}
	volume.AttachedTo = ""
	return staleOK(r.store.UpdateVolume(volume))
}

func (r *VolumeReconciler) delete(ctx context.Context, volume *types.Volume) error {
	// A volume attached to a live instance waits for detachment
	if volume.AttachedTo != "" {
		inst, err := r.store.GetInstance(volume.AttachedTo)
		if err == nil && !inst.Status.Finished() {
			return nil
		}
		volume.AttachedTo = ""
	}

	if volume.ExternalID != "" {
		compute, err := r.computes.get(volume.Backend)
		if err == nil {
			dErr := compute.DeleteVolume(ctx, volume.ExternalID)
			metrics.BackendCallsTotal.WithLabelValues(string(volume.Backend), "delete_volume", callOutcome(dErr)).Inc()
			if dErr != nil && !backend.IsNotFound(dErr) {
				return dErr
			}
		}
	}

	volume.Status = types.VolumeStatusTerminated
	volume.Deleted = true
	if err := staleOK(r.store.UpdateVolume(volume)); err != nil {
		return err
	}
	publish(r.broker, events.EventVolumeDeleted, "volume deleted", map[string]string{"volume_id": volume.ID})
	return nil
}
