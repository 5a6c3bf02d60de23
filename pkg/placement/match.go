package placement

import (
	"github.com/samber/lo"
	"github.com/skiffhq/skiff/pkg/types"
)

// Matches reports whether a job can be placed on an instance: same project,
// a free block whose per-block resources satisfy the job's requirements, and
// profile constraints (backend, region, spot policy, price, reservation,
// placement group) honored.
func Matches(job *types.Job, run *types.Run, instance *types.Instance) bool {
	if job.ProjectID != instance.ProjectID {
		return false
	}
	if instance.Status != types.InstanceStatusIdle &&
		instance.Status != types.InstanceStatusBusy &&
		instance.Status != types.InstanceStatusProvisioning {
		return false
	}
	if instance.Unreachable {
		return false
	}
	if instance.TotalBlocks()-instance.BusyBlocks() < 1 {
		return false
	}
	if !ResourcesSatisfy(BlockResources(instance), run.Spec.Requirements) {
		return false
	}

	profile := run.Spec.Profile
	offer := instance.Offer
	if offer != nil {
		if len(profile.Backends) > 0 && !lo.Contains(profile.Backends, offer.Backend) {
			return false
		}
		if len(profile.Regions) > 0 && !lo.Contains(profile.Regions, offer.Region) {
			return false
		}
		switch profile.Spot {
		case types.SpotPolicySpot:
			if !offer.Instance.Resources.Spot {
				return false
			}
		case types.SpotPolicyOnDemand:
			if offer.Instance.Resources.Spot {
				return false
			}
		}
		maxPrice := run.Spec.Requirements.MaxPrice
		if maxPrice == 0 {
			maxPrice = profile.MaxPrice
		}
		if maxPrice > 0 && offer.Price > maxPrice {
			return false
		}
	}
	if profile.PlacementGroup != "" && instance.PlacementGroupID != profile.PlacementGroup {
		return false
	}
	return true
}

// RuntimeData computes the block share and port mapping assigned to a job at
// placement time. isPortFree reports local port availability; pass nil for
// cloud instances where ports are forwarded through the tunnel instead.
func RuntimeData(job *types.Job, instance *types.Instance, isPortFree func(int) bool) (*types.JobRuntimeData, error) {
	ports, err := AllocatePorts(job.Spec.Ports, isPortFree)
	if err != nil {
		return nil, err
	}
	return &types.JobRuntimeData{
		Resources: BlockResources(instance),
		Ports:     ports,
		VolumeIDs: instance.VolumeIDs,
	}, nil
}
