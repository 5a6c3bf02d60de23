package placement

import (
	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/types"
)

// ResolveTotalBlocks turns a requested block count into a concrete one given
// the host's shape. BlocksAuto collapses to the GPU count when the host has
// two or more GPUs, otherwise to one. An explicit count is accepted only if
// both cpus and gpus divide evenly into it, so every block is a uniform
// slice.
func ResolveTotalBlocks(requested, cpus, gpus int) (int, error) {
	if requested == types.BlocksAuto {
		if gpus >= 2 {
			return gpus, nil
		}
		return 1, nil
	}
	if requested <= 0 {
		return 1, nil
	}
	if requested == 1 {
		return 1, nil
	}
	if cpus%requested != 0 {
		return 0, errors.Errorf("cannot split %d cpus into %d blocks", cpus, requested)
	}
	if gpus%requested != 0 {
		return 0, errors.Errorf("cannot split %d gpus into %d blocks", gpus, requested)
	}
	return requested, nil
}

// BlockResources returns the resources of one block of an instance
func BlockResources(instance *types.Instance) types.Resources {
	res := instanceResources(instance)
	return res.Divide(instance.TotalBlocks())
}

func instanceResources(instance *types.Instance) types.Resources {
	if instance.Offer != nil {
		return instance.Offer.Instance.Resources
	}
	if instance.HostInfo != nil {
		hi := instance.HostInfo
		gpus := make([]types.GPU, 0, hi.GPUCount)
		for i := 0; i < hi.GPUCount; i++ {
			gpus = append(gpus, types.GPU{Name: hi.GPUName, Vendor: hi.GPUVendor, MemoryMiB: hi.GPUMemoryMiB})
		}
		return types.Resources{
			CPUs:      hi.CPUs,
			MemoryMiB: hi.MemoryBytes / 1024 / 1024,
			DiskMiB:   hi.DiskBytes / 1024 / 1024,
			GPUs:      gpus,
		}
	}
	return types.Resources{}
}

// ResourcesSatisfy reports whether res meets the minimums in req
func ResourcesSatisfy(res types.Resources, req types.Requirements) bool {
	if res.CPUs < req.MinCPUs {
		return false
	}
	if res.MemoryMiB < req.MinMemoryMiB {
		return false
	}
	if res.DiskMiB < req.MinDiskMiB {
		return false
	}
	if res.GPUCount() < req.MinGPUs {
		return false
	}
	if req.GPUName != "" {
		found := false
		for _, gpu := range res.GPUs {
			if gpu.Name == req.GPUName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
