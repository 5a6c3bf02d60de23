package reconciler

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/health"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, clock clockwork.Clock) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// stubCompute is a controllable backend.Compute for reconciler tests
type stubCompute struct {
	kind            types.BackendKind
	offers          []types.InstanceOfferWithAvailability
	createErr       error
	terminateErr    error
	terminateCalls  int
	createVolumeErr error
	provisioningOut *types.JobProvisioningData
}

func (s *stubCompute) Kind() types.BackendKind {
	if s.kind == "" {
		return types.BackendAWS
	}
	return s.kind
}

func (s *stubCompute) GetOffers(ctx context.Context, req types.Requirements) ([]types.InstanceOfferWithAvailability, error) {
	return s.offers, nil
}

func (s *stubCompute) CreateInstance(ctx context.Context, offer types.InstanceOfferWithAvailability, config backend.InstanceConfiguration) (*types.JobProvisioningData, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.provisioningOut != nil {
		return s.provisioningOut, nil
	}
	return &types.JobProvisioningData{
		Backend:      s.Kind(),
		InstanceType: offer.Instance,
		InstanceID:   "backend-" + config.InstanceID,
		Hostname:     "10.0.0.1",
		Region:       offer.Region,
		Price:        offer.Price,
		Username:     "ubuntu",
		SSHPort:      22,
	}, nil
}

func (s *stubCompute) TerminateInstance(ctx context.Context, pd *types.JobProvisioningData) error {
	s.terminateCalls++
	return s.terminateErr
}

func (s *stubCompute) UpdateProvisioningData(ctx context.Context, pd *types.JobProvisioningData) (*types.JobProvisioningData, error) {
	return pd, nil
}

func (s *stubCompute) CreatePlacementGroup(ctx context.Context, pg *types.PlacementGroup) (*backend.PlacementGroupProvisioningData, error) {
	return &backend.PlacementGroupProvisioningData{GroupID: "pg-" + pg.ID}, nil
}

func (s *stubCompute) DeletePlacementGroup(ctx context.Context, pg *types.PlacementGroup) error {
	return nil
}

func (s *stubCompute) CreateVolume(ctx context.Context, config backend.VolumeConfiguration) (*backend.VolumeProvisioningData, error) {
	if s.createVolumeErr != nil {
		return nil, s.createVolumeErr
	}
	return &backend.VolumeProvisioningData{VolumeID: "vol-" + config.Name, SizeGiB: config.SizeGiB}, nil
}

func (s *stubCompute) DeleteVolume(ctx context.Context, volumeID string) error { return nil }

func (s *stubCompute) AttachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) (*backend.VolumeAttachmentData, error) {
	return &backend.VolumeAttachmentData{Device: "/dev/xvdf"}, nil
}

func (s *stubCompute) DetachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) error {
	return nil
}

func (s *stubCompute) RequestLogs(ctx context.Context, instanceID string, tail int) ([]backend.LogFrame, error) {
	return nil, nil
}

func healthyChecker() health.Checker {
	return health.CheckerFunc(func(ctx context.Context, instance *types.Instance) health.Status {
		return health.OK()
	})
}

func unhealthyChecker(reason string) health.Checker {
	return health.CheckerFunc(func(ctx context.Context, instance *types.Instance) health.Status {
		return health.Unhealthy(reason)
	})
}

func gpuOffer(gpus int) *types.InstanceOfferWithAvailability {
	gpuList := make([]types.GPU, gpus)
	for i := range gpuList {
		gpuList[i] = types.GPU{Name: "H100", Vendor: "nvidia", MemoryMiB: 81920}
	}
	return &types.InstanceOfferWithAvailability{
		InstanceOffer: types.InstanceOffer{
			Backend: types.BackendAWS,
			Region:  "us-east-1",
			Price:   12.5,
			Instance: types.InstanceType{
				Name: "p5.48xlarge",
				Resources: types.Resources{
					CPUs:      32,
					MemoryMiB: 262144,
					DiskMiB:   1048576,
					GPUs:      gpuList,
				},
			},
		},
		Availability: types.AvailabilityAvailable,
	}
}
