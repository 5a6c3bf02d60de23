package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/health"
	"github.com/skiffhq/skiff/pkg/offers"
	"github.com/skiffhq/skiff/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioningHealthyBecomesIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	deadline := now.Add(24 * time.Hour)
	started := now.Add(-time.Minute)
	inst := &types.Instance{
		ID:                  uuid.NewString(),
		ProjectID:           "p1",
		Status:              types.InstanceStatusProvisioning,
		TerminationDeadline: &deadline,
		HealthStatus:        "ssh connect problem",
		Unreachable:         true,
		CreatedAt:           now.Add(-2 * time.Minute),
		StartedAt:           &started,
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), healthyChecker(), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusIdle, got.Status)
	assert.Nil(t, got.TerminationDeadline)
	assert.Empty(t, got.HealthStatus)
	assert.False(t, got.Unreachable)
}

func TestRemoteHostDeployedAndBlocksDetected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	inst := &types.Instance{
		ID:         uuid.NewString(),
		ProjectID:  "p1",
		Status:     types.InstanceStatusPending,
		SharedInfo: &types.SharedInfo{TotalBlocks: types.BlocksAuto},
		RemoteConnectionInfo: &types.RemoteConnectionInfo{
			Host: "203.0.113.9",
			Port: 22,
			User: "ubuntu",
		},
		CreatedAt: now,
	}
	require.NoError(t, store.CreateInstance(inst))

	deployed := 0
	deployer := health.DeployerFunc(func(ctx context.Context, instance *types.Instance) (health.Status, *types.HostInfo, error) {
		deployed++
		return health.OK(), &types.HostInfo{CPUs: 16, MemoryBytes: 64 << 30, GPUCount: 4, GPUName: "H100"}, nil
	})

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), healthyChecker(), deployer, nil, clock, InstanceConfig{})

	// First tick schedules the deploy; no cloud create happens
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusProvisioning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Zero(t, deployed)

	// Second tick deploys the agent and detects the host's shape
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err = store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, deployed)
	assert.Equal(t, types.InstanceStatusIdle, got.Status)
	require.NotNil(t, got.HostInfo)
	assert.Equal(t, 4, got.SharedInfo.TotalBlocks)
	assert.Equal(t, 0, got.SharedInfo.BusyBlocks)
}

func TestRemoteHostDeployFailurePastGraceTerminates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	started := now.Add(-11 * time.Minute)
	inst := &types.Instance{
		ID:        uuid.NewString(),
		ProjectID: "p1",
		Status:    types.InstanceStatusProvisioning,
		RemoteConnectionInfo: &types.RemoteConnectionInfo{
			Host: "203.0.113.9",
			Port: 22,
			User: "ubuntu",
		},
		CreatedAt: started,
		StartedAt: &started,
	}
	require.NoError(t, store.CreateInstance(inst))

	deployer := health.DeployerFunc(func(ctx context.Context, instance *types.Instance) (health.Status, *types.HostInfo, error) {
		return health.Unhealthy("ssh connect problem"), nil, nil
	})

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), healthyChecker(), deployer, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminating, got.Status)
	assert.Equal(t, "ssh connect problem", got.TerminationReason)
	require.NotNil(t, got.TerminationDeadline)
}

func TestProvisioningUnhealthyPastGraceTerminates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	started := now.Add(-20 * time.Minute)
	inst := &types.Instance{
		ID:        uuid.NewString(),
		ProjectID: "p1",
		Status:    types.InstanceStatusProvisioning,
		CreatedAt: started,
		StartedAt: &started,
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), unhealthyChecker("shim not responding"), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminating, got.Status)
	assert.Equal(t, "shim not responding", got.TerminationReason)
	require.NotNil(t, got.TerminationDeadline)
}

func TestProvisioningUnhealthyWithinGraceWaits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	started := now.Add(-time.Minute)
	inst := &types.Instance{
		ID:        uuid.NewString(),
		ProjectID: "p1",
		Status:    types.InstanceStatusProvisioning,
		CreatedAt: started,
		StartedAt: &started,
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), unhealthyChecker("ssh connect problem"), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusProvisioning, got.Status)
	assert.Equal(t, "ssh connect problem", got.HealthStatus)
}

func TestIdleTimeoutTerminates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	lastJob := now.Add(-19 * time.Minute)
	inst := &types.Instance{
		ID:                  uuid.NewString(),
		ProjectID:           "p1",
		Status:              types.InstanceStatusIdle,
		TerminationPolicy:   types.TerminationPolicyDestroyAfterIdle,
		TerminationIdleTime: 300 * time.Second,
		LastJobProcessedAt:  &lastJob,
		CreatedAt:           now.Add(-time.Hour),
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), healthyChecker(), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminated, got.Status)
	assert.Equal(t, "Idle timeout", got.TerminationReason)
	assert.True(t, got.Deleted)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.DeletedAt)
}

func TestIdleTimeoutAtExactBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	lastJob := now.Add(-300 * time.Second)
	inst := &types.Instance{
		ID:                  uuid.NewString(),
		ProjectID:           "p1",
		Status:              types.InstanceStatusIdle,
		TerminationPolicy:   types.TerminationPolicyDestroyAfterIdle,
		TerminationIdleTime: 300 * time.Second,
		LastJobProcessedAt:  &lastJob,
		CreatedAt:           now.Add(-time.Hour),
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), healthyChecker(), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminated, got.Status)
}

func TestProvisionTimeoutExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	inst := &types.Instance{
		ID:        uuid.NewString(),
		ProjectID: "p1",
		Status:    types.InstanceStatusPending,
		CreatedAt: now.Add(-21 * time.Minute),
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), healthyChecker(), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminated, got.Status)
	assert.Equal(t, "Provisioning timeout expired", got.TerminationReason)
}

func TestTerminateRetrySequence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	t0 := clock.Now().UTC()

	compute := &stubCompute{kind: types.BackendAWS}
	inst := &types.Instance{
		ID:                 uuid.NewString(),
		ProjectID:          "p1",
		Status:             types.InstanceStatusTerminating,
		TerminationReason:  "Termination deadline",
		ProvisioningData:   &types.JobProvisioningData{Backend: types.BackendAWS, InstanceID: "i-123"},
		LastJobProcessedAt: &t0,
		CreatedAt:          t0.Add(-time.Hour),
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{types.BackendAWS: compute}, offers.NewEngine(nil), healthyChecker(), nil, nil, clock, InstanceConfig{})

	// First attempt fails: instance stays terminating
	clock.Advance(time.Minute)
	compute.terminateErr = backend.NewBackendError("aws", "rate limited")
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminating, got.Status)
	assert.Equal(t, 1, compute.terminateCalls)

	// Three seconds later is too early to retry
	clock.Advance(3 * time.Second)
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	assert.Equal(t, 1, compute.terminateCalls)

	// At the minute mark the retry goes through
	clock.Advance(57 * time.Second)
	compute.terminateErr = nil
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err = store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminated, got.Status)
	assert.Equal(t, 2, compute.terminateCalls)
}

func TestTerminateHardDeadlineForcesTermination(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	t0 := clock.Now().UTC()

	compute := &stubCompute{kind: types.BackendAWS, terminateErr: backend.NewBackendError("aws", "persistent failure")}
	inst := &types.Instance{
		ID:                uuid.NewString(),
		ProjectID:         "p1",
		Status:            types.InstanceStatusTerminating,
		TerminationReason: "Termination deadline",
		ProvisioningData:  &types.JobProvisioningData{Backend: types.BackendAWS, InstanceID: "i-123"},
		CreatedAt:         t0.Add(-time.Hour),
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{types.BackendAWS: compute}, offers.NewEngine(nil), healthyChecker(), nil, nil, clock, InstanceConfig{})

	// First attempt sets the hard deadline and fails
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminating, got.Status)

	// Past the hard deadline the final attempt may fail; the instance is
	// terminated regardless
	clock.Advance(16*time.Minute + time.Second)
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err = store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusTerminated, got.Status)
	assert.True(t, got.Deleted)
}

func TestAutoBlocksResolvedFromOffer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	compute := &stubCompute{kind: types.BackendAWS, offers: []types.InstanceOfferWithAvailability{*gpuOffer(8)}}
	inst := &types.Instance{
		ID:         uuid.NewString(),
		ProjectID:  "p1",
		Status:     types.InstanceStatusPending,
		SharedInfo: &types.SharedInfo{TotalBlocks: types.BlocksAuto},
		CreatedAt:  now,
	}
	require.NoError(t, store.CreateInstance(inst))

	engine := offers.NewEngine([]backend.Compute{compute})
	r := NewInstanceReconciler(store, Computes{types.BackendAWS: compute}, engine, healthyChecker(), nil, nil, clock, InstanceConfig{})

	// pending -> provisioning picks the offer and creates the instance
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	require.Equal(t, types.InstanceStatusProvisioning, got.Status)
	require.NotNil(t, got.ProvisioningData)

	// provisioning -> idle resolves auto blocks from the offer's GPU count
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))
	got, err = store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusIdle, got.Status)
	require.NotNil(t, got.SharedInfo)
	assert.Equal(t, 8, got.SharedInfo.TotalBlocks)
	assert.Equal(t, 0, got.SharedInfo.BusyBlocks)
}

func TestNoCapacityDropsOfferAndStaysPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	compute := &stubCompute{
		kind:      types.BackendAWS,
		offers:    []types.InstanceOfferWithAvailability{*gpuOffer(2)},
		createErr: backend.ErrNoCapacity,
	}
	inst := &types.Instance{
		ID:        uuid.NewString(),
		ProjectID: "p1",
		Status:    types.InstanceStatusPending,
		CreatedAt: now,
	}
	require.NoError(t, store.CreateInstance(inst))

	engine := offers.NewEngine([]backend.Compute{compute})
	r := NewInstanceReconciler(store, Computes{types.BackendAWS: compute}, engine, healthyChecker(), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusPending, got.Status)
	assert.Nil(t, got.Offer)
}

func TestBusyInstanceGoesIdleWhenJobsFinish(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, clock)
	now := clock.Now().UTC()

	inst := &types.Instance{
		ID:         uuid.NewString(),
		ProjectID:  "p1",
		Status:     types.InstanceStatusBusy,
		SharedInfo: &types.SharedInfo{TotalBlocks: 2, BusyBlocks: 1},
		CreatedAt:  now.Add(-time.Hour),
	}
	require.NoError(t, store.CreateInstance(inst))

	r := NewInstanceReconciler(store, Computes{}, offers.NewEngine(nil), healthyChecker(), nil, nil, clock, InstanceConfig{})
	require.NoError(t, r.Reconcile(context.Background(), inst.ID))

	got, err := store.GetInstance(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusIdle, got.Status)
	assert.Equal(t, 0, got.SharedInfo.BusyBlocks)
	require.NotNil(t, got.LastJobProcessedAt)
}
