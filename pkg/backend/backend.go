package backend

import (
	"context"

	"github.com/skiffhq/skiff/pkg/types"
)

// InstanceConfiguration carries everything a backend needs to create a host
type InstanceConfiguration struct {
	InstanceID     string // stable client token base for idempotent creates
	InstanceName   string
	ProjectID      string
	SSHPublicKey   string
	UserData       string
	PlacementGroup *types.PlacementGroup
	Volumes        []string
}

// VolumeConfiguration declares a volume to provision
type VolumeConfiguration struct {
	Name    string
	Region  string
	SizeGiB int
}

// VolumeProvisioningData is returned after a volume is created at the backend
type VolumeProvisioningData struct {
	VolumeID string
	SizeGiB  int
}

// VolumeAttachmentData describes how an attached volume appears on the host
type VolumeAttachmentData struct {
	Device string
}

// PlacementGroupProvisioningData is returned after a placement group is created
type PlacementGroupProvisioningData struct {
	GroupID string
}

// LogFrame is one chunk of instance logs
type LogFrame struct {
	Timestamp int64
	Message   string
}

// Compute is the single interface every cloud adapter implements. Calls are
// stateless, bounded-latency HTTP requests; rate-limit handling lives inside
// the adapter. Errors are classified with IsNoCapacity / IsNotFound /
// AsBackendError.
type Compute interface {
	Kind() types.BackendKind

	// GetOffers returns offers matching the requirements, annotated with
	// availability. Callers cache results; adapters need not.
	GetOffers(ctx context.Context, req types.Requirements) ([]types.InstanceOfferWithAvailability, error)

	CreateInstance(ctx context.Context, offer types.InstanceOfferWithAvailability, config InstanceConfiguration) (*types.JobProvisioningData, error)
	TerminateInstance(ctx context.Context, pd *types.JobProvisioningData) error

	// UpdateProvisioningData re-inspects the instance; a public IP may appear
	// after create returns.
	UpdateProvisioningData(ctx context.Context, pd *types.JobProvisioningData) (*types.JobProvisioningData, error)

	CreatePlacementGroup(ctx context.Context, pg *types.PlacementGroup) (*PlacementGroupProvisioningData, error)
	DeletePlacementGroup(ctx context.Context, pg *types.PlacementGroup) error

	CreateVolume(ctx context.Context, config VolumeConfiguration) (*VolumeProvisioningData, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	AttachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) (*VolumeAttachmentData, error)
	DetachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) error

	RequestLogs(ctx context.Context, instanceID string, tail int) ([]LogFrame, error)
}
