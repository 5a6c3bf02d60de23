package types

import (
	"time"
)

// BackendKind identifies a cloud provider family
type BackendKind string

const (
	BackendAWS        BackendKind = "aws"
	BackendAzure      BackendKind = "azure"
	BackendGCP        BackendKind = "gcp"
	BackendDataCrunch BackendKind = "datacrunch"
	BackendLambda     BackendKind = "lambda"
	BackendLocal      BackendKind = "local"
	BackendNebius     BackendKind = "nebius"
	BackendTensorDock BackendKind = "tensordock"
	BackendVastAI     BackendKind = "vastai"
	BackendRemote     BackendKind = "remote" // SSH-attached hosts
)

// Project is the logical tenant owning all other entities
type Project struct {
	ID        string
	Name      string
	Deleted   bool
	CreatedAt time.Time
}

// BackendConfig is a configured credential+region set bound to a project.
// Credentials are opaque to the core; they are decrypted by the adapter factory.
type BackendConfig struct {
	ID          string
	ProjectID   string
	Kind        BackendKind
	Regions     []string
	Credentials []byte // encrypted, opaque
}

// Pool groups instances within a project. Every instance belongs to exactly one pool.
type Pool struct {
	ID        string
	ProjectID string
	Name      string
	Default   bool
	Deleted   bool
	CreatedAt time.Time
}

// FleetStatus represents the current state of a fleet
type FleetStatus string

const (
	FleetStatusSubmitted   FleetStatus = "submitted"
	FleetStatusActive      FleetStatus = "active"
	FleetStatusTerminating FleetStatus = "terminating"
	FleetStatusTerminated  FleetStatus = "terminated"
	FleetStatusFailed      FleetStatus = "failed"
)

// Placement defines how fleet instances are placed relative to each other
type Placement string

const (
	PlacementAny     Placement = "any"
	PlacementCluster Placement = "cluster"
)

// NodesRange bounds the number of instances a fleet maintains
type NodesRange struct {
	Min int
	Max int
}

// FleetSpec is the declared configuration of a fleet
type FleetSpec struct {
	Name            string
	Nodes           NodesRange
	Placement       Placement
	Resources       Requirements
	Backends        []BackendKind
	Regions         []string
	Spot            SpotPolicy
	MaxPrice        float64 // 0 = unbounded
	IdleDuration    time.Duration
	Reservation     string
	TotalBlocks     int // 0 = one block; BlocksAuto = detect
	TerminationIdle time.Duration
}

// Fleet is a declared group of instances maintained to a node-count range
type Fleet struct {
	ID            string
	ProjectID     string
	Spec          FleetSpec
	Status        FleetStatus
	StatusMessage string
	Deleted       bool
	CreatedAt     time.Time
	LastProcessed time.Time
	Version       int
}

// InstanceStatus represents the current state of an instance
type InstanceStatus string

const (
	InstanceStatusPending      InstanceStatus = "pending"
	InstanceStatusProvisioning InstanceStatus = "provisioning"
	InstanceStatusIdle         InstanceStatus = "idle"
	InstanceStatusBusy         InstanceStatus = "busy"
	InstanceStatusTerminating  InstanceStatus = "terminating"
	InstanceStatusTerminated   InstanceStatus = "terminated"
)

// Finished reports whether the status is terminal
func (s InstanceStatus) Finished() bool {
	return s == InstanceStatusTerminated
}

// TerminationPolicy defines when an idle instance is destroyed
type TerminationPolicy string

const (
	TerminationPolicyDontDestroy      TerminationPolicy = "dont-destroy"
	TerminationPolicyDestroyAfterIdle TerminationPolicy = "destroy-after-idle"
)

// BlocksAuto requests block count detection from the provisioned host:
// gpu count when the host has two or more GPUs, otherwise one.
const BlocksAuto = -1

// SharedInfo tracks sub-instance packing. TotalBlocks equal slices of the
// instance's resources are exposed; a job occupies one block.
type SharedInfo struct {
	TotalBlocks int `json:"total_blocks"`
	BusyBlocks  int `json:"busy_blocks"`
}

// RemoteConnectionInfo describes an SSH-attached host
type RemoteConnectionInfo struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	User    string   `json:"user"`
	SSHKeys []string `json:"ssh_keys"`
}

// HostInfo is reported by the deploy step on SSH-attached hosts
type HostInfo struct {
	CPUs         int      `json:"cpus"`
	MemoryBytes  int64    `json:"memory"`
	DiskBytes    int64    `json:"disk_size"`
	GPUVendor    string   `json:"gpu_vendor"`
	GPUName      string   `json:"gpu_name"`
	GPUMemoryMiB int      `json:"gpu_memory"`
	GPUCount     int      `json:"gpu_count"`
	Addresses    []string `json:"addresses"`
}

// Instance is a single compute host, cloud-provisioned or SSH-attached
type Instance struct {
	ID                   string
	ProjectID            string
	PoolID               string
	FleetID              string // weak reference, may be empty
	Name                 string
	Status               InstanceStatus
	Unreachable          bool
	SharedInfo           *SharedInfo // nil = not shared (single implicit block)
	Offer                *InstanceOfferWithAvailability
	ProvisioningData     *JobProvisioningData
	RemoteConnectionInfo *RemoteConnectionInfo
	HostInfo             *HostInfo
	TerminationPolicy    TerminationPolicy
	TerminationIdleTime  time.Duration
	TerminationDeadline  *time.Time
	TerminationReason    string
	HealthStatus         string
	PlacementGroupID     string
	VolumeIDs            []string
	Profile              Profile
	Requirements         Requirements
	Deleted              bool
	CreatedAt            time.Time
	StartedAt            *time.Time
	FinishedAt           *time.Time
	DeletedAt            *time.Time
	LastJobProcessedAt   *time.Time
	LastProcessed        time.Time
	Version              int
}

// TotalBlocks returns the effective block count. Unshared instances have one block.
func (i *Instance) TotalBlocks() int {
	if i.SharedInfo == nil || i.SharedInfo.TotalBlocks <= 0 {
		return 1
	}
	return i.SharedInfo.TotalBlocks
}

// BusyBlocks returns the number of blocks occupied by placed jobs
func (i *Instance) BusyBlocks() int {
	if i.SharedInfo == nil {
		return 0
	}
	return i.SharedInfo.BusyBlocks
}

// VolumeStatus mirrors the instance state machine for volumes
type VolumeStatus string

const (
	VolumeStatusSubmitted   VolumeStatus = "submitted"
	VolumeStatusActive      VolumeStatus = "active"
	VolumeStatusTerminating VolumeStatus = "terminating"
	VolumeStatusTerminated  VolumeStatus = "terminated"
	VolumeStatusFailed      VolumeStatus = "failed"
)

// Volume is persistent storage provisioned at a backend
type Volume struct {
	ID            string
	ProjectID     string
	Name          string
	Backend       BackendKind
	Region        string
	SizeGiB       int
	Status        VolumeStatus
	StatusMessage string
	ExternalID    string // backend-assigned volume id
	AttachedTo    string // instance id, empty when detached
	Deleted       bool
	CreatedAt     time.Time
	LastProcessed time.Time
	Version       int
}

// PlacementGroupStatus mirrors the instance state machine
type PlacementGroupStatus string

const (
	PlacementGroupStatusSubmitted  PlacementGroupStatus = "submitted"
	PlacementGroupStatusActive     PlacementGroupStatus = "active"
	PlacementGroupStatusTerminated PlacementGroupStatus = "terminated"
)

// PlacementGroup keeps cluster-placement fleet instances co-located
// per (backend, region)
type PlacementGroup struct {
	ID         string
	ProjectID  string
	FleetID    string
	Backend    BackendKind
	Region     string
	Status     PlacementGroupStatus
	ExternalID string
	Deleted    bool
	CreatedAt  time.Time
	Version    int
}
