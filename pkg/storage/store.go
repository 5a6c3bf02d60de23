package storage

import (
	"errors"
	"time"

	"github.com/skiffhq/skiff/pkg/types"
)

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrStaleVersion is returned when an update loses an optimistic version check
	ErrStaleVersion = errors.New("stale version")
)

// EntityKind names a leasable entity table
type EntityKind string

const (
	KindInstance EntityKind = "instances"
	KindJob      EntityKind = "jobs"
	KindRun      EntityKind = "runs"
	KindFleet    EntityKind = "fleets"
	KindVolume   EntityKind = "volumes"
)

// Store is the persistence façade the reconcilers run against.
// Soft-deleted rows are never returned by List* or leased.
type Store interface {
	// Lease primitive. LeaseBatch selects up to limit entity ids whose
	// last_processed_at is older than staleBefore and that are not currently
	// leased, and acquires a lease on each until now+ttl. Release clears the
	// lease and stamps last_processed_at.
	LeaseBatch(kind EntityKind, staleBefore time.Time, ttl time.Duration, limit int) ([]string, error)
	ReleaseLease(kind EntityKind, id string, processedAt time.Time) error

	CreateProject(p *types.Project) error
	GetProject(id string) (*types.Project, error)

	CreatePool(p *types.Pool) error
	GetPool(id string) (*types.Pool, error)
	ListPoolsByProject(projectID string) ([]*types.Pool, error)

	CreateFleet(f *types.Fleet) error
	GetFleet(id string) (*types.Fleet, error)
	UpdateFleet(f *types.Fleet) error
	ListFleets() ([]*types.Fleet, error)

	CreateInstance(i *types.Instance) error
	GetInstance(id string) (*types.Instance, error)
	UpdateInstance(i *types.Instance) error
	ListInstances() ([]*types.Instance, error)
	ListInstancesByProject(projectID string) ([]*types.Instance, error)
	ListInstancesByFleet(fleetID string) ([]*types.Instance, error)

	CreateRun(r *types.Run) error
	GetRun(id string) (*types.Run, error)
	UpdateRun(r *types.Run) error
	ListRuns() ([]*types.Run, error)
	ListRunsByFleet(fleetID string) ([]*types.Run, error)

	CreateJob(j *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(j *types.Job) error
	ListJobsByRun(runID string) ([]*types.Job, error)
	ListJobsByInstance(instanceID string) ([]*types.Job, error)

	CreateVolume(v *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	UpdateVolume(v *types.Volume) error
	ListVolumesByProject(projectID string) ([]*types.Volume, error)

	CreatePlacementGroup(pg *types.PlacementGroup) error
	GetPlacementGroup(id string) (*types.PlacementGroup, error)
	UpdatePlacementGroup(pg *types.PlacementGroup) error
	ListPlacementGroupsByFleet(fleetID string) ([]*types.PlacementGroup, error)

	Close() error
}
