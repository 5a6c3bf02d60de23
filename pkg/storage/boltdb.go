package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/skiffhq/skiff/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketProjects        = []byte("projects")
	bucketPools           = []byte("pools")
	bucketFleets          = []byte("fleets")
	bucketInstances       = []byte("instances")
	bucketRuns            = []byte("runs")
	bucketJobs            = []byte("jobs")
	bucketVolumes         = []byte("volumes")
	bucketPlacementGroups = []byte("placement_groups")
	bucketLeases          = []byte("leases")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db    *bolt.DB
	clock clockwork.Clock
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, clock clockwork.Clock) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "skiff.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketPools,
			bucketFleets,
			bucketInstances,
			bucketRuns,
			bucketJobs,
			bucketVolumes,
			bucketPlacementGroups,
			bucketLeases,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BoltStore{db: db, clock: clock}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put marshals v and stores it under id
func put(tx *bolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

// get unmarshals the value stored under id into v
func get(tx *bolt.Tx, bucket []byte, id string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// lease is the advisory lock record kept per (kind, id)
type lease struct {
	Until time.Time `json:"until"`
}

// probe is the minimal view of any entity used for lease selection
type probe struct {
	Deleted            bool
	ProcessingFinished bool
	Status             string
	LastProcessed      time.Time
}

// terminalStatuses lists statuses after which an entity needs no more ticks.
// Runs are excluded: a terminated run still needs processing until
// ProcessingFinished is set.
var terminalStatuses = map[EntityKind]map[string]bool{
	KindInstance: {string(types.InstanceStatusTerminated): true},
	KindJob: {
		string(types.JobStatusTerminated): true,
		string(types.JobStatusAborted):    true,
		string(types.JobStatusFailed):     true,
		string(types.JobStatusDone):       true,
	},
	KindFleet:  {string(types.FleetStatusTerminated): true},
	KindVolume: {string(types.VolumeStatusTerminated): true},
}

func leaseKey(kind EntityKind, id string) []byte {
	return []byte(string(kind) + "/" + id)
}

// LeaseBatch selects up to limit stale, unleased entity ids and leases them.
// The bolt update transaction serializes concurrent callers, so acquisition
// is atomic: no two callers can lease the same id.
func (s *BoltStore) LeaseBatch(kind EntityKind, staleBefore time.Time, ttl time.Duration, limit int) ([]string, error) {
	var ids []string
	now := s.clock.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("unknown entity kind: %s", kind)
		}
		leases := tx.Bucket(bucketLeases)
		terminal := terminalStatuses[kind]

		c := b.Cursor()
		for k, v := c.First(); k != nil && len(ids) < limit; k, v = c.Next() {
			var p probe
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			if p.Deleted || p.ProcessingFinished {
				continue
			}
			if terminal != nil && terminal[p.Status] {
				continue
			}
			if !p.LastProcessed.IsZero() && !p.LastProcessed.Before(staleBefore) {
				continue
			}
			if data := leases.Get(leaseKey(kind, string(k))); data != nil {
				var l lease
				if err := json.Unmarshal(data, &l); err == nil && now.Before(l.Until) {
					continue
				}
			}
			data, err := json.Marshal(lease{Until: now.Add(ttl)})
			if err != nil {
				return err
			}
			if err := leases.Put(leaseKey(kind, string(k)), data); err != nil {
				return err
			}
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}

// ReleaseLease clears the lease and stamps last_processed_at on the entity
func (s *BoltStore) ReleaseLease(kind EntityKind, id string, processedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketLeases).Delete(leaseKey(kind, id)); err != nil {
			return err
		}
		b := tx.Bucket([]byte(kind))
		data := b.Get([]byte(id))
		if data == nil {
			return nil // entity hard-deleted while leased
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		stamped, err := json.Marshal(processedAt.UTC())
		if err != nil {
			return err
		}
		raw["LastProcessed"] = stamped
		updated, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// checkVersion enforces the optimistic version check and bumps the version.
// The caller's copy must carry the version it read.
func checkVersion(tx *bolt.Tx, bucket []byte, id string, callerVersion int) (int, error) {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return 0, ErrNotFound
	}
	var p struct{ Version int }
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, err
	}
	if p.Version != callerVersion {
		return 0, ErrStaleVersion
	}
	return callerVersion + 1, nil
}

// Project operations

func (s *BoltStore) CreateProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketProjects, p.ID, p)
	})
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var p types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketProjects, id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Pool operations

func (s *BoltStore) CreatePool(p *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPools, p.ID, p)
	})
}

func (s *BoltStore) GetPool(id string) (*types.Pool, error) {
	var p types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketPools, id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPoolsByProject(projectID string) ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(k, v []byte) error {
			var p types.Pool
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.ProjectID == projectID && !p.Deleted {
				pools = append(pools, &p)
			}
			return nil
		})
	})
	return pools, err
}

// Fleet operations

func (s *BoltStore) CreateFleet(f *types.Fleet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketFleets, f.ID, f)
	})
}

func (s *BoltStore) GetFleet(id string) (*types.Fleet, error) {
	var f types.Fleet
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketFleets, id, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) UpdateFleet(f *types.Fleet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		next, err := checkVersion(tx, bucketFleets, f.ID, f.Version)
		if err != nil {
			return err
		}
		f.Version = next
		return put(tx, bucketFleets, f.ID, f)
	})
}

func (s *BoltStore) ListFleets() ([]*types.Fleet, error) {
	var fleets []*types.Fleet
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFleets).ForEach(func(k, v []byte) error {
			var f types.Fleet
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if !f.Deleted {
				fleets = append(fleets, &f)
			}
			return nil
		})
	})
	return fleets, err
}

// Instance operations

func (s *BoltStore) CreateInstance(i *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketInstances, i.ID, i)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	var i types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketInstances, id, &i)
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *BoltStore) UpdateInstance(i *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		next, err := checkVersion(tx, bucketInstances, i.ID, i.Version)
		if err != nil {
			return err
		}
		i.Version = next
		return put(tx, bucketInstances, i.ID, i)
	})
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	return s.listInstances(func(i *types.Instance) bool { return true })
}

func (s *BoltStore) ListInstancesByProject(projectID string) ([]*types.Instance, error) {
	return s.listInstances(func(i *types.Instance) bool { return i.ProjectID == projectID })
}

func (s *BoltStore) ListInstancesByFleet(fleetID string) ([]*types.Instance, error) {
	return s.listInstances(func(i *types.Instance) bool { return i.FleetID == fleetID })
}

func (s *BoltStore) listInstances(match func(*types.Instance) bool) ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var i types.Instance
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			if !i.Deleted && match(&i) {
				instances = append(instances, &i)
			}
			return nil
		})
	})
	return instances, err
}

// Run operations

func (s *BoltStore) CreateRun(r *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRuns, r.ID, r)
	})
}

func (s *BoltStore) GetRun(id string) (*types.Run, error) {
	var r types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketRuns, id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) UpdateRun(r *types.Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		next, err := checkVersion(tx, bucketRuns, r.ID, r.Version)
		if err != nil {
			return err
		}
		r.Version = next
		return put(tx, bucketRuns, r.ID, r)
	})
}

func (s *BoltStore) ListRuns() ([]*types.Run, error) {
	return s.listRuns(func(r *types.Run) bool { return true })
}

func (s *BoltStore) ListRunsByFleet(fleetID string) ([]*types.Run, error) {
	return s.listRuns(func(r *types.Run) bool { return r.Spec.FleetID == fleetID })
}

func (s *BoltStore) listRuns(match func(*types.Run) bool) ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var r types.Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if !r.Deleted && match(&r) {
				runs = append(runs, &r)
			}
			return nil
		})
	})
	return runs, err
}

// Job operations

func (s *BoltStore) CreateJob(j *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketJobs, j.ID, j)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var j types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketJobs, id, &j)
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *BoltStore) UpdateJob(j *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		next, err := checkVersion(tx, bucketJobs, j.ID, j.Version)
		if err != nil {
			return err
		}
		j.Version = next
		return put(tx, bucketJobs, j.ID, j)
	})
}

func (s *BoltStore) ListJobsByRun(runID string) ([]*types.Job, error) {
	return s.listJobs(func(j *types.Job) bool { return j.RunID == runID })
}

func (s *BoltStore) ListJobsByInstance(instanceID string) ([]*types.Job, error) {
	return s.listJobs(func(j *types.Job) bool { return j.InstanceID == instanceID })
}

func (s *BoltStore) listJobs(match func(*types.Job) bool) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if !j.Deleted && match(&j) {
				jobs = append(jobs, &j)
			}
			return nil
		})
	})
	return jobs, err
}

// Volume operations

func (s *BoltStore) CreateVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketVolumes, v.ID, v)
	})
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var v types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketVolumes, id, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) UpdateVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		next, err := checkVersion(tx, bucketVolumes, v.ID, v.Version)
		if err != nil {
			return err
		}
		v.Version = next
		return put(tx, bucketVolumes, v.ID, v)
	})
}

func (s *BoltStore) ListVolumesByProject(projectID string) ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, data []byte) error {
			var v types.Volume
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			if v.ProjectID == projectID && !v.Deleted {
				volumes = append(volumes, &v)
			}
			return nil
		})
	})
	return volumes, err
}

// Placement group operations

func (s *BoltStore) CreatePlacementGroup(pg *types.PlacementGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPlacementGroups, pg.ID, pg)
	})
}

func (s *BoltStore) GetPlacementGroup(id string) (*types.PlacementGroup, error) {
	var pg types.PlacementGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketPlacementGroups, id, &pg)
	})
	if err != nil {
		return nil, err
	}
	return &pg, nil
}

func (s *BoltStore) UpdatePlacementGroup(pg *types.PlacementGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		next, err := checkVersion(tx, bucketPlacementGroups, pg.ID, pg.Version)
		if err != nil {
			return err
		}
		pg.Version = next
		return put(tx, bucketPlacementGroups, pg.ID, pg)
	})
}

func (s *BoltStore) ListPlacementGroupsByFleet(fleetID string) ([]*types.PlacementGroup, error) {
	var groups []*types.PlacementGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacementGroups).ForEach(func(k, v []byte) error {
			var pg types.PlacementGroup
			if err := json.Unmarshal(v, &pg); err != nil {
				return err
			}
			if pg.FleetID == fleetID && !pg.Deleted {
				groups = append(groups, &pg)
			}
			return nil
		})
	})
	return groups, err
}
