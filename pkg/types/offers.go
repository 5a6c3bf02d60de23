package types

import "time"

// GPU describes one accelerator on an instance type
type GPU struct {
	Name      string `json:"name"`
	Vendor    string `json:"vendor"`
	MemoryMiB int    `json:"memory_mib"`
}

// Resources describes the capacity of an instance type or a block slice
type Resources struct {
	CPUs      int   `json:"cpus"`
	MemoryMiB int64 `json:"memory_mib"`
	DiskMiB   int64 `json:"disk_mib"`
	GPUs      []GPU `json:"gpus,omitempty"`
	Spot      bool  `json:"spot"`
}

// GPUCount returns the number of GPUs
func (r Resources) GPUCount() int {
	return len(r.GPUs)
}

// Divide returns the per-block share of the resources for n blocks
func (r Resources) Divide(n int) Resources {
	if n <= 1 {
		return r
	}
	out := Resources{
		CPUs:      r.CPUs / n,
		MemoryMiB: r.MemoryMiB / int64(n),
		DiskMiB:   r.DiskMiB / int64(n),
		Spot:      r.Spot,
	}
	if len(r.GPUs) > 0 {
		out.GPUs = r.GPUs[:len(r.GPUs)/n]
	}
	return out
}

// InstanceType is a backend-specific machine shape
type InstanceType struct {
	Name      string    `json:"name"`
	Resources Resources `json:"resources"`
}

// Availability classifies an offer's current capacity
type Availability string

const (
	AvailabilityUnknown      Availability = "unknown"
	AvailabilityAvailable    Availability = "available"
	AvailabilityIdle         Availability = "idle" // existing idle instance reuse
	AvailabilityNotAvailable Availability = "not_available"
	AvailabilityNoQuota      Availability = "no_quota"
	AvailabilityNoCapacity   Availability = "no_capacity"
)

// InstanceOffer is a candidate (backend, region, instance type, price) tuple
type InstanceOffer struct {
	Backend  BackendKind  `json:"backend"`
	Instance InstanceType `json:"instance"`
	Region   string       `json:"region"`
	Price    float64      `json:"price"`
}

// InstanceOfferWithAvailability is an offer annotated with capacity info
type InstanceOfferWithAvailability struct {
	InstanceOffer
	Availability Availability `json:"availability"`
}

// SpotPolicy selects spot, on-demand, or either
type SpotPolicy string

const (
	SpotPolicySpot     SpotPolicy = "spot"
	SpotPolicyOnDemand SpotPolicy = "on-demand"
	SpotPolicyAuto     SpotPolicy = "auto"
)

// Requirements constrain offer selection
type Requirements struct {
	MinCPUs      int
	MinMemoryMiB int64
	MinDiskMiB   int64
	MinGPUs      int
	GPUName      string
	MaxPrice     float64 // 0 = unbounded
	Spot         SpotPolicy
	Reservation  string
}

// Profile scopes offer selection to backends and regions
type Profile struct {
	Backends       []BackendKind
	Regions        []string
	Spot           SpotPolicy
	MaxPrice       float64
	Reservation    string
	PlacementGroup string
	Retry          RetryPolicy
}

// RetryPolicy controls re-submission of interrupted jobs
type RetryPolicy struct {
	Retry    bool
	Duration time.Duration          // 0 = default window
	OnEvents []JobTerminationReason // empty = capacity interruptions only
}

// SSHProxy is an optional jump host in front of an instance
type SSHProxy struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// JobProvisioningData is what a backend returns after create_instance:
// everything needed to reach the host
type JobProvisioningData struct {
	Backend      BackendKind  `json:"backend"`
	InstanceType InstanceType `json:"instance_type"`
	InstanceID   string       `json:"instance_id"`
	Hostname     string       `json:"hostname"`
	InternalIP   string       `json:"internal_ip,omitempty"`
	Region       string       `json:"region"`
	Price        float64      `json:"price"`
	Username     string       `json:"username"`
	SSHPort      int          `json:"ssh_port"`
	SSHProxy     *SSHProxy    `json:"ssh_proxy,omitempty"`
	Dockerized   bool         `json:"dockerized"`
	BackendData  string       `json:"backend_data,omitempty"`
}
