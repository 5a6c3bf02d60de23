package types

import "time"

// RunStatus represents the current state of a run
type RunStatus string

const (
	RunStatusSubmitted    RunStatus = "submitted"
	RunStatusPending      RunStatus = "pending"
	RunStatusProvisioning RunStatus = "provisioning"
	RunStatusStarting     RunStatus = "starting"
	RunStatusRunning      RunStatus = "running"
	RunStatusTerminating  RunStatus = "terminating"
	RunStatusTerminated   RunStatus = "terminated"
	RunStatusDone         RunStatus = "done"
	RunStatusFailed       RunStatus = "failed"
	RunStatusAborted      RunStatus = "aborted"
)

// Finished reports whether the status is terminal
func (s RunStatus) Finished() bool {
	switch s {
	case RunStatusTerminated, RunStatusDone, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// RunSpec is the immutable declaration of a run
type RunSpec struct {
	Name         string
	Nodes        int // >1 = multi-node
	Replicas     int
	Job          JobSpec
	Profile      Profile
	Requirements Requirements
	FleetID      string // optional pinned fleet
}

// Run is a user-submitted workload composed of Jobs
type Run struct {
	ID                 string
	ProjectID          string
	UserID             string
	RepoID             string
	Spec               RunSpec
	Status             RunStatus
	StatusMessage      string
	SubmittedAt        time.Time
	ProcessingFinished bool
	Deleted            bool
	LastProcessed      time.Time
	Version            int
}

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusSubmitted    JobStatus = "submitted"
	JobStatusProvisioning JobStatus = "provisioning"
	JobStatusPulling      JobStatus = "pulling"
	JobStatusRunning      JobStatus = "running"
	JobStatusTerminating  JobStatus = "terminating"
	JobStatusTerminated   JobStatus = "terminated"
	JobStatusAborted      JobStatus = "aborted"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDone         JobStatus = "done"
)

// Finished reports whether the status is terminal
func (s JobStatus) Finished() bool {
	switch s {
	case JobStatusTerminated, JobStatusAborted, JobStatusFailed, JobStatusDone:
		return true
	}
	return false
}

// Active reports whether the job occupies an instance block
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusSubmitted, JobStatusProvisioning, JobStatusPulling, JobStatusRunning, JobStatusTerminating:
		return true
	}
	return false
}

// JobTerminationReason explains why a job reached a terminal state
type JobTerminationReason string

const (
	ReasonInterruptedByNoCapacity JobTerminationReason = "interrupted_by_no_capacity"
	ReasonFailedToStart           JobTerminationReason = "failed_to_start"
	ReasonContainerExitedError    JobTerminationReason = "container_exited_with_error"
	ReasonScalingDown             JobTerminationReason = "scaling_down"
	ReasonAborted                 JobTerminationReason = "aborted"
	ReasonStoppedByUser           JobTerminationReason = "stopped_by_user"
	ReasonDoneByRunner            JobTerminationReason = "done_by_runner"
)

// Retryable reports whether the reason permits spawning a replacement job.
// Exit-code failures are not retryable.
func (r JobTerminationReason) Retryable() bool {
	return r == ReasonInterruptedByNoCapacity
}

// JobSpec declares what one job executes
type JobSpec struct {
	Commands    []string
	Image       string
	Env         map[string]string
	WorkingDir  string
	Ports       map[int]int // declared port -> requested host mapping, 0 = auto
	MaxDuration time.Duration
}

// JobRuntimeData is chosen at placement: the block share and port mapping
type JobRuntimeData struct {
	Resources Resources   `json:"resources"`
	Ports     map[int]int `json:"ports"` // declared -> host
	VolumeIDs []string    `json:"volume_ids,omitempty"`
}

// Job is one execution attempt of one (node, replica) pair of a Run
type Job struct {
	ID                string
	RunID             string
	ProjectID         string
	JobNum            int
	ReplicaNum        int
	SubmissionNum     int
	Status            JobStatus
	TerminationReason JobTerminationReason
	Spec              JobSpec
	ProvisioningData  *JobProvisioningData
	RuntimeData       *JobRuntimeData
	InstanceID        string
	InstanceAssigned  bool
	ExitCode          *int
	Deleted           bool
	CreatedAt         time.Time
	FinishedAt        *time.Time
	LastProcessed     time.Time
	Version           int
}
