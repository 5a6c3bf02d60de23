package health

import (
	"context"
	"time"

	"github.com/skiffhq/skiff/pkg/types"
)

// Status is the outcome of probing an instance's on-host agent
type Status struct {
	Healthy   bool
	Reason    string
	CheckedAt time.Time
}

// OK is the status reported by a reachable, responsive agent
func OK() Status {
	return Status{Healthy: true, Reason: "OK"}
}

// Unhealthy builds a failing status with the probe failure reason
func Unhealthy(reason string) Status {
	return Status{Healthy: false, Reason: reason}
}

// Checker probes the agent on an instance. The instance reconciler injects
// a Checker so tests can substitute a stub.
type Checker interface {
	Check(ctx context.Context, instance *types.Instance) Status
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc func(ctx context.Context, instance *types.Instance) Status

func (f CheckerFunc) Check(ctx context.Context, instance *types.Instance) Status {
	return f(ctx, instance)
}

// Deployer provisions the agent onto an SSH-attached host. On success it
// also reports the host's hardware so block counts can be resolved.
type Deployer interface {
	Deploy(ctx context.Context, instance *types.Instance) (Status, *types.HostInfo, error)
}

// DeployerFunc adapts a function to the Deployer interface
type DeployerFunc func(ctx context.Context, instance *types.Instance) (Status, *types.HostInfo, error)

func (f DeployerFunc) Deploy(ctx context.Context, instance *types.Instance) (Status, *types.HostInfo, error) {
	return f(ctx, instance)
}
