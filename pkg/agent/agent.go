// Package agent is the HTTP client for the on-host agent that every
// provisioned instance runs. The instance reconciler uses it as its health
// checker; the job reconciler uses it to probe container state.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/health"
	"github.com/skiffhq/skiff/pkg/reconciler"
	"github.com/skiffhq/skiff/pkg/types"
)

const (
	// DefaultPort is where the agent listens on every instance
	DefaultPort = 10999

	probeTimeout = 10 * time.Second
)

// Client talks to instance agents. One client serves all instances; the
// target host comes from each instance's provisioning data.
type Client struct {
	http *retryablehttp.Client
	port int
}

// NewClient creates an agent client. port 0 means DefaultPort.
func NewClient(port int) *Client {
	if port == 0 {
		port = DefaultPort
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.Logger = nil
	c.HTTPClient.Timeout = probeTimeout
	return &Client{http: c, port: port}
}

// Check probes the agent's healthcheck endpoint. Implements health.Checker.
func (c *Client) Check(ctx context.Context, instance *types.Instance) health.Status {
	host := agentHost(instance)
	if host == "" {
		return health.Unhealthy("no hostname")
	}

	var resp struct {
		Service string `json:"service"`
	}
	if err := c.get(ctx, host, "/api/healthcheck", &resp); err != nil {
		return health.Unhealthy(err.Error())
	}
	return health.OK()
}

// taskInfo is the agent's view of one job's container
type taskInfo struct {
	Status   string `json:"status"`
	ExitCode int    `json:"container_exit_code"`
}

// Probe reports the job's container state. Implements reconciler.ContainerProbe.
func (c *Client) Probe(ctx context.Context, job *types.Job, instance *types.Instance) (reconciler.ContainerState, error) {
	host := agentHost(instance)
	if host == "" {
		return reconciler.ContainerState{}, errors.New("agent: instance has no hostname")
	}

	var info taskInfo
	if err := c.get(ctx, host, "/api/tasks/"+job.ID, &info); err != nil {
		return reconciler.ContainerState{}, err
	}

	switch info.Status {
	case "pending", "preparing", "pulling", "creating":
		return reconciler.ContainerState{Pulling: true}, nil
	case "running":
		return reconciler.ContainerState{Running: true}, nil
	case "terminated":
		return reconciler.ContainerState{Exited: true, ExitCode: info.ExitCode}, nil
	default:
		return reconciler.ContainerState{}, errors.Errorf("agent: unknown task status %q", info.Status)
	}
}

func (c *Client) get(ctx context.Context, host, path string, out any) error {
	url := fmt.Sprintf("http://%s:%d%s", host, c.port, path)
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return errors.Wrap(err, "agent: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "agent: GET %s", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "agent: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("agent: GET %s: status %d", path, resp.StatusCode)
	}
	return errors.Wrap(json.Unmarshal(body, out), "agent: decode response")
}

func agentHost(instance *types.Instance) string {
	if instance.ProvisioningData != nil && instance.ProvisioningData.Hostname != "" {
		return instance.ProvisioningData.Hostname
	}
	if instance.RemoteConnectionInfo != nil {
		return instance.RemoteConnectionInfo.Host
	}
	return ""
}
