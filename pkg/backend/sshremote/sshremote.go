package sshremote

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/health"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/types"
)

const (
	agentDir      = "/opt/skiff"
	deployTimeout = 5 * time.Minute
)

// Backend manages SSH-attached hosts. There is no cloud API: provisioning
// means deploying the on-host agent over SSH, and termination only detaches.
type Backend struct {
	keyPath string
}

// Factory builds the adapter; the only credential is the private key path
func Factory(config types.BackendConfig, credentials map[string]string) (backend.Compute, error) {
	return New(credentials["ssh_key_path"]), nil
}

// New creates an SSH-attached host backend
func New(keyPath string) *Backend {
	return &Backend{keyPath: keyPath}
}

func (b *Backend) Kind() types.BackendKind {
	return types.BackendRemote
}

// GetOffers returns nothing: attached hosts are added explicitly, not offered
func (b *Backend) GetOffers(ctx context.Context, req types.Requirements) ([]types.InstanceOfferWithAvailability, error) {
	return nil, nil
}

func (b *Backend) CreateInstance(ctx context.Context, offer types.InstanceOfferWithAvailability, config backend.InstanceConfiguration) (*types.JobProvisioningData, error) {
	return nil, errors.New("sshremote: hosts are attached, not created")
}

// TerminateInstance is a no-op: the host belongs to the user
func (b *Backend) TerminateInstance(ctx context.Context, pd *types.JobProvisioningData) error {
	return nil
}

func (b *Backend) UpdateProvisioningData(ctx context.Context, pd *types.JobProvisioningData) (*types.JobProvisioningData, error) {
	return pd, nil
}

// Deploy installs and starts the agent on the host, then reads back the
// host_info the agent writes on startup. Implements health.Deployer.
func (b *Backend) Deploy(ctx context.Context, instance *types.Instance) (health.Status, *types.HostInfo, error) {
	rci := instance.RemoteConnectionInfo
	if rci == nil {
		return health.Unhealthy("no remote connection info"), nil, errors.New("sshremote: instance has no remote connection info")
	}
	logger := log.WithInstanceID(instance.ID)

	script := strings.Join([]string{
		fmt.Sprintf("sudo mkdir -p %s", agentDir),
		fmt.Sprintf("sudo %s/agent install --service", agentDir),
		"sudo systemctl restart skiff-agent",
	}, " && ")
	if out, err := b.runSSH(ctx, rci, script); err != nil {
		logger.Debug().Err(err).Str("output", out).Msg("agent deploy failed")
		return health.Unhealthy(fmt.Sprintf("deploy failed: %v", err)), nil, nil
	}

	out, err := b.runSSH(ctx, rci, fmt.Sprintf("sudo cat %s/host_info.json", agentDir))
	if err != nil {
		return health.Unhealthy("host_info not ready"), nil, nil
	}
	var info types.HostInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return health.Unhealthy("malformed host_info"), nil, nil
	}
	return health.OK(), &info, nil
}

// runSSH executes one remote command with host key checking disabled, the
// same invocation shape used for job port tunnels
func (b *Backend) runSSH(ctx context.Context, rci *types.RemoteConnectionInfo, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, deployTimeout)
	defer cancel()

	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
		"-p", fmt.Sprintf("%d", rci.Port),
	}
	if b.keyPath != "" {
		args = append(args, "-i", b.keyPath)
	}
	args = append(args, fmt.Sprintf("%s@%s", rci.User, rci.Host), command)

	out, err := exec.CommandContext(ctx, "ssh", args...).CombinedOutput()
	if err != nil {
		return string(out), errors.Wrap(err, "ssh command")
	}
	return string(out), nil
}

func (b *Backend) RequestLogs(ctx context.Context, instanceID string, tail int) ([]backend.LogFrame, error) {
	return nil, errors.New("sshremote: logs are read from the agent, not the backend")
}

func (b *Backend) CreatePlacementGroup(ctx context.Context, pg *types.PlacementGroup) (*backend.PlacementGroupProvisioningData, error) {
	return nil, errors.New("sshremote: placement groups not supported")
}

func (b *Backend) DeletePlacementGroup(ctx context.Context, pg *types.PlacementGroup) error {
	return errors.New("sshremote: placement groups not supported")
}

func (b *Backend) CreateVolume(ctx context.Context, config backend.VolumeConfiguration) (*backend.VolumeProvisioningData, error) {
	return nil, errors.New("sshremote: volumes not supported")
}

func (b *Backend) DeleteVolume(ctx context.Context, volumeID string) error {
	return errors.New("sshremote: volumes not supported")
}

func (b *Backend) AttachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) (*backend.VolumeAttachmentData, error) {
	return nil, errors.New("sshremote: volumes not supported")
}

func (b *Backend) DetachVolume(ctx context.Context, volumeID string, pd *types.JobProvisioningData) error {
	return errors.New("sshremote: volumes not supported")
}
