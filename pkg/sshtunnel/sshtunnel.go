package sshtunnel

import (
	"context"
	"fmt"
	"os/exec"
	"sort"

	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/types"
)

// Tunnel describes one SSH port-forwarding session to an instance
type Tunnel struct {
	Hostname string
	Port     int
	Username string
	KeyPath  string
	Proxy    *types.SSHProxy

	// Forwards maps local port -> remote port on the instance
	Forwards map[int]int
}

// FromProvisioningData builds a tunnel spec from what the backend returned
// at create time plus the job's port mapping
func FromProvisioningData(pd *types.JobProvisioningData, keyPath string, forwards map[int]int) (*Tunnel, error) {
	if pd == nil {
		return nil, errors.New("sshtunnel: no provisioning data")
	}
	if pd.Hostname == "" {
		return nil, errors.New("sshtunnel: instance has no hostname yet")
	}
	port := pd.SSHPort
	if port == 0 {
		port = 22
	}
	return &Tunnel{
		Hostname: pd.Hostname,
		Port:     port,
		Username: pd.Username,
		KeyPath:  keyPath,
		Proxy:    pd.SSHProxy,
		Forwards: forwards,
	}, nil
}

// Args builds the ssh invocation: background (-f), no command (-N), host key
// checking disabled, one -L per forwarded port. Forwards are emitted in
// ascending local-port order so the command is stable for identical input.
func (t *Tunnel) Args() []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
		"-i", t.KeyPath,
		"-p", fmt.Sprintf("%d", t.Port),
		"-N", "-f",
	}
	if t.Proxy != nil {
		args = append(args, "-o", fmt.Sprintf("ProxyJump=%s@%s:%d", t.Proxy.Username, t.Proxy.Hostname, t.Proxy.Port))
	}

	locals := make([]int, 0, len(t.Forwards))
	for local := range t.Forwards {
		locals = append(locals, local)
	}
	sort.Ints(locals)
	for _, local := range locals {
		args = append(args, "-L", fmt.Sprintf("%d:localhost:%d", local, t.Forwards[local]))
	}

	return append(args, fmt.Sprintf("%s@%s", t.Username, t.Hostname))
}

// Open launches the forwarding session. ssh daemonizes itself with -f, so a
// successful return means the tunnel is established.
func (t *Tunnel) Open(ctx context.Context) error {
	args := t.Args()
	logger := log.WithComponent("sshtunnel")
	logger.Debug().Strs("args", args).Msg("opening tunnel")

	cmd := exec.CommandContext(ctx, "ssh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "sshtunnel: ssh failed: %s", string(out))
	}
	return nil
}
