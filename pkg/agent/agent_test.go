package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/skiffhq/skiff/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, handler http.Handler) (*Client, *types.Instance) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	inst := &types.Instance{
		ID:               "inst-1",
		ProvisioningData: &types.JobProvisioningData{Hostname: u.Hostname()},
	}
	return NewClient(port), inst
}

func TestCheckHealthy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"service":"skiff-agent"}`)
	})
	client, inst := newTestAgent(t, mux)

	status := client.Check(context.Background(), inst)
	assert.True(t, status.Healthy)
}

func TestCheckFailsOnErrorStatus(t *testing.T) {
	client, inst := newTestAgent(t, http.NotFoundHandler())

	status := client.Check(context.Background(), inst)
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.Reason)
}

func TestCheckWithoutHostname(t *testing.T) {
	client := NewClient(0)
	status := client.Check(context.Background(), &types.Instance{ID: "inst-1"})
	assert.False(t, status.Healthy)
	assert.Equal(t, "no hostname", status.Reason)
}

func TestProbeStates(t *testing.T) {
	tests := []struct {
		status   string
		exitCode int
		pulling  bool
		running  bool
		exited   bool
	}{
		{status: "pulling", pulling: true},
		{status: "creating", pulling: true},
		{status: "running", running: true},
		{status: "terminated", exitCode: 137, exited: true},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/tasks/job-1", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"status":%q,"container_exit_code":%d}`, tt.status, tt.exitCode)
			})
			client, inst := newTestAgent(t, mux)

			state, err := client.Probe(context.Background(), &types.Job{ID: "job-1"}, inst)
			require.NoError(t, err)
			assert.Equal(t, tt.pulling, state.Pulling)
			assert.Equal(t, tt.running, state.Running)
			assert.Equal(t, tt.exited, state.Exited)
			assert.Equal(t, tt.exitCode, state.ExitCode)
		})
	}
}

func TestProbeUnknownStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/job-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"melting"}`)
	})
	client, inst := newTestAgent(t, mux)

	_, err := client.Probe(context.Background(), &types.Job{ID: "job-1"}, inst)
	require.Error(t, err)
}
