package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendCallsTotalLabels(t *testing.T) {
	before := testutil.ToFloat64(BackendCallsTotal.WithLabelValues("aws", "create_instance", "ok"))

	BackendCallsTotal.WithLabelValues("aws", "create_instance", "ok").Inc()
	BackendCallsTotal.WithLabelValues("aws", "create_instance", "error").Inc()

	assert.Equal(t, before+1, testutil.ToFloat64(BackendCallsTotal.WithLabelValues("aws", "create_instance", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(BackendCallsTotal.WithLabelValues("aws", "create_instance", "error")))

	// The counter declares backend, method and outcome; fewer values must
	// be rejected rather than panic at call sites.
	_, err := BackendCallsTotal.GetMetricWithLabelValues("aws", "create_instance")
	require.Error(t, err)
}
