package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePortsExplicitMappings(t *testing.T) {
	got, err := AllocatePorts(map[int]int{8080: 18080, 9090: 19090}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{8080: 18080, 9090: 19090}, got)
}

func TestAllocatePortsExplicitCollision(t *testing.T) {
	_, err := AllocatePorts(map[int]int{8080: 18080, 9090: 18080}, nil)
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestAllocatePortsExplicitBusyPort(t *testing.T) {
	busy := func(port int) bool { return port != 18080 }
	_, err := AllocatePorts(map[int]int{8080: 18080}, busy)
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestAllocatePortsAutoProbesUpward(t *testing.T) {
	busy := func(port int) bool { return port != 8080 && port != 8081 }
	got, err := AllocatePorts(map[int]int{8080: 0}, busy)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{8080: 8082}, got)
}

func TestAllocatePortsAutoAvoidsExplicit(t *testing.T) {
	got, err := AllocatePorts(map[int]int{8080: 0, 8081: 8080}, nil)
	require.NoError(t, err)
	// The explicit mapping claims 8080, so auto probes past it
	assert.Equal(t, 8080, got[8081])
	assert.Equal(t, 8081, got[8080])
}

func TestAllocatePortsAutoEntriesDoNotCollide(t *testing.T) {
	got, err := AllocatePorts(map[int]int{8080: 0, 8081: 0}, func(port int) bool { return port >= 8081 })
	require.NoError(t, err)
	assert.Equal(t, map[int]int{8080: 8081, 8081: 8082}, got)
}

func TestAllocatePortsDeterministic(t *testing.T) {
	declared := map[int]int{3000: 0, 4000: 0, 5000: 5000}
	first, err := AllocatePorts(declared, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := AllocatePorts(declared, nil)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAllocatePortsEmpty(t *testing.T) {
	got, err := AllocatePorts(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
