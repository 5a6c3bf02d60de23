package placement

import (
	"errors"
	"net"
	"sort"
	"strconv"
)

// ErrPortInUse is returned when an explicitly requested host port collides
// with another mapping or an already-bound local port
var ErrPortInUse = errors.New("port already in use")

// PortFree reports whether a local TCP port can be bound right now
func PortFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// AllocatePorts builds an injective declared→host port map. Explicit
// mappings are validated first: they must not collide with each other or a
// busy local port. Auto entries (requested 0) then probe upward from the
// declared port, skipping busy ports and ports already chosen. Given the
// same input and an empty local namespace the result is deterministic.
func AllocatePorts(declared map[int]int, isPortFree func(int) bool) (map[int]int, error) {
	if isPortFree == nil {
		isPortFree = func(int) bool { return true }
	}
	result := make(map[int]int, len(declared))
	taken := make(map[int]bool, len(declared))

	// Deterministic iteration: declared ports in ascending order
	ports := make([]int, 0, len(declared))
	for port := range declared {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	// Explicit mappings first
	for _, port := range ports {
		mapped := declared[port]
		if mapped == 0 {
			continue
		}
		if taken[mapped] || !isPortFree(mapped) {
			return nil, ErrPortInUse
		}
		result[port] = mapped
		taken[mapped] = true
	}

	// Auto mappings probe upward from the declared port
	for _, port := range ports {
		if declared[port] != 0 {
			continue
		}
		candidate := port
		for taken[candidate] || !isPortFree(candidate) {
			candidate++
		}
		result[port] = candidate
		taken[candidate] = true
	}
	return result, nil
}
