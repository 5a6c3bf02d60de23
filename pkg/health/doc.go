// Package health defines the probe types the instance reconciler uses to
// decide liveness transitions. Probes are injected so reconciler tests stay
// hermetic.
package health
