// Package types defines the skiff domain model: projects, pools, fleets,
// instances, runs, jobs, volumes, offers and the enums that drive the
// reconciler state machines. Entities reference each other by id only;
// the store is the graph.
package types
