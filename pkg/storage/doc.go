// Package storage persists the skiff domain model in BoltDB and provides the
// lease primitive the reconciler dispatcher is built on.
//
// Entities are stored as JSON, one bucket per kind. Leases live in their own
// bucket keyed by kind/id; because bolt serializes update transactions, lease
// acquisition is atomic and at most one worker holds a given entity at a time.
// Updates of reconciled entities carry an optimistic version check so a
// writer that lost its lease cannot clobber a newer row.
package storage
