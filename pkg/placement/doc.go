// Package placement holds the pure helpers behind job-to-instance placement:
// block resolution and slicing, requirement matching, and local port
// allocation. Everything here is deterministic and side-effect free so the
// job reconciler's decisions are reproducible.
package placement
