// Package reconciler contains the control loops that drive instances, jobs,
// runs, fleets, and volumes toward their declared state. Each reconciler
// exposes a single Reconcile(ctx, id) handler that the scheduler invokes
// under a per-entity lease; one invocation performs at most one state
// transition and returns.
//
// Handlers recover all faults locally: transient backend errors surface as a
// returned error and the entity retries on a later tick. Cross-entity writes
// (a job touching its instance) rely on the store's optimistic version
// checks; a lost check aborts the write and the next tick re-evaluates.
package reconciler
