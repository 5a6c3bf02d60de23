// Package backend defines the Compute interface every cloud adapter
// implements, the error taxonomy reconcilers branch on, the kind→factory
// registry, and the shared retrying REST client.
//
// Adapters are stateless: each call is one bounded-latency HTTP exchange.
// Rate limiting (429) and 5xx responses are absorbed inside the call by
// jittered exponential backoff; if the deadline expires first the reconciler
// simply retries on its next tick.
package backend
