// Package events fans out entity lifecycle events to in-process subscribers.
// Reconcilers publish transitions; slow subscribers are skipped rather than
// blocking the reconcile path.
package events
