package reconciler

import (
	"errors"
	"fmt"

	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/events"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
)

// Computes maps each configured backend kind to its adapter. Built once at
// startup from the project's backend configs.
type Computes map[types.BackendKind]backend.Compute

func (c Computes) get(kind types.BackendKind) (backend.Compute, error) {
	adapter, ok := c[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, backend.ErrUnsupportedKind)
	}
	return adapter, nil
}

// staleOK swallows a lost optimistic version check. Another writer won the
// row; the next tick re-reads and re-evaluates.
func staleOK(err error) error {
	if errors.Is(err, storage.ErrStaleVersion) {
		return nil
	}
	return err
}

// callOutcome labels a backend call result for the metrics counter
func callOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// publish emits an event when a broker is wired; reconcilers work without one
func publish(broker *events.Broker, t events.EventType, msg string, meta map[string]string) {
	if broker == nil {
		return
	}
	broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}
