package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wolfeidau/pwa-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

// ActivateReport lists the stale namespaces removed by an activation.
type ActivateReport struct {
	Deleted []string
	Failed  []string
}

// handleActivate deletes every namespace that is not current and claims
// clients concurrently. It returns once every deletion has resolved; a failed
// deletion is logged and does not stop its siblings.
func (w *Worker) handleActivate(ctx context.Context, ev Event) error {
	e := ev.(*ActivateEvent)

	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	w.setState(StateActivating)
	logger := w.logger.With("component", "activate")

	claimDone := make(chan error, 1)
	go func() {
		claimDone <- w.currentScope().Claim(ctx)
	}()

	gate := w.writeGate()
	gate.Lock()
	defer gate.Unlock()

	names, err := w.caches.Names(ctx)
	if err != nil {
		// Claiming still completes; the next activation retries the cleanup.
		logger.ErrorContext(ctx, "listing namespaces failed", "error", err)
	}
	var stale []string
	for _, name := range names {
		if !w.registry.IsCurrent(name) {
			stale = append(stale, name)
		}
	}

	e.Report.Deleted, e.Report.Failed = w.deleteNamespaces(ctx, stale, "activate")

	if err := <-claimDone; err != nil {
		logger.WarnContext(ctx, "claiming clients failed", "error", err)
	}

	logger.InfoContext(ctx, "activated",
		"deleted", len(e.Report.Deleted),
		"failed", len(e.Report.Failed),
	)
	w.setState(StateActivated)
	return nil
}

// clearAll deletes every namespace regardless of version.
func (w *Worker) clearAll(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	gate := w.writeGate()
	gate.Lock()
	defer gate.Unlock()

	names, err := w.caches.Names(ctx)
	if err != nil {
		return fmt.Errorf("listing namespaces: %w", err)
	}
	deleted, failed := w.deleteNamespaces(ctx, names, "clear")
	w.logger.InfoContext(ctx, "cleared caches", "component", "message", "deleted", len(deleted), "failed", len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("clearing caches: %d of %d namespaces could not be deleted", len(failed), len(names))
	}
	return nil
}

// deleteNamespaces removes names concurrently. Names that no longer exist
// count as neither deleted nor failed.
func (w *Worker) deleteNamespaces(ctx context.Context, names []string, reason string) (deleted, failed []string) {
	if len(names) == 0 {
		return nil, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			ok, err := w.caches.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed = append(failed, name)
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			case ok:
				deleted = append(deleted, name)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		w.logger.WarnContext(ctx, "deleting namespaces failed", "reason", reason, "error", err)
	}
	sort.Strings(deleted)
	sort.Strings(failed)
	telemetry.RecordNamespacesDeleted(ctx, reason, len(deleted))
	return deleted, failed
}
