package coordinator

import (
	"context"
	"errors"
	"slices"

	"github.com/zjrosen/herald/internal/log"
	"github.com/zjrosen/herald/internal/supervisor"
)

// ReconcileResult lists what Reconcile changed.
type ReconcileResult struct {
	Started []string
	Stopped []string
}

// Changed reports whether anything was started or stopped.
func (r ReconcileResult) Changed() bool {
	return len(r.Started) > 0 || len(r.Stopped) > 0
}

// Reconcile brings the routing table in line with desired: routed names
// that are no longer declared are stopped and removed, declared names with
// no route are started. Specs of already routed names are not compared.
// All changes are attempted; failures are joined. opts are applied to every
// started handle.
func (c *Coordinator) Reconcile(ctx context.Context, desired []supervisor.ProcessSpec, opts ...StartOption) (ReconcileResult, error) {
	var (
		res  ReconcileResult
		errs []error
	)

	want := make(map[string]bool, len(desired))
	for _, spec := range desired {
		want[spec.Name] = true
	}

	for _, name := range c.Routes() {
		if want[name] {
			continue
		}
		if _, err := c.Stop(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Stopped = append(res.Stopped, name)
	}

	routed := c.Routes()
	for _, spec := range desired {
		if slices.Contains(routed, spec.Name) {
			continue
		}
		if _, err := c.Start(ctx, spec, opts...); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Started = append(res.Started, spec.Name)
	}

	if res.Changed() {
		log.Info(log.CatCoord, "reconciled workers", "started", res.Started, "stopped", res.Stopped)
	}
	return res, errors.Join(errs...)
}
