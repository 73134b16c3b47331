package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const probeTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// componentHealth runs every probe in parallel, each under probeTimeout.
// Results keep probe order with the datastore first.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	checks := make([]HealthProbe, 0, len(h.probes)+1)
	if h.store != nil {
		checks = append(checks, HealthProbe{Name: "datastore", Check: h.store.Ping})
	}
	for _, p := range h.probes {
		if p.Check != nil {
			checks = append(checks, p)
		}
	}

	results := make([]componentStatus, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			results[i] = componentStatus{Component: c.Name, Status: "ok"}
			if err := c.Check(probeCtx); err != nil {
				results[i].Status = "degraded"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Status != "ok" {
			return results, "degraded", http.StatusServiceUnavailable
		}
	}
	return results, "ok", http.StatusOK
}
