package core

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"actionrunner/internal/metrics"
)

const defaultSweepConcurrency = 4

// Housekeeper deletes ended runs together with their notes and artifacts.
type Housekeeper struct {
	store       Store
	artifacts   ArtifactStore
	logger      *slog.Logger
	concurrency int
}

// NewHousekeeper creates a sweep over store and artifacts.
func NewHousekeeper(store Store, artifacts ArtifactStore, logger *slog.Logger) *Housekeeper {
	return &Housekeeper{
		store:       store,
		artifacts:   artifacts,
		logger:      logger,
		concurrency: defaultSweepConcurrency,
	}
}

// Sweep removes every run that has an end timestamp. Artifact removal is best
// effort per run; a store deletion failure aborts the cycle.
func (h *Housekeeper) Sweep(ctx context.Context) (int64, error) {
	ids, err := h.store.ListEndedRunIDs(ctx)
	if err != nil {
		return 0, Internal("list ended runs", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if h.artifacts != nil {
		var g errgroup.Group
		g.SetLimit(h.concurrency)
		for _, id := range ids {
			g.Go(func() error {
				if err := h.artifacts.RemoveRun(id); err != nil {
					h.logger.Warn("remove run artifacts", "run_id", id, "err", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	deleted, err := h.store.DeleteEndedRuns(ctx, ids)
	if err != nil {
		return 0, Internal("delete ended runs", err)
	}
	metrics.AddSweptRuns(deleted)
	h.logger.Info("removed finished automations", "count", deleted)
	return deleted, nil
}
