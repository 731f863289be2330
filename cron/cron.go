// Package cron runs the coordinator's periodic background jobs: opening
// and closing ceremonies on their scheduled dates,
// delegating to the TimeoutSweeper, and exporting a daily snapshot. Each
// job gets its own ticker goroutine under one errgroup.Group so a single
// job's panic-free error surfaces without taking the others down, the same
// per-task isolation golang.org/x/sync/errgroup gives the teacher's own
// background service loops.
package cron

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/xlog"
	"github.com/ceremonial-labs/trustedsetup-coordinator/sweeper"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

// Store is the subset of store.Store the ceremony open/close and snapshot
// jobs need.
type Store interface {
	Get(ctx context.Context, collection, id string, out any) error
	Query(ctx context.Context, collection string, filters []store.Filter, out any) error
	Write(ctx context.Context, batch []store.Op) error
}

// Runner owns the coordinator's four periodic background jobs.
type Runner struct {
	Store   Store
	Clock   clock.Clock
	Sweeper *sweeper.Sweeper
	Snapshot *SnapshotExporter

	OpenCloseInterval time.Duration
}

// New constructs a Runner. Pass a nil Snapshot to disable the snapshot job
// (e.g. when no snapshot bucket is configured).
func New(s Store, clk clock.Clock, sw *sweeper.Sweeper, snap *SnapshotExporter, openCloseInterval time.Duration) *Runner {
	return &Runner{Store: s, Clock: clk, Sweeper: sw, Snapshot: snap, OpenCloseInterval: openCloseInterval}
}

// Run starts every configured job and blocks until ctx is cancelled or one
// job returns a non-context error.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.runTicked(ctx, "openCeremonies", r.OpenCloseInterval, r.OpenCeremonies) })
	g.Go(func() error { return r.runTicked(ctx, "closeCeremonies", r.OpenCloseInterval, r.CloseCeremonies) })
	g.Go(func() error { return r.Sweeper.Run(ctx) })
	if r.Snapshot != nil {
		g.Go(func() error { return r.runTicked(ctx, "snapshot", 24*time.Hour, r.Snapshot.Export) })
	}

	return g.Wait()
}

func (r *Runner) runTicked(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				xlog.Warn("cron: job failed", "job", name, "err", err)
			}
		}
	}
}

// OpenCeremonies is the openCeremonies job: every tick, transition
// SCHEDULED -> OPENED for every ceremony whose startDate has
// arrived.
func (r *Runner) OpenCeremonies(ctx context.Context) error {
	now := r.Clock.NowMillis()
	var ceremonies []ceremony.Ceremony
	if err := r.Store.Query(ctx, store.CollectionCeremonies, []store.Filter{
		{Field: "state", Op: store.FilterEq, Value: string(ceremony.CeremonyScheduled)},
	}, &ceremonies); err != nil {
		return fmt.Errorf("cron: query scheduled ceremonies: %w", err)
	}
	for _, cer := range ceremonies {
		if cer.StartDate > now {
			continue
		}
		prevLastUpdated := cer.LastUpdated
		cer.State = ceremony.CeremonyOpened
		cer.LastUpdated = now
		if err := r.Store.Write(ctx, []store.Op{{
			Kind:                store.OpConditionalUpdate,
			Collection:          store.CollectionCeremonies,
			ID:                  cer.ID,
			Value:               &cer,
			ExpectedLastUpdated: prevLastUpdated,
		}}); err != nil {
			xlog.Warn("cron: openCeremonies commit failed", "ceremonyId", cer.ID, "err", err)
			continue
		}
		xlog.Info("cron: ceremony opened", "ceremonyId", cer.ID)
	}
	return nil
}

// CloseCeremonies is the closeCeremonies job: every tick, transition
// OPENED -> CLOSED for every ceremony whose endDate has passed.
func (r *Runner) CloseCeremonies(ctx context.Context) error {
	now := r.Clock.NowMillis()
	var ceremonies []ceremony.Ceremony
	if err := r.Store.Query(ctx, store.CollectionCeremonies, []store.Filter{
		{Field: "state", Op: store.FilterEq, Value: string(ceremony.CeremonyOpened)},
	}, &ceremonies); err != nil {
		return fmt.Errorf("cron: query opened ceremonies: %w", err)
	}
	for _, cer := range ceremonies {
		if cer.EndDate > now {
			continue
		}
		prevLastUpdated := cer.LastUpdated
		cer.State = ceremony.CeremonyClosed
		cer.LastUpdated = now
		if err := r.Store.Write(ctx, []store.Op{{
			Kind:                store.OpConditionalUpdate,
			Collection:          store.CollectionCeremonies,
			ID:                  cer.ID,
			Value:               &cer,
			ExpectedLastUpdated: prevLastUpdated,
		}}); err != nil {
			xlog.Warn("cron: closeCeremonies commit failed", "ceremonyId", cer.ID, "err", err)
			continue
		}
		xlog.Info("cron: ceremony closed", "ceremonyId", cer.ID)
	}
	return nil
}
