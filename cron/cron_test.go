package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
)

func TestOpenCeremoniesTransitionsScheduledToOpened(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	clk := clock.NewManual(time.UnixMilli(1_000_000))

	due := ceremony.Ceremony{ID: "due", State: ceremony.CeremonyScheduled, StartDate: 500_000}
	future := ceremony.Ceremony{ID: "future", State: ceremony.CeremonyScheduled, StartDate: 2_000_000}
	require.NoError(t, s.Write(ctx, []store.Op{
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "due", Value: &due},
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "future", Value: &future},
	}))

	r := New(s, clk, nil, nil, 30*time.Minute)
	require.NoError(t, r.OpenCeremonies(ctx))

	var gotDue, gotFuture ceremony.Ceremony
	require.NoError(t, s.Get(ctx, store.CollectionCeremonies, "due", &gotDue))
	require.NoError(t, s.Get(ctx, store.CollectionCeremonies, "future", &gotFuture))
	require.Equal(t, ceremony.CeremonyOpened, gotDue.State)
	require.Equal(t, ceremony.CeremonyScheduled, gotFuture.State)
}

func TestCloseCeremoniesTransitionsOpenedToClosed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	clk := clock.NewManual(time.UnixMilli(1_000_000))

	expired := ceremony.Ceremony{ID: "expired", State: ceremony.CeremonyOpened, EndDate: 500_000}
	ongoing := ceremony.Ceremony{ID: "ongoing", State: ceremony.CeremonyOpened, EndDate: 2_000_000}
	require.NoError(t, s.Write(ctx, []store.Op{
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "expired", Value: &expired},
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "ongoing", Value: &ongoing},
	}))

	r := New(s, clk, nil, nil, 30*time.Minute)
	require.NoError(t, r.CloseCeremonies(ctx))

	var gotExpired, gotOngoing ceremony.Ceremony
	require.NoError(t, s.Get(ctx, store.CollectionCeremonies, "expired", &gotExpired))
	require.NoError(t, s.Get(ctx, store.CollectionCeremonies, "ongoing", &gotOngoing))
	require.Equal(t, ceremony.CeremonyClosed, gotExpired.State)
	require.Equal(t, ceremony.CeremonyOpened, gotOngoing.State)
}

func TestSnapshotExporterWritesNDJSONPerCollection(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	cer := ceremony.Ceremony{ID: "c1", State: ceremony.CeremonyOpened}
	require.NoError(t, s.Write(ctx, []store.Op{
		{Kind: store.OpCreate, Collection: store.CollectionCeremonies, ID: "c1", Value: &cer},
	}))

	blob := newCaptureBlob()
	exporter := &SnapshotExporter{
		Store:       s,
		Blob:        blob,
		Bucket:      "snapshot-bucket",
		Collections: []string{store.CollectionCeremonies, store.CollectionParticipants},
		Today:       func() string { return "2026-07-29" },
	}
	require.NoError(t, exporter.Export(ctx))

	require.Contains(t, blob.uploaded, "snapshots/2026-07-29/ceremonies.ndjson")
	require.Contains(t, blob.uploaded["snapshots/2026-07-29/ceremonies.ndjson"], `"id":"c1"`)
	require.Contains(t, blob.uploaded, "snapshots/2026-07-29/participants.ndjson")
}
