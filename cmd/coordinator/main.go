// Command coordinator wires every component into one running process: a
// pebble-backed Store, the configured blob-store backend, a Docker-backed
// VMExecutor, the Scheduler and TimeoutSweeper background loops, and the
// coordinatorapi callable surface fronting an HTTP mux — the same
// flag-parse-then-wire-concrete-backends shape the teacher's own cmd/geth
// entrypoint uses, scaled down to this service's dependency graph.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore/azureblobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/blobstore/s3blobstore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/config"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi"
	"github.com/ceremonial-labs/trustedsetup-coordinator/cron"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/clock"
	"github.com/ceremonial-labs/trustedsetup-coordinator/internal/xlog"
	"github.com/ceremonial-labs/trustedsetup-coordinator/scheduler"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store"
	"github.com/ceremonial-labs/trustedsetup-coordinator/store/pebblestore"
	"github.com/ceremonial-labs/trustedsetup-coordinator/sweeper"
	"github.com/ceremonial-labs/trustedsetup-coordinator/verifier"
	"github.com/ceremonial-labs/trustedsetup-coordinator/vmexecutor/dockerexec"
)

func main() {
	configPath := flag.String("config", "", "path to the coordinator TOML config file")
	dataDir := flag.String("datadir", "./coordinator-data", "pebble store data directory")
	blobBackend := flag.String("blob-backend", "s3", "blob store backend: s3 or azure")
	verifierImage := flag.String("verifier-image", "coordinator-verifier:latest", "Docker image recorded on the VM executor (containers are started by id, not created from it)")
	listenAddr := flag.String("addr", ":8080", "HTTP listen address")
	rateLimit := flag.Float64("rate-limit", 50, "callable-operations rate limit, requests/sec (0 disables)")
	rateBurst := flag.Int("rate-burst", 100, "callable-operations rate limit burst")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		xlog.Error("coordinator: load config", "err", err)
		os.Exit(1)
	}

	st, err := pebblestore.Open(*dataDir)
	if err != nil {
		xlog.Error("coordinator: open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	blob, err := newBlobStore(*blobBackend, cfg)
	if err != nil {
		xlog.Error("coordinator: construct blob store", "err", err)
		os.Exit(1)
	}

	vm, err := dockerexec.New(*verifierImage)
	if err != nil {
		xlog.Error("coordinator: construct vm executor", "err", err)
		os.Exit(1)
	}

	clk := clock.Real{}

	sched := scheduler.New(st, clk, 8)
	sw := sweeper.New(st, clk, cfg.TimeoutSweepInterval, 8)
	vrf := verifier.New(st, blob, vm, clk, cfg)
	refresh := verifier.NewRefreshHandler(st)

	var snap *cron.SnapshotExporter
	if cfg.SnapshotBucket != "" {
		snap = &cron.SnapshotExporter{
			Store:  st,
			Blob:   blob,
			Bucket: cfg.SnapshotBucket,
			Collections: []string{
				store.CollectionCeremonies,
				store.CollectionCircuits,
				store.CollectionParticipants,
				store.CollectionContributions,
				store.CollectionTimeouts,
			},
			Today: func() string { return time.UnixMilli(clk.NowMillis()).UTC().Format("2006-01-02") },
		}
	}
	cronRunner := cron.New(st, clk, sw, snap, cfg.OpenCloseSweepInterval)

	api := coordinatorapi.New(st, blob, vrf, clk, cfg, *rateLimit, *rateBurst)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runAndLog(ctx, "scheduler", sched.Run)
	go runAndLog(ctx, "cron", cronRunner.Run)
	go runAndLog(ctx, "refresh", refresh.Run)

	srv := &http.Server{Addr: *listenAddr, Handler: newMux(api)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			xlog.Error("coordinator: http server", "err", err)
		}
	}()

	<-ctx.Done()
	xlog.Info("coordinator: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func runAndLog(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		xlog.Error("coordinator: background loop exited", "loop", name, "err", err)
	}
}

func newBlobStore(backend string, cfg config.Config) (blobstore.BlobStore, error) {
	switch backend {
	case "azure":
		return azureblobstore.New(
			"https://"+cfg.AzureStorageAccount+".blob.core.windows.net",
			cfg.AzureStorageAccount,
			cfg.AzureStorageKey,
		)
	default:
		return s3blobstore.New(context.Background(), s3blobstore.Config{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
	}
}
