package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/fieldnotesync/internal/assets"
	"github.com/Lllllllleong/fieldnotesync/internal/config"
	"github.com/Lllllllleong/fieldnotesync/internal/gcp"
	"github.com/Lllllllleong/fieldnotesync/internal/ledger"
	"github.com/Lllllllleong/fieldnotesync/internal/localstore"
	"github.com/Lllllllleong/fieldnotesync/internal/metrics"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/Lllllllleong/fieldnotesync/internal/services"
	"github.com/prometheus/client_golang/prometheus"
)

// app holds every wired component of one process.
type app struct {
	cfg       *config.Config
	kv        *localstore.SQLiteKV
	store     *localstore.Store
	registry  *prometheus.Registry
	scheduler *services.Scheduler

	firestoreClient *firestore.Client
	storageClient   *storage.Client
	workflow        *gcp.WorkflowTrigger
}

// dryRunUploader pretends every image was uploaded.
type dryRunUploader struct{}

func (dryRunUploader) Upload(_ context.Context, img models.ImageRef) (string, error) {
	if img.URI == "" {
		return "", assets.ErrMissingURI
	}
	if img.IsRemote() {
		return img.URI, nil
	}
	return "https://dry-run.invalid/" + path.Base(img.URI), nil
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Local store and remote ledger ---
	var l ledger.Ledger
	if cfg.DryRun {
		slog.Warn("Dry run: working on an in-memory copy of the device store and ledger.")
		a.store, l, err = newDryRunState(ctx, cfg)
		if err != nil {
			return nil, err
		}
	} else {
		a.kv, err = localstore.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store = localstore.New(a.kv)
		a.firestoreClient, err = gcp.NewFirestoreClient(ctx, cfg.GCPProjectID)
		if err != nil {
			return nil, err
		}
		l = ledger.NewFirestoreLedger(a.firestoreClient)
	}
	l = ledger.NewCachedLedger(l, cfg.Ledger.CacheTTL)

	// --- Asset uploader ---
	uploader, err := a.newUploader(ctx)
	if err != nil {
		return nil, err
	}

	// --- Completion hook ---
	var hook services.CompletionHook
	if cfg.Workflow.Name != "" && !cfg.DryRun {
		a.workflow, err = gcp.NewWorkflowTrigger(ctx, cfg.GCPProjectID, cfg.Workflow.Location, cfg.Workflow.Name)
		if err != nil {
			return nil, err
		}
		hook = a.workflow
	}

	m, err := metrics.NewSyncMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	orch := services.NewOrchestrator(l, uploader, a.store, m, hook, services.OrchestratorConfig{
		NoteConcurrency:  cfg.Scheduler.NoteConcurrency,
		ImageConcurrency: cfg.Scheduler.ImageConcurrency,
	})
	a.scheduler, err = services.NewScheduler(services.SchedulerConfig{
		AccountID:       cfg.AccountID,
		RefreshInterval: cfg.Scheduler.RefreshInterval,
		ExpiryInterval:  cfg.Scheduler.ExpiryInterval,
	}, services.SystemClock{}, orch, services.NewRefresher(l, a.store), a.store, m)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newDryRunState copies the device store into memory and seeds a
// MemoryLedger with its projects, profile and uploaded notes, so dry-run
// cycles and refreshes see the device's state without changing it.
func newDryRunState(ctx context.Context, cfg *config.Config) (*localstore.Store, *ledger.MemoryLedger, error) {
	device, err := localstore.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	defer device.Close()

	mem := localstore.NewMemoryKV()
	if err := localstore.New(device).CopyTo(ctx, mem); err != nil {
		return nil, nil, fmt.Errorf("failed to copy device store: %w", err)
	}
	store := localstore.New(mem)

	l := ledger.NewMemoryLedger()
	projects, err := store.LoadProjects(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range projects {
		l.PutProject(cfg.AccountID, p)
		notes, err := store.Load(ctx, p.ID)
		if err != nil {
			slog.Warn("Dry run: skipping unreadable notes.", "projectId", p.ID, "error", err)
			continue
		}
		uploaded := slices.DeleteFunc(notes, func(n models.Note) bool { return !n.IsUploaded })
		for batch := range slices.Chunk(uploaded, ledger.MaxBatchSize) {
			if err := l.CommitNotes(ctx, cfg.AccountID, p.ID, batch); err != nil {
				slog.Warn("Dry run: could not seed uploaded notes.", "projectId", p.ID, "error", err)
			}
		}
	}
	if profile, err := store.LoadProfile(ctx); err == nil && profile != nil {
		l.PutProfile(cfg.AccountID, *profile)
	}
	return store, l, nil
}

func (a *app) newUploader(ctx context.Context) (assets.Uploader, error) {
	cfg := a.cfg.Assets
	if a.cfg.DryRun && cfg.Endpoint == "" {
		return dryRunUploader{}, nil
	}
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.storageClient = client
		return assets.NewGCSUploader(client, cfg.Bucket, cfg.Prefix, cfg.Timeout)
	default:
		return assets.NewMultipartUploader(assets.MultipartConfig{
			Endpoint:          cfg.Endpoint,
			UploadPreset:      cfg.UploadPreset,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	}
}

// Close releases every client. Safe on a partially built app.
func (a *app) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var errs []error
	if a.workflow != nil {
		errs = append(errs, a.workflow.Close())
	}
	if a.storageClient != nil {
		errs = append(errs, a.storageClient.Close())
	}
	if a.firestoreClient != nil {
		errs = append(errs, a.firestoreClient.Close())
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	return errors.Join(errs...)
}
