package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lllllllleong/fieldnotesync/internal/assets"
	"github.com/Lllllllleong/fieldnotesync/internal/config"
	"github.com/Lllllllleong/fieldnotesync/internal/localstore"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dryRunConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AccountID: "acct-1",
		DryRun:    true,
		Store:     config.StoreConfig{Path: filepath.Join(t.TempDir(), "fieldnotes.db")},
		Assets:    config.AssetsConfig{Backend: config.BackendMultipart},
		Ledger:    config.LedgerConfig{CacheTTL: time.Second},
		Scheduler: config.SchedulerConfig{
			RefreshInterval: time.Second,
			ExpiryInterval:  time.Second,
		},
	}
}

func TestDryRunUploader(t *testing.T) {
	ctx := context.Background()
	u := dryRunUploader{}

	url, err := u.Upload(ctx, models.ImageRef{URI: "file:///data/vial.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "https://dry-run.invalid/vial.jpg", url)

	url, err = u.Upload(ctx, models.ImageRef{URI: "https://cdn.test/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/a.jpg", url)

	_, err = u.Upload(ctx, models.ImageRef{})
	assert.ErrorIs(t, err, assets.ErrMissingURI)
}

// seedDevice writes an expired project with one local-only note into the
// SQLite store at cfg.Store.Path.
func seedDevice(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	kv, err := localstore.OpenSQLite(cfg.Store.Path)
	require.NoError(t, err)
	defer kv.Close()

	store := localstore.New(kv)
	require.NoError(t, store.SaveProjects(ctx, []models.Project{{
		ID:     "p1",
		Name:   "Lake Survey",
		ToDate: time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
	}}))
	require.NoError(t, store.Save(ctx, "p1", []models.Note{{
		Serial:     "1",
		VialImages: []models.ImageRef{{URI: "file:///data/vial.jpg"}},
	}}))
}

func TestNewApp_DryRunUsesDeviceState(t *testing.T) {
	ctx := context.Background()
	cfg := dryRunConfig(t)
	seedDevice(t, cfg)

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.scheduler.RefreshOnce(ctx))
	projects, err := a.store.LoadProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	res, err := a.scheduler.UploadNow(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.Committed)
	assert.True(t, res.ProjectCompleted)

	require.NoError(t, a.scheduler.RefreshOnce(ctx))
	projects, err = a.store.LoadProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.True(t, projects[0].IsUploaded)

	// The device store itself is untouched.
	kv, err := localstore.OpenSQLite(cfg.Store.Path)
	require.NoError(t, err)
	defer kv.Close()
	device := localstore.New(kv)
	notes, err := device.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.False(t, notes[0].IsUploaded)
	assert.Equal(t, "file:///data/vial.jpg", notes[0].VialImages[0].URI)
	devProjects, err := device.LoadProjects(ctx)
	require.NoError(t, err)
	assert.False(t, devProjects[0].IsUploaded)
}

func TestNewApp_DryRun(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, dryRunConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.firestoreClient)
	assert.Nil(t, a.workflow)
	require.NoError(t, a.scheduler.RefreshOnce(ctx))

	// Unknown projects abort the cycle without touching the store.
	_, err = a.scheduler.UploadNow(ctx, "p1")
	assert.Error(t, err)
}
