package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/fieldnotesync/internal/ledger"
	"github.com/Lllllllleong/fieldnotesync/internal/localstore"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
)

// Refresher pulls the account's projects, profile and committed notes from
// the ledger into the local store.
type Refresher struct {
	ledger ledger.Ledger
	store  *localstore.Store
	logger *slog.Logger
}

func NewRefresher(l ledger.Ledger, s *localstore.Store) *Refresher {
	return &Refresher{ledger: l, store: s, logger: slog.With("component", "refresher")}
}

// RefreshProjects replaces the cached project summaries with the ledger's
// list. A project flagged uploaded on the device stays flagged. An empty
// ledger list never wipes a non-empty cache: the cached summaries are kept
// and returned.
func (r *Refresher) RefreshProjects(ctx context.Context, accountID string) ([]models.Project, error) {
	remote, err := r.ledger.ListProjects(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var cached []models.Project
	err = r.store.UpdateProjects(ctx, func(local []models.Project) ([]models.Project, error) {
		if len(remote) == 0 && len(local) > 0 {
			r.logger.Warn("Ledger lists no projects, keeping cached summaries.", "accountId", accountID, "cached", len(local))
			cached = local
			return local, nil
		}
		uploaded := make(map[string]bool, len(local))
		for _, p := range local {
			if p.IsUploaded {
				uploaded[p.ID] = true
			}
		}
		for i := range remote {
			if uploaded[remote[i].ID] {
				remote[i].IsUploaded = true
			}
		}
		cached = remote
		return remote, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cache projects: %w", err)
	}
	return cached, nil
}

// RefreshProfile caches the account profile. A missing profile is not an error.
func (r *Refresher) RefreshProfile(ctx context.Context, accountID string) error {
	profile, err := r.ledger.GetProfile(ctx, accountID)
	if errors.Is(err, ledger.ErrNotFound) {
		r.logger.Info("No profile document for account.", "accountId", accountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch profile: %w", err)
	}
	return r.store.SaveProfile(ctx, *profile)
}

// RefreshNotes merges the project's committed notes into the local list and
// saves it when something changed. A corrupt local record is left alone.
func (r *Refresher) RefreshNotes(ctx context.Context, accountID, projectID string) (MergeResult, error) {
	logCtx := r.logger.With("projectId", projectID)
	remote, err := r.ledger.ListUploadedNotes(ctx, accountID, projectID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to list uploaded notes: %w", err)
	}
	local, err := r.store.Load(ctx, projectID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("failed to load local notes: %w", err)
	}

	merged := MergeRemote(local, remote)
	if len(merged.Orphaned) > 0 {
		logCtx.Warn("Notes uploaded on this device are missing from the ledger.", "serials", merged.Orphaned)
	}
	if !merged.Changed() {
		return merged, nil
	}
	if err := r.store.Save(ctx, projectID, merged.Notes); err != nil {
		return merged, fmt.Errorf("failed to save merged notes: %w", err)
	}
	logCtx.Info("Merged remote notes.", "added", len(merged.Added), "adopted", len(merged.Adopted))
	return merged, nil
}
