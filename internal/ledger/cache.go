package ledger

import (
	"context"
	"slices"
	"time"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/patrickmn/go-cache"
)

const DefaultProjectCacheTTL = 30 * time.Second

// CachedLedger serves GetProject from a short-lived cache. Every other call
// goes straight to the wrapped Ledger.
type CachedLedger struct {
	Ledger
	projects *cache.Cache
}

func NewCachedLedger(next Ledger, ttl time.Duration) *CachedLedger {
	if ttl <= 0 {
		ttl = DefaultProjectCacheTTL
	}
	return &CachedLedger{Ledger: next, projects: cache.New(ttl, 2*ttl)}
}

func (c *CachedLedger) GetProject(ctx context.Context, accountID, projectID string) (*models.Project, error) {
	key := notesKey(accountID, projectID)
	if v, ok := c.projects.Get(key); ok {
		return copyProject(v.(models.Project)), nil
	}
	p, err := c.Ledger.GetProject(ctx, accountID, projectID)
	if err != nil {
		return nil, err
	}
	c.projects.SetDefault(key, *copyProject(*p))
	return p, nil
}

// ListProjects refreshes the cache with every listed project.
func (c *CachedLedger) ListProjects(ctx context.Context, accountID string) ([]models.Project, error) {
	projects, err := c.Ledger.ListProjects(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		c.projects.SetDefault(notesKey(accountID, p.ID), *copyProject(p))
	}
	return projects, nil
}

func (c *CachedLedger) SetProjectUploaded(ctx context.Context, accountID, projectID string) error {
	key := notesKey(accountID, projectID)
	if err := c.Ledger.SetProjectUploaded(ctx, accountID, projectID); err != nil {
		c.projects.Delete(key)
		return err
	}
	if v, ok := c.projects.Get(key); ok {
		p := v.(models.Project)
		p.IsUploaded = true
		c.projects.SetDefault(key, p)
	}
	return nil
}

// Flush drops every cached project.
func (c *CachedLedger) Flush() {
	c.projects.Flush()
}

func copyProject(p models.Project) *models.Project {
	p.TeamMembers = slices.Clone(p.TeamMembers)
	return &p
}
