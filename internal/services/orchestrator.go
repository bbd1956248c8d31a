package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/fieldnotesync/internal/assets"
	"github.com/Lllllllleong/fieldnotesync/internal/ledger"
	"github.com/Lllllllleong/fieldnotesync/internal/localstore"
	"github.com/Lllllllleong/fieldnotesync/internal/metrics"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a step of the upload cycle.
type State string

const (
	StateIdle              State = "Idle"
	StateSelecting         State = "Selecting"
	StateUploadingAssets   State = "UploadingAssets"
	StateCommittingBatch   State = "CommittingBatch"
	StateUpdatingAggregate State = "UpdatingAggregate"
	StateReconcilingStatus State = "ReconcilingStatus"
	StateAborted           State = "AbortedForCycle"
)

// CycleResult summarizes one upload cycle.
type CycleResult struct {
	CycleID   string
	ProjectID string
	Pending   int
	Committed []string
	// Skipped maps the serial of every note left out of the commit to the
	// asset failure that excluded it.
	Skipped map[string]error
	// Aggregated counts notes newly appended to the aggregate, backlog included.
	Aggregated       int
	ProjectCompleted bool
	State            State
	// Err carries non-fatal failures after a confirmed commit (aggregate
	// append, project flag). The cycle result is still persisted.
	Err error
}

// CompletionHook is told about projects that just became fully uploaded.
type CompletionHook interface {
	ProjectCompleted(ctx context.Context, payload models.ProjectCompletedPayload) error
}

// OrchestratorConfig holds the fan-out limits of a cycle.
type OrchestratorConfig struct {
	NoteConcurrency  int
	ImageConcurrency int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{NoteConcurrency: 10, ImageConcurrency: 4}
}

// Orchestrator runs upload cycles for one project at a time. Callers must
// not run two cycles for the same project concurrently; the Scheduler
// guarantees that.
type Orchestrator struct {
	ledger   ledger.Ledger
	uploader assets.Uploader
	store    *localstore.Store
	metrics  *metrics.SyncMetrics
	hook     CompletionHook
	config   OrchestratorConfig
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. m and hook may be nil.
func NewOrchestrator(l ledger.Ledger, u assets.Uploader, s *localstore.Store, m *metrics.SyncMetrics, hook CompletionHook, config OrchestratorConfig) *Orchestrator {
	if config.NoteConcurrency <= 0 {
		config.NoteConcurrency = DefaultOrchestratorConfig().NoteConcurrency
	}
	if config.ImageConcurrency <= 0 {
		config.ImageConcurrency = DefaultOrchestratorConfig().ImageConcurrency
	}
	return &Orchestrator{
		ledger:   l,
		uploader: u,
		store:    s,
		metrics:  m,
		hook:     hook,
		config:   config,
		logger:   slog.With("component", "orchestrator"),
	}
}

// Run executes one cycle for the project. The returned error is non-nil when
// the cycle aborted before anything was persisted: the project is unknown,
// the local record is unreadable, or the batch commit failed.
func (o *Orchestrator) Run(ctx context.Context, accountID, projectID string) (*CycleResult, error) {
	start := time.Now()
	res := &CycleResult{
		CycleID:   uuid.NewString(),
		ProjectID: projectID,
		Skipped:   map[string]error{},
		State:     StateSelecting,
	}
	logCtx := o.logger.With("projectId", projectID, "cycleId", res.CycleID)
	logCtx.Info("Starting upload cycle.")

	abort := func(err error) (*CycleResult, error) {
		res.State = StateAborted
		o.metrics.RecordCycle(metrics.OutcomeAborted, 0, len(res.Skipped), time.Since(start).Seconds())
		logCtx.Error("Upload cycle aborted.", "error", err)
		return res, err
	}

	// --- 1. Select pending notes ---
	project, err := o.ledger.GetProject(ctx, accountID, projectID)
	if err != nil {
		return abort(fmt.Errorf("failed to load project %s: %w", projectID, err))
	}
	notes, err := o.store.Load(ctx, projectID)
	if err != nil {
		return abort(fmt.Errorf("failed to load local notes: %w", err))
	}

	// Committed notes that never reached the aggregate go first.
	dirty := false
	if backlog := aggregateBacklog(notes); len(backlog) > 0 {
		res.State = StateUpdatingAggregate
		n, err := o.ledger.AppendToAggregate(ctx, project.Name, backlog)
		if err != nil {
			o.metrics.IncAggregateFailures()
			logCtx.Warn("Aggregate backlog append failed.", "error", err, "backlog", len(backlog))
			res.Err = errors.Join(res.Err, fmt.Errorf("failed to append aggregate backlog: %w", err))
		} else {
			markAggregated(notes, backlog)
			res.Aggregated += n
			dirty = true
		}
	}

	pending := selectPending(notes)
	res.Pending = len(pending)
	if len(pending) == 0 {
		if allUploaded(notes) && !project.IsUploaded {
			res.State = StateReconcilingStatus
			o.completeProject(ctx, logCtx, accountID, project, notes, res)
		}
		if dirty {
			if err := o.store.Save(ctx, projectID, notes); err != nil {
				return res, fmt.Errorf("failed to persist notes: %w", err)
			}
		}
		res.State = StateIdle
		o.metrics.RecordCycle(metrics.OutcomeNoop, 0, 0, time.Since(start).Seconds())
		logCtx.Info("Nothing to upload.")
		return res, nil
	}
	logCtx.Info("Selected pending notes.", "pending", len(pending))

	// --- 2. Upload assets into staged candidates ---
	res.State = StateUploadingAssets
	candidates := o.stageCandidates(ctx, logCtx, pending, res)
	if len(candidates) == 0 {
		res.State = StateIdle
		o.metrics.RecordCycle(metrics.OutcomePartial, 0, len(res.Skipped), time.Since(start).Seconds())
		logCtx.Warn("Every pending note failed asset upload.", "skipped", len(res.Skipped))
		if dirty {
			if err := o.store.Save(ctx, projectID, notes); err != nil {
				return res, fmt.Errorf("failed to persist notes: %w", err)
			}
		}
		return res, ctx.Err()
	}

	// --- 3. Commit the batch ---
	res.State = StateCommittingBatch
	if err := o.ledger.CommitNotes(ctx, accountID, projectID, candidates); err != nil {
		return abort(fmt.Errorf("failed to commit note batch: %w", err))
	}
	committed := make(map[string]models.Note, len(candidates))
	for _, c := range candidates {
		committed[c.Serial] = c
		res.Committed = append(res.Committed, c.Serial)
	}
	logCtx.Info("Committed note batch.", "committed", len(candidates))

	// --- 4. Update the aggregate ---
	res.State = StateUpdatingAggregate
	n, aggErr := o.ledger.AppendToAggregate(ctx, project.Name, candidates)
	if aggErr != nil {
		o.metrics.IncAggregateFailures()
		logCtx.Warn("Aggregate append failed, notes stay in the backlog.", "error", aggErr)
		res.Err = errors.Join(res.Err, fmt.Errorf("failed to append to aggregate: %w", aggErr))
	} else {
		res.Aggregated += n
	}

	// --- 5. Reconcile ---
	res.State = StateReconcilingStatus
	rec := Reconcile(notes, committed, aggErr == nil)
	if rec.AllUploaded && !project.IsUploaded {
		o.completeProject(ctx, logCtx, accountID, project, rec.Notes, res)
	}

	// --- 6. Persist ---
	if err := o.store.Save(ctx, projectID, rec.Notes); err != nil {
		logCtx.Error("Failed to persist reconciled notes.", "error", err)
		return res, fmt.Errorf("failed to persist reconciled notes: %w", err)
	}

	res.State = StateIdle
	outcome := metrics.OutcomeCommitted
	if len(res.Skipped) > 0 {
		outcome = metrics.OutcomePartial
	}
	o.metrics.RecordCycle(outcome, len(res.Committed), len(res.Skipped), time.Since(start).Seconds())
	logCtx.Info("Upload cycle complete.",
		"committed", len(res.Committed),
		"skipped", len(res.Skipped),
		"aggregated", res.Aggregated,
		"projectCompleted", res.ProjectCompleted,
	)
	return res, nil
}

// stageCandidates uploads the images of every pending note concurrently and
// returns, in pending order, a copy of each note whose images all uploaded.
// The pending notes themselves are not modified.
func (o *Orchestrator) stageCandidates(ctx context.Context, logCtx *slog.Logger, pending []models.Note, res *CycleResult) []models.Note {
	staged := make([]*models.Note, len(pending))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.config.NoteConcurrency)
	for i, note := range pending {
		g.Go(func() error {
			if err := ledger.ValidateSerial(note.Serial); err != nil {
				logCtx.Warn("Note cannot be committed under its serial.", "serial", note.Serial, "error", err)
				mu.Lock()
				res.Skipped[note.Serial] = err
				mu.Unlock()
				return nil
			}
			c, err := o.uploadNote(ctx, note)
			if err != nil {
				logCtx.Warn("Skipping note for this cycle.", "serial", note.Serial, "error", err)
				mu.Lock()
				res.Skipped[note.Serial] = err
				mu.Unlock()
				return nil
			}
			staged[i] = &c
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]models.Note, 0, len(pending))
	for _, c := range staged {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates
}

// uploadNote returns a candidate copy of note with every image replaced, by
// position, with its remote URL.
func (o *Orchestrator) uploadNote(ctx context.Context, note models.Note) (models.Note, error) {
	c := note.Clone()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.ImageConcurrency)
	for _, group := range [][]models.ImageRef{c.VialImages, c.HabitatImages} {
		for i := range group {
			g.Go(func() error {
				url, err := o.uploader.Upload(gctx, group[i])
				if err != nil {
					return err
				}
				group[i].URI = url
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return models.Note{}, err
	}
	c.IsUploaded = true
	c.InAggregate = false
	return c, nil
}

// completeProject flags the project uploaded remotely and locally, then runs
// the completion hook. Failures are recorded on res and retried next cycle.
func (o *Orchestrator) completeProject(ctx context.Context, logCtx *slog.Logger, accountID string, project *models.Project, notes []models.Note, res *CycleResult) {
	if err := o.ledger.SetProjectUploaded(ctx, accountID, project.ID); err != nil {
		logCtx.Warn("Failed to mark project uploaded, will retry next cycle.", "error", err)
		res.Err = errors.Join(res.Err, fmt.Errorf("failed to mark project uploaded: %w", err))
		return
	}
	res.ProjectCompleted = true
	o.metrics.IncProjectsCompleted()
	logCtx.Info("Project fully uploaded.", "noteCount", len(notes))

	if err := o.store.MarkProjectUploaded(ctx, project.ID); err != nil {
		logCtx.Warn("Failed to update local project summary.", "error", err)
	}
	if o.hook == nil {
		return
	}
	payload := models.ProjectCompletedPayload{
		AccountID:   accountID,
		ProjectID:   project.ID,
		ProjectName: project.Name,
		NoteCount:   len(notes),
	}
	if err := o.hook.ProjectCompleted(ctx, payload); err != nil {
		logCtx.Warn("Completion hook failed.", "error", err)
	}
}

// selectPending returns copies of the notes not yet uploaded, in stored
// order, capped at the ledger's batch size.
func selectPending(notes []models.Note) []models.Note {
	var pending []models.Note
	for _, n := range notes {
		if n.IsUploaded {
			continue
		}
		pending = append(pending, n.Clone())
		if len(pending) == ledger.MaxBatchSize {
			break
		}
	}
	return pending
}

func aggregateBacklog(notes []models.Note) []models.Note {
	var backlog []models.Note
	for _, n := range notes {
		if n.IsUploaded && !n.InAggregate {
			backlog = append(backlog, n.Clone())
		}
	}
	return backlog
}

func markAggregated(notes, backlog []models.Note) {
	done := make(map[string]bool, len(backlog))
	for _, n := range backlog {
		done[n.Serial] = true
	}
	for i := range notes {
		if done[notes[i].Serial] {
			notes[i].InAggregate = true
		}
	}
}
