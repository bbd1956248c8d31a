// Package localstore persists notes, project summaries and the user profile on
// the device. Each project's notes live under a single key holding the whole
// ordered list, so a Save replaces the list in one write.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
)

const (
	ProjectsKey = "allocatedProjects"
	ProfileKey  = "UserData"
)

var (
	// ErrCorruptRecord marks a stored value that could not be decoded.
	ErrCorruptRecord = errors.New("corrupt local record")
	// ErrNoteNotFound is returned when a serial is not in the project's list.
	ErrNoteNotFound = errors.New("note not found")
	// ErrNoteUploaded is returned when editing a note that already reached the ledger.
	ErrNoteUploaded = errors.New("note is already uploaded")
)

// LocalStoreError reports an unreadable or undecodable record.
type LocalStoreError struct {
	Key string
	Err error
}

func (e *LocalStoreError) Error() string {
	return fmt.Sprintf("local store record %q: %v", e.Key, e.Err)
}

func (e *LocalStoreError) Unwrap() error {
	return e.Err
}

// Store is the Local Note Store.
type Store struct {
	kv     KV
	logger *slog.Logger

	// projectsMu serializes read-modify-write cycles on ProjectsKey.
	projectsMu sync.Mutex
}

func New(kv KV) *Store {
	return &Store{kv: kv, logger: slog.With("component", "local-store")}
}

// Load returns the project's notes in stored order. A missing key yields an
// empty list and no error. An unreadable or corrupt record also yields an
// empty list, together with a *LocalStoreError the caller must surface
// instead of overwriting the record.
func (s *Store) Load(ctx context.Context, projectID string) ([]models.Note, error) {
	notes := []models.Note{}
	found, err := s.read(ctx, projectID, &notes)
	if err != nil {
		s.logger.Warn("Local notes unreadable, treating as empty.", "projectId", projectID, "error", err)
		return []models.Note{}, err
	}
	if !found {
		return []models.Note{}, nil
	}
	return notes, nil
}

// Save overwrites the project's full note list.
func (s *Store) Save(ctx context.Context, projectID string, notes []models.Note) error {
	if notes == nil {
		notes = []models.Note{}
	}
	return s.write(ctx, projectID, notes)
}

// LoadProjects returns the cached allocated-project summaries.
func (s *Store) LoadProjects(ctx context.Context) ([]models.Project, error) {
	projects := []models.Project{}
	if _, err := s.read(ctx, ProjectsKey, &projects); err != nil {
		return []models.Project{}, err
	}
	return projects, nil
}

func (s *Store) SaveProjects(ctx context.Context, projects []models.Project) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()
	return s.saveProjects(ctx, projects)
}

// UpdateProjects applies fn to the cached summaries and saves its result,
// holding the projects lock for the whole cycle. A corrupt list is handed to
// fn as empty, since it only mirrors the ledger. An error from fn aborts
// without writing.
func (s *Store) UpdateProjects(ctx context.Context, fn func([]models.Project) ([]models.Project, error)) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	projects, err := s.LoadProjects(ctx)
	if errors.Is(err, ErrCorruptRecord) {
		s.logger.Warn("Cached project list corrupt, rebuilding it.", "error", err)
	} else if err != nil {
		return err
	}
	updated, err := fn(projects)
	if err != nil {
		return err
	}
	return s.saveProjects(ctx, updated)
}

// UpsertProject replaces the cached summary with the same ID or appends it.
func (s *Store) UpsertProject(ctx context.Context, project models.Project) error {
	return s.UpdateProjects(ctx, func(projects []models.Project) ([]models.Project, error) {
		idx := slices.IndexFunc(projects, func(p models.Project) bool { return p.ID == project.ID })
		if idx >= 0 {
			projects[idx] = project
		} else {
			projects = append(projects, project)
		}
		return projects, nil
	})
}

// MarkProjectUploaded flips the cached summary's flag, if the project is cached.
func (s *Store) MarkProjectUploaded(ctx context.Context, projectID string) error {
	return s.UpdateProjects(ctx, func(projects []models.Project) ([]models.Project, error) {
		if idx := slices.IndexFunc(projects, func(p models.Project) bool { return p.ID == projectID }); idx >= 0 {
			projects[idx].IsUploaded = true
		}
		return projects, nil
	})
}

func (s *Store) saveProjects(ctx context.Context, projects []models.Project) error {
	if projects == nil {
		projects = []models.Project{}
	}
	return s.write(ctx, ProjectsKey, projects)
}

// LoadProfile returns the cached profile, or nil if none is cached.
func (s *Store) LoadProfile(ctx context.Context) (*models.UserProfile, error) {
	var profile models.UserProfile
	found, err := s.read(ctx, ProfileKey, &profile)
	if err != nil || !found {
		return nil, err
	}
	return &profile, nil
}

func (s *Store) SaveProfile(ctx context.Context, profile models.UserProfile) error {
	return s.write(ctx, ProfileKey, profile)
}

// RemoveImage deletes one vial image from a note that has not been uploaded yet.
func (s *Store) RemoveImage(ctx context.Context, projectID, serial, uri string) error {
	notes, err := s.Load(ctx, projectID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(notes, func(n models.Note) bool { return n.Serial == serial })
	if idx < 0 {
		return fmt.Errorf("serial %s: %w", serial, ErrNoteNotFound)
	}
	if notes[idx].IsUploaded {
		return fmt.Errorf("serial %s: %w", serial, ErrNoteUploaded)
	}
	notes[idx].VialImages = slices.DeleteFunc(notes[idx].VialImages, func(img models.ImageRef) bool {
		return img.URI == uri
	})
	return s.Save(ctx, projectID, notes)
}

// CopyTo copies the project list, the profile and the notes of every listed
// project into dst, byte for byte.
func (s *Store) CopyTo(ctx context.Context, dst KV) error {
	projects, err := s.LoadProjects(ctx)
	if err != nil {
		return err
	}
	keys := []string{ProjectsKey, ProfileKey}
	for _, p := range projects {
		keys = append(keys, p.ID)
	}
	for _, key := range keys {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return &LocalStoreError{Key: key, Err: err}
		}
		if !ok {
			continue
		}
		if err := dst.Set(ctx, key, raw); err != nil {
			return &LocalStoreError{Key: key, Err: err}
		}
	}
	return nil
}

// Clear wipes every key. Called on logout.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Clear(ctx); err != nil {
		return &LocalStoreError{Key: "*", Err: err}
	}
	return nil
}

func (s *Store) read(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, &LocalStoreError{Key: key, Err: err}
	}
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, &LocalStoreError{Key: key, Err: fmt.Errorf("%w: %v", ErrCorruptRecord, err)}
	}
	return true, nil
}

func (s *Store) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &LocalStoreError{Key: key, Err: fmt.Errorf("failed to encode: %w", err)}
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return &LocalStoreError{Key: key, Err: err}
	}
	return nil
}
