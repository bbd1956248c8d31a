package ledger

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
)

// MemoryLedger is an in-process Ledger with the same atomicity guarantees as
// the Firestore one. Faults can be injected per operation.
type MemoryLedger struct {
	mu        sync.Mutex
	projects  map[string]map[string]models.Project // account -> project id -> project
	profiles  map[string]models.UserProfile
	notes     map[string]map[string]models.Note // account/project -> serial -> note
	aggregate map[string][]models.Note          // project name -> notes
	faults    map[Op]error
	writes    int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		projects:  make(map[string]map[string]models.Project),
		profiles:  make(map[string]models.UserProfile),
		notes:     make(map[string]map[string]models.Note),
		aggregate: make(map[string][]models.Note),
		faults:    make(map[Op]error),
	}
}

// PutProject seeds or replaces a project document.
func (m *MemoryLedger) PutProject(accountID string, p models.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.projects[accountID] == nil {
		m.projects[accountID] = make(map[string]models.Project)
	}
	m.projects[accountID][p.ID] = p
}

// PutProfile seeds the account document.
func (m *MemoryLedger) PutProfile(accountID string, p models.UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[accountID] = p
}

// FailOn makes every call of op fail with err until ClearFaults.
func (m *MemoryLedger) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

func (m *MemoryLedger) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[Op]error)
}

// Writes counts successful mutating calls that changed remote state.
func (m *MemoryLedger) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Notes returns the committed note documents of a project ordered by serial.
func (m *MemoryLedger) Notes(accountID, projectID string) []models.Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.notes[notesKey(accountID, projectID)]
	out := make([]models.Note, 0, len(docs))
	for _, n := range docs {
		out = append(out, n.Clone())
	}
	slices.SortFunc(out, func(a, b models.Note) int { return cmp.Compare(a.Serial, b.Serial) })
	return out
}

// Aggregate returns the aggregate list for a project name.
func (m *MemoryLedger) Aggregate(projectName string) []models.Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.aggregate[projectName])
}

func (m *MemoryLedger) fault(op Op, path string) error {
	if err, ok := m.faults[op]; ok {
		return &LedgerError{Op: op, Path: path, Err: err}
	}
	return nil
}

func (m *MemoryLedger) GetProject(_ context.Context, accountID, projectID string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := projectPath(accountID, projectID)
	if err := m.fault(OpGetProject, path); err != nil {
		return nil, err
	}
	p, ok := m.projects[accountID][projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", path, ErrNotFound)
	}
	p.TeamMembers = slices.Clone(p.TeamMembers)
	return &p, nil
}

func (m *MemoryLedger) ListProjects(_ context.Context, accountID string) ([]models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	if err := m.fault(OpListProjects, AccountsCollection+"/"+accountID); err != nil {
		return nil, err
	}
	out := make([]models.Project, 0, len(m.projects[accountID]))
	for _, p := range m.projects[accountID] {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b models.Project) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryLedger) GetProfile(_ context.Context, accountID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := AccountsCollection + "/" + accountID
	if err := m.fault(OpGetProfile, path); err != nil {
		return nil, err
	}
	p, ok := m.profiles[accountID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", path, ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryLedger) ListUploadedNotes(_ context.Context, accountID, projectID string) ([]models.Note, error) {
	m.mu.Lock()
	path := projectPath(accountID, projectID) + "/" + UploadedNotesCollection
	if err := m.fault(OpListNotes, path); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()
	return m.Notes(accountID, projectID), nil
}

func (m *MemoryLedger) CommitNotes(_ context.Context, accountID, projectID string, notes []models.Note) error {
	if err := validateBatch(accountID, projectID, notes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpCommitNotes, projectPath(accountID, projectID)); err != nil {
		return err
	}
	if len(notes) == 0 {
		return nil
	}
	key := notesKey(accountID, projectID)
	if m.notes[key] == nil {
		m.notes[key] = make(map[string]models.Note)
	}
	for _, n := range notes {
		m.notes[key][n.Serial] = n.Clone()
	}
	m.writes++
	return nil
}

func (m *MemoryLedger) AppendToAggregate(_ context.Context, projectName string, notes []models.Note) (int, error) {
	if err := validateAggregateName(projectName); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpAppendAggregate, AggregateCollection+"/"+projectName); err != nil {
		return 0, err
	}
	existing := m.aggregate[projectName]
	appended := 0
	for _, n := range notes {
		if slices.ContainsFunc(existing, func(e models.Note) bool { return e.Serial == n.Serial }) {
			continue
		}
		existing = append(existing, n.Clone())
		appended++
	}
	if appended > 0 {
		m.aggregate[projectName] = existing
		m.writes++
	}
	return appended, nil
}

func (m *MemoryLedger) SetProjectUploaded(_ context.Context, accountID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := projectPath(accountID, projectID)
	if err := m.fault(OpSetUploaded, path); err != nil {
		return err
	}
	p, ok := m.projects[accountID][projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", path, ErrNotFound)
	}
	p.IsUploaded = true
	m.projects[accountID][projectID] = p
	m.writes++
	return nil
}

func projectPath(accountID, projectID string) string {
	return AccountsCollection + "/" + accountID + "/" + ProjectsCollection + "/" + projectID
}

func notesKey(accountID, projectID string) string {
	return accountID + "/" + projectID
}
