// Package ledger is the client for the remote note ledger: allocated projects
// per account, the uploaded-note documents of each project, and the global
// NotesUploaded aggregate keyed by project name.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
)

// Collection names of the remote layout.
const (
	AccountsCollection      = "Accounts"
	ProjectsCollection      = "AllocatedProjects"
	UploadedNotesCollection = "UploadedNotes"
	AggregateCollection     = "NotesUploadedAggregate"
)

// MaxBatchSize is the largest number of notes one atomic commit may carry.
const MaxBatchSize = 500

var (
	ErrNotFound       = errors.New("not found")
	ErrBatchTooLarge  = fmt.Errorf("batch exceeds %d notes", MaxBatchSize)
	ErrMissingSerial  = errors.New("note has no serial")
	ErrMissingAccount = errors.New("account id must be set")
	ErrInvalidID      = errors.New("invalid document id")
)

// Op names a ledger operation.
type Op string

const (
	OpGetProject      Op = "get-project"
	OpListProjects    Op = "list-projects"
	OpGetProfile      Op = "get-profile"
	OpListNotes       Op = "list-uploaded-notes"
	OpCommitNotes     Op = "commit-notes"
	OpAppendAggregate Op = "append-aggregate"
	OpSetUploaded     Op = "set-project-uploaded"
)

// IsWrite reports whether the operation mutates the ledger.
func (o Op) IsWrite() bool {
	switch o {
	case OpCommitNotes, OpAppendAggregate, OpSetUploaded:
		return true
	}
	return false
}

// LedgerError wraps a transport or backend failure of one operation.
type LedgerError struct {
	Op   Op
	Path string
	Err  error
}

func (e *LedgerError) Error() string {
	kind := "read"
	if e.Op.IsWrite() {
		kind = "write"
	}
	return fmt.Sprintf("ledger %s %s %s: %v", kind, e.Op, e.Path, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Ledger is implemented by FirestoreLedger, MemoryLedger and CachedLedger.
type Ledger interface {
	GetProject(ctx context.Context, accountID, projectID string) (*models.Project, error)
	ListProjects(ctx context.Context, accountID string) ([]models.Project, error)
	GetProfile(ctx context.Context, accountID string) (*models.UserProfile, error)
	ListUploadedNotes(ctx context.Context, accountID, projectID string) ([]models.Note, error)

	// CommitNotes writes every note, keyed by serial, in one all-or-nothing unit.
	CommitNotes(ctx context.Context, accountID, projectID string, notes []models.Note) error
	// AppendToAggregate adds the notes whose serial is not yet in the project's
	// aggregate and returns how many were added.
	AppendToAggregate(ctx context.Context, projectName string, notes []models.Note) (int, error)
	SetProjectUploaded(ctx context.Context, accountID, projectID string) error
}

func validateBatch(accountID, projectID string, notes []models.Note) error {
	if accountID == "" {
		return ErrMissingAccount
	}
	if projectID == "" {
		return errors.New("project id must be set")
	}
	if err := validateDocID("account id", accountID); err != nil {
		return err
	}
	if err := validateDocID("project id", projectID); err != nil {
		return err
	}
	if len(notes) > MaxBatchSize {
		return ErrBatchTooLarge
	}
	for _, n := range notes {
		if err := ValidateSerial(n.Serial); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSerial reports whether a note can be stored under its serial.
func ValidateSerial(serial string) error {
	if serial == "" {
		return ErrMissingSerial
	}
	return validateDocID("serial", serial)
}

func validateAggregateName(projectName string) error {
	if projectName == "" {
		return errors.New("project name must be set")
	}
	return validateDocID("project name", projectName)
}

// validateDocID rejects values Firestore cannot use as a document ID.
func validateDocID(field, id string) error {
	if strings.Contains(id, "/") || id == "." || id == ".." {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, field, id)
	}
	return nil
}
