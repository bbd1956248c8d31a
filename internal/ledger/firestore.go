package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreLedger implements Ledger on Cloud Firestore.
type FirestoreLedger struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewFirestoreLedger(client *firestore.Client) *FirestoreLedger {
	return &FirestoreLedger{client: client, logger: slog.With("component", "ledger", "backend", "firestore")}
}

func (l *FirestoreLedger) accountRef(accountID string) *firestore.DocumentRef {
	return l.client.Collection(AccountsCollection).Doc(accountID)
}

func (l *FirestoreLedger) projectRef(accountID, projectID string) *firestore.DocumentRef {
	return l.accountRef(accountID).Collection(ProjectsCollection).Doc(projectID)
}

func (l *FirestoreLedger) GetProject(ctx context.Context, accountID, projectID string) (*models.Project, error) {
	if accountID == "" || projectID == "" {
		return nil, fmt.Errorf("account and project id must be set: %w", ErrNotFound)
	}
	ref := l.projectRef(accountID, projectID)
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("project %s: %w", ref.Path, ErrNotFound)
		}
		return nil, &LedgerError{Op: OpGetProject, Path: ref.Path, Err: err}
	}
	return decodeProject(snap)
}

func (l *FirestoreLedger) ListProjects(ctx context.Context, accountID string) ([]models.Project, error) {
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	coll := l.accountRef(accountID).Collection(ProjectsCollection)
	docs, err := coll.Documents(ctx).GetAll()
	if err != nil {
		return nil, &LedgerError{Op: OpListProjects, Path: coll.Path, Err: err}
	}
	projects := make([]models.Project, 0, len(docs))
	for _, doc := range docs {
		p, err := decodeProject(doc)
		if err != nil {
			l.logger.Warn("Skipping undecodable project document.", "path", doc.Ref.Path, "error", err)
			continue
		}
		projects = append(projects, *p)
	}
	return projects, nil
}

func (l *FirestoreLedger) GetProfile(ctx context.Context, accountID string) (*models.UserProfile, error) {
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	ref := l.accountRef(accountID)
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("profile %s: %w", ref.Path, ErrNotFound)
		}
		return nil, &LedgerError{Op: OpGetProfile, Path: ref.Path, Err: err}
	}
	var profile models.UserProfile
	if err := snap.DataTo(&profile); err != nil {
		return nil, &LedgerError{Op: OpGetProfile, Path: ref.Path, Err: fmt.Errorf("failed to decode profile: %w", err)}
	}
	return &profile, nil
}

func (l *FirestoreLedger) ListUploadedNotes(ctx context.Context, accountID, projectID string) ([]models.Note, error) {
	if accountID == "" || projectID == "" {
		return nil, ErrMissingAccount
	}
	coll := l.projectRef(accountID, projectID).Collection(UploadedNotesCollection)
	docs, err := coll.Documents(ctx).GetAll()
	if err != nil {
		return nil, &LedgerError{Op: OpListNotes, Path: coll.Path, Err: err}
	}
	notes := make([]models.Note, 0, len(docs))
	for _, doc := range docs {
		var n models.Note
		if err := doc.DataTo(&n); err != nil {
			l.logger.Warn("Skipping undecodable note document.", "path", doc.Ref.Path, "error", err)
			continue
		}
		if n.Serial == "" {
			n.Serial = doc.Ref.ID
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// CommitNotes sets every note document inside a single transaction, so either
// all documents are written or none are.
func (l *FirestoreLedger) CommitNotes(ctx context.Context, accountID, projectID string, notes []models.Note) error {
	if err := validateBatch(accountID, projectID, notes); err != nil {
		return err
	}
	if len(notes) == 0 {
		return nil
	}
	coll := l.projectRef(accountID, projectID).Collection(UploadedNotesCollection)
	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, n := range notes {
			if err := tx.Set(coll.Doc(n.Serial), n); err != nil {
				return fmt.Errorf("serial %s: %w", n.Serial, err)
			}
		}
		return nil
	})
	if err != nil {
		return &LedgerError{Op: OpCommitNotes, Path: coll.Path, Err: err}
	}
	l.logger.Info("Committed note batch.", "path", coll.Path, "noteCount", len(notes))
	return nil
}

// AppendToAggregate reads the aggregate inside a transaction and appends only
// unseen serials with an array union. Firestore retries the transaction when
// another writer touched the document between the read and the write.
func (l *FirestoreLedger) AppendToAggregate(ctx context.Context, projectName string, notes []models.Note) (int, error) {
	if err := validateAggregateName(projectName); err != nil {
		return 0, err
	}
	if len(notes) == 0 {
		return 0, nil
	}
	ref := l.client.Collection(AggregateCollection).Doc(projectName)

	var appended int
	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		appended = 0
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		seen := map[string]bool{}
		if snap != nil && snap.Exists() {
			seen = aggregateSerials(snap.Data())
		}

		fresh := make([]any, 0, len(notes))
		for _, n := range notes {
			if seen[n.Serial] {
				continue
			}
			seen[n.Serial] = true
			fresh = append(fresh, n)
		}
		if len(fresh) == 0 {
			return nil
		}
		appended = len(fresh)
		return tx.Set(ref, map[string]any{"notes": firestore.ArrayUnion(fresh...)}, firestore.MergeAll)
	})
	if err != nil {
		return 0, &LedgerError{Op: OpAppendAggregate, Path: ref.Path, Err: err}
	}
	l.logger.Info("Updated NotesUploaded aggregate.", "projectName", projectName, "appended", appended, "offered", len(notes))
	return appended, nil
}

func (l *FirestoreLedger) SetProjectUploaded(ctx context.Context, accountID, projectID string) error {
	if accountID == "" || projectID == "" {
		return ErrMissingAccount
	}
	ref := l.projectRef(accountID, projectID)
	_, err := ref.Update(ctx, []firestore.Update{{Path: "isUploaded", Value: true}})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("project %s: %w", ref.Path, ErrNotFound)
		}
		return &LedgerError{Op: OpSetUploaded, Path: ref.Path, Err: err}
	}
	return nil
}

func decodeProject(snap *firestore.DocumentSnapshot) (*models.Project, error) {
	var p models.Project
	if err := snap.DataTo(&p); err != nil {
		return nil, &LedgerError{Op: OpGetProject, Path: snap.Ref.Path, Err: fmt.Errorf("failed to decode project: %w", err)}
	}
	p.ID = snap.Ref.ID
	return &p, nil
}

// aggregateSerials collects the serials already present in an aggregate
// document. Older app versions wrote "Serial", sometimes as a number.
func aggregateSerials(data map[string]any) map[string]bool {
	seen := map[string]bool{}
	entries, _ := data["notes"].([]any)
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"serial", "Serial"} {
			if v, ok := m[key]; ok && v != nil {
				seen[fmt.Sprint(v)] = true
			}
		}
	}
	return seen
}
