package services

import (
	"cmp"
	"slices"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
)

// Reconciliation is the note list after a cycle and whether the whole project
// is now uploaded.
type Reconciliation struct {
	Notes       []models.Note
	AllUploaded bool
}

// Reconcile folds committed candidates back into the stored list. Notes keep
// their position; a committed serial takes the candidate version with its
// remote image URLs. A note that is already uploaded is never reverted.
// aggregated tells whether the committed notes reached the aggregate.
func Reconcile(prev []models.Note, committed map[string]models.Note, aggregated bool) Reconciliation {
	out := make([]models.Note, len(prev))
	for i, n := range prev {
		c, ok := committed[n.Serial]
		if !ok || n.IsUploaded {
			out[i] = n
			continue
		}
		c = c.Clone()
		c.IsUploaded = true
		c.InAggregate = aggregated
		out[i] = c
	}
	return Reconciliation{Notes: out, AllUploaded: allUploaded(out)}
}

// allUploaded is false for an empty project.
func allUploaded(notes []models.Note) bool {
	if len(notes) == 0 {
		return false
	}
	for _, n := range notes {
		if !n.IsUploaded {
			return false
		}
	}
	return true
}

// MergeResult reports what MergeRemote changed.
type MergeResult struct {
	Notes []models.Note
	// Added holds serials committed remotely but unknown on this device.
	Added []string
	// Adopted holds local pending serials that were already committed.
	Adopted []string
	// Orphaned holds serials uploaded locally but missing from the ledger.
	Orphaned []string
}

func (r MergeResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Adopted) > 0
}

// MergeRemote merges the ledger's committed notes into the local list.
// Local uploaded notes always stay uploaded, even when the ledger lacks them.
func MergeRemote(local, remote []models.Note) MergeResult {
	bySerial := make(map[string]models.Note, len(remote))
	for _, n := range remote {
		bySerial[n.Serial] = n
	}

	res := MergeResult{Notes: make([]models.Note, 0, len(local)+len(remote))}
	seen := make(map[string]bool, len(local))
	for _, n := range local {
		seen[n.Serial] = true
		r, ok := bySerial[n.Serial]
		switch {
		case ok && !n.IsUploaded:
			r = r.Clone()
			r.IsUploaded = true
			r.InAggregate = false
			res.Notes = append(res.Notes, r)
			res.Adopted = append(res.Adopted, n.Serial)
		case !ok && n.IsUploaded:
			res.Notes = append(res.Notes, n)
			res.Orphaned = append(res.Orphaned, n.Serial)
		default:
			res.Notes = append(res.Notes, n)
		}
	}

	var added []models.Note
	for _, r := range remote {
		if seen[r.Serial] {
			continue
		}
		seen[r.Serial] = true
		r = r.Clone()
		r.IsUploaded = true
		r.InAggregate = false
		added = append(added, r)
	}
	slices.SortFunc(added, func(a, b models.Note) int { return cmp.Compare(a.Serial, b.Serial) })
	for _, r := range added {
		res.Notes = append(res.Notes, r)
		res.Added = append(res.Added, r.Serial)
	}
	return res
}
