package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := OpenSQLite(filepath.Join(t.TempDir(), "store", "fieldnotes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// Both KV implementations must satisfy the same contract.
func kvImplementations(t *testing.T) map[string]KV {
	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": openTestSQLite(t),
	}
}

func TestKV_Contract(t *testing.T) {
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := kv.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, kv.Set(ctx, "a", []byte("1")))
			require.NoError(t, kv.Set(ctx, "a", []byte("2")))
			require.NoError(t, kv.Set(ctx, "b", []byte("3")))

			v, ok, err := kv.Get(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "2", string(v))

			require.NoError(t, kv.Delete(ctx, "a"))
			_, ok, _ = kv.Get(ctx, "a")
			assert.False(t, ok)

			require.NoError(t, kv.Clear(ctx))
			_, ok, _ = kv.Get(ctx, "b")
			assert.False(t, ok)
		})
	}
}

func TestStore_LoadMissingProjectIsEmpty(t *testing.T) {
	s := New(NewMemoryKV())

	notes, err := s.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.NotNil(t, notes)
	assert.Empty(t, notes)
}

func TestStore_SaveLoadPreservesOrder(t *testing.T) {
	s := New(openTestSQLite(t))
	ctx := context.Background()

	in := []models.Note{
		{Serial: "3", VialImages: []models.ImageRef{{URI: "/a.jpg"}}},
		{Serial: "1", IsUploaded: true},
		{Serial: "2"},
	}
	require.NoError(t, s.Save(ctx, "p1", in))

	out, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"3", "1", "2"}, []string{out[0].Serial, out[1].Serial, out[2].Serial})
	assert.Equal(t, "/a.jpg", out[0].VialImages[0].URI)
	assert.True(t, out[1].IsUploaded)
}

func TestStore_MissingUploadedFlagDefaultsFalse(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "p1", []byte(`[{"serial":"1","vialImages":[],"habitatImages":[]}]`)))

	notes, err := New(kv).Load(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.False(t, notes[0].IsUploaded)
}

func TestStore_CorruptRecord(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "p1", []byte(`{not json`)))

	notes, err := New(kv).Load(ctx, "p1")
	assert.Empty(t, notes)

	var lsErr *LocalStoreError
	require.ErrorAs(t, err, &lsErr)
	assert.Equal(t, "p1", lsErr.Key)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	// The corrupt bytes are still there for recovery.
	raw, ok, _ := kv.Get(ctx, "p1")
	assert.True(t, ok)
	assert.Equal(t, `{not json`, string(raw))
}

func TestStore_Projects(t *testing.T) {
	s := New(NewMemoryKV())
	ctx := context.Background()

	projects, err := s.LoadProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)

	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertProject(ctx, models.Project{ID: "p1", Name: "Lake Survey", ToDate: end}))
	require.NoError(t, s.UpsertProject(ctx, models.Project{ID: "p2", Name: "River"}))
	require.NoError(t, s.UpsertProject(ctx, models.Project{ID: "p1", Name: "Lake Survey II", ToDate: end}))
	require.NoError(t, s.MarkProjectUploaded(ctx, "p2"))
	require.NoError(t, s.MarkProjectUploaded(ctx, "unknown"))

	projects, err = s.LoadProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "Lake Survey II", projects[0].Name)
	assert.True(t, projects[0].ToDate.Equal(end))
	assert.True(t, projects[1].IsUploaded)
}

// slowKV delays reads so overlapping read-modify-write cycles interleave.
type slowKV struct {
	*MemoryKV
	delay time.Duration
}

func (k slowKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	time.Sleep(k.delay)
	return k.MemoryKV.Get(ctx, key)
}

func TestStore_ConcurrentProjectUpdatesAreNotLost(t *testing.T) {
	s := New(slowKV{MemoryKV: NewMemoryKV(), delay: 5 * time.Millisecond})
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		require.NoError(t, s.UpsertProject(ctx, models.Project{ID: id}))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.MarkProjectUploaded(ctx, id))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.UpsertProject(ctx, models.Project{ID: "e"}))
	}()
	wg.Wait()

	projects, err := s.LoadProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 5)
	for _, p := range projects[:4] {
		assert.True(t, p.IsUploaded, "project %s", p.ID)
	}
	assert.Equal(t, "e", projects[4].ID)
}

func TestStore_UpdateProjects(t *testing.T) {
	kv := NewMemoryKV()
	s := New(kv)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, ProjectsKey, []byte(`[{`)))

	// A corrupt list is rebuilt from the update.
	require.NoError(t, s.UpdateProjects(ctx, func(projects []models.Project) ([]models.Project, error) {
		assert.Empty(t, projects)
		return append(projects, models.Project{ID: "p1"}), nil
	}))

	// An error from the update leaves the list alone.
	boom := errors.New("boom")
	err := s.UpdateProjects(ctx, func([]models.Project) ([]models.Project, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	projects, err := s.LoadProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p1", projects[0].ID)
}

func TestStore_ProfileAndClear(t *testing.T) {
	s := New(openTestSQLite(t))
	ctx := context.Background()

	p, err := s.LoadProfile(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.SaveProfile(ctx, models.UserProfile{Name: "Ada", Email: "ada@example.test"}))
	require.NoError(t, s.Save(ctx, "p1", []models.Note{{Serial: "1"}}))

	p, err = s.LoadProfile(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Ada", p.Name)

	require.NoError(t, s.Clear(ctx))
	p, _ = s.LoadProfile(ctx)
	assert.Nil(t, p)
	notes, _ := s.Load(ctx, "p1")
	assert.Empty(t, notes)
}

func TestStore_RemoveImage(t *testing.T) {
	s := New(NewMemoryKV())
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "p1", []models.Note{
		{Serial: "1", VialImages: []models.ImageRef{{URI: "/a.jpg"}, {URI: "/b.jpg"}}},
		{Serial: "2", IsUploaded: true, VialImages: []models.ImageRef{{URI: "https://cdn/x.jpg"}}},
	}))

	require.NoError(t, s.RemoveImage(ctx, "p1", "1", "/a.jpg"))
	notes, err := s.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []models.ImageRef{{URI: "/b.jpg"}}, notes[0].VialImages)

	assert.ErrorIs(t, s.RemoveImage(ctx, "p1", "2", "https://cdn/x.jpg"), ErrNoteUploaded)
	assert.ErrorIs(t, s.RemoveImage(ctx, "p1", "9", "/a.jpg"), ErrNoteNotFound)
}

func TestStore_CopyTo(t *testing.T) {
	src := New(openTestSQLite(t))
	ctx := context.Background()
	require.NoError(t, src.SaveProjects(ctx, []models.Project{{ID: "p1"}, {ID: "p2"}}))
	require.NoError(t, src.Save(ctx, "p1", []models.Note{{Serial: "1"}, {Serial: "2", IsUploaded: true}}))
	require.NoError(t, src.SaveProfile(ctx, models.UserProfile{Email: "ada@example.test"}))

	dst := NewMemoryKV()
	require.NoError(t, src.CopyTo(ctx, dst))

	copied := New(dst)
	projects, err := copied.LoadProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)
	notes, err := copied.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, notes, 2)
	profile, err := copied.LoadProfile(ctx)
	require.NoError(t, err)
	require.NotNil(t, profile)

	// Writes to the copy stay in the copy.
	require.NoError(t, copied.MarkProjectUploaded(ctx, "p1"))
	projects, err = src.LoadProjects(ctx)
	require.NoError(t, err)
	assert.False(t, projects[0].IsUploaded)
}
