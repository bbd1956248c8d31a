package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	c     chan time.Time
	every time.Duration
	next  time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time, 1), every: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

// Advance moves time forward and fires every ticker that came due. Like
// time.Ticker, a slow receiver loses ticks.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		for !t.next.After(c.now) {
			select {
			case t.c <- c.now:
			default:
			}
			t.next = t.next.Add(t.every)
		}
	}
}

type blockingRunner struct {
	entered chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{entered: make(chan string, 4), release: make(chan struct{})}
}

func (b *blockingRunner) Run(_ context.Context, _, projectID string) (*CycleResult, error) {
	b.entered <- projectID
	<-b.release
	return &CycleResult{ProjectID: projectID, State: StateIdle}, nil
}

var february = time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, h *harness, clock Clock, runner CycleRunner) *Scheduler {
	t.Helper()
	config := SchedulerConfig{
		AccountID:       testAccount,
		RefreshInterval: time.Hour,
		ExpiryInterval:  10 * time.Second,
	}
	s, err := NewScheduler(config, clock, runner, NewRefresher(h.ledger, h.store), h.store, nil)
	require.NoError(t, err)
	return s
}

func TestScheduler_ExpiryTickUploadsExpiredProjects(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.seedProject(t, lakeSurvey(), []models.Note{fieldNote("1")})
	open := models.Project{ID: "p2", Name: "River", ToDate: february.AddDate(0, 1, 0)}
	h.seedProject(t, open, []models.Note{fieldNote("7")})

	clock := newFakeClock(february)
	s := newTestScheduler(t, h, clock, h.orch)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return clock.tickerCount() == 2 }, time.Second, time.Millisecond)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return len(h.ledger.Notes(testAccount, "p1")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Empty(t, h.ledger.Notes(testAccount, "p2"))
	p, err := h.ledger.GetProject(context.Background(), testAccount, "p1")
	require.NoError(t, err)
	assert.True(t, p.IsUploaded)
}

func TestScheduler_RefreshTickPullsRemoteState(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	ctx := context.Background()
	h.ledger.PutProject(testAccount, models.Project{ID: "p3", Name: "Wetlands"})
	h.ledger.PutProfile(testAccount, models.UserProfile{Name: "Ada"})
	require.NoError(t, h.ledger.CommitNotes(ctx, testAccount, "p3", []models.Note{{Serial: "11", IsUploaded: true}}))

	clock := newFakeClock(february)
	s := newTestScheduler(t, h, clock, h.orch)
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return clock.tickerCount() == 2 }, time.Second, time.Millisecond)

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		notes, err := h.store.Load(ctx, "p3")
		return err == nil && len(notes) == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	projects, err := h.store.LoadProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "Wetlands", projects[0].Name)

	profile, err := h.store.LoadProfile(ctx)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "Ada", profile.Name)
}

func TestScheduler_DropsTriggerWhileCycleInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.seedProject(t, lakeSurvey(), []models.Note{fieldNote("1")})
	runner := newBlockingRunner()
	s := newTestScheduler(t, h, newFakeClock(february), runner)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.UploadNow(ctx, "p1")
		done <- err
	}()
	assert.Equal(t, "p1", <-runner.entered)

	_, err := s.UploadNow(ctx, "p1")
	assert.ErrorIs(t, err, ErrCycleInFlight)

	results, err := s.CheckExpiry(ctx)
	assert.NoError(t, err)
	assert.Empty(t, results)

	// Other projects are not blocked.
	go func() { _, _ = s.UploadNow(ctx, "p2") }()
	assert.Equal(t, "p2", <-runner.entered)

	close(runner.release)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.inFlight) == 0
	}, time.Second, time.Millisecond)
}

func TestScheduler_RefreshSkipsProjectWithCycleInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	ctx := context.Background()
	h.seedProject(t, lakeSurvey(), []models.Note{fieldNote("1")})
	river := models.Project{ID: "p2", Name: "River", ToDate: february.AddDate(0, 1, 0)}
	h.seedProject(t, river, []models.Note{fieldNote("7")})
	remote := []models.Note{{Serial: "9", IsUploaded: true}}
	require.NoError(t, h.ledger.CommitNotes(ctx, testAccount, "p1", remote))
	require.NoError(t, h.ledger.CommitNotes(ctx, testAccount, "p2", remote))

	runner := newBlockingRunner()
	s := newTestScheduler(t, h, newFakeClock(february), runner)

	done := make(chan error, 1)
	go func() {
		_, err := s.UploadNow(ctx, "p1")
		done <- err
	}()
	assert.Equal(t, "p1", <-runner.entered)

	require.NoError(t, s.RefreshOnce(ctx))
	assert.Equal(t, []string{"1"}, serialsOf(h.localNotes(t, "p1")))
	assert.Equal(t, []string{"7", "9"}, serialsOf(h.localNotes(t, "p2")))

	close(runner.release)
	require.NoError(t, <-done)

	// Once the cycle is done the next refresh merges p1 too.
	require.NoError(t, s.RefreshOnce(ctx))
	assert.Equal(t, []string{"1", "9"}, serialsOf(h.localNotes(t, "p1")))
}

func TestScheduler_CheckExpirySkipsOpenAndUploadedProjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uploaded := lakeSurvey()
	uploaded.IsUploaded = true
	h.seedProject(t, uploaded, []models.Note{fieldNote("1")})
	h.seedProject(t, models.Project{ID: "p2", Name: "River"}, []models.Note{fieldNote("2")})

	s := newTestScheduler(t, h, newFakeClock(february), h.orch)
	results, err := s.CheckExpiry(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, h.uploader.Calls())
}

func TestScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	s := newTestScheduler(t, h, newFakeClock(february), h.orch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)
	s.Stop()
	s.Stop()

	require.NoError(t, s.Start(ctx))
	s.Stop()
}

func TestNewScheduler_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := NewScheduler(SchedulerConfig{}, nil, h.orch, NewRefresher(h.ledger, h.store), h.store, nil)
	assert.Error(t, err)

	s, err := NewScheduler(SchedulerConfig{AccountID: testAccount}, nil, h.orch, NewRefresher(h.ledger, h.store), h.store, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.config.RefreshInterval)
	assert.Equal(t, 10*time.Second, s.config.ExpiryInterval)
	assert.IsType(t, SystemClock{}, s.clock)
}
