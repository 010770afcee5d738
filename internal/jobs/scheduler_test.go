package jobs

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"racesow/internal/events"
	"racesow/internal/lock"
	"racesow/internal/metrics"
	"racesow/internal/models"
	"racesow/internal/repository"
	"racesow/internal/service"
	"racesow/internal/testutil"
	"racesow/internal/tracker"
	"racesow/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type harness struct {
	repo      *repository.PostgresRepository
	races     *service.RaceService
	scoring   *service.ScoringService
	locker    *lock.MemoryLocker
	pool      *worker.WorkerPool
	scheduler *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	h := &harness{
		repo:   testutil.NewLedger(t),
		locker: lock.NewMemoryLocker(),
	}
	tr := tracker.New(h.repo, tracker.NewMemoryQueue(), 0, log)
	h.races = service.NewRaceService(h.repo, tr, m, log)
	h.scoring = service.NewScoringService(h.repo, nil, h.locker, events.NopPublisher{}, m, log)
	h.pool = worker.NewWorkerPool(3, 8, 5*time.Second, h.scoring, log)
	h.pool.Start()
	t.Cleanup(func() { h.pool.Shutdown(5 * time.Second) })

	h.scheduler = NewScheduler(h.repo, tr, h.pool, h.locker, h.scoring, m, log, SchedulerConfig{
		Interval:    time.Hour,
		RescanEvery: 3,
		MaxPasses:   5,
	})
	return h
}

func (h *harness) submit(t *testing.T, playerID, mapID uint, raceTime *int64, playtime int64) {
	t.Helper()
	_, err := h.races.Submit(context.Background(), models.RaceSubmission{
		PlayerID: playerID,
		MapID:    mapID,
		Time:     raceTime,
		Playtime: playtime,
		Races:    1,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

// snapshot returns every player's points and finished maps
func (h *harness) snapshot(t *testing.T) map[uint][2]int64 {
	t.Helper()
	players, err := h.repo.AllPlayers(context.Background())
	if err != nil {
		t.Fatalf("AllPlayers: %v", err)
	}
	out := make(map[uint][2]int64, len(players))
	for _, p := range players {
		out[p.ID] = [2]int64{int64(p.Points), int64(p.MapsFinished)}
	}
	return out
}

// assertConsistent checks that each player's aggregates equal the sum over
// their scored completed races
func (h *harness) assertConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	mapIDs, err := h.repo.AllMapIDs(ctx)
	if err != nil {
		t.Fatalf("AllMapIDs: %v", err)
	}
	want := make(map[uint][2]int64)
	for _, id := range mapIDs {
		races, err := h.repo.CompletedRaces(ctx, id)
		if err != nil {
			t.Fatalf("CompletedRaces: %v", err)
		}
		for _, r := range races {
			if !r.Points.IsScored() {
				t.Fatalf("race %d on map %d still unscored", r.ID, id)
			}
			w := want[r.PlayerID]
			w[0] += int64(r.Points)
			w[1]++
			want[r.PlayerID] = w
		}
	}
	for id, got := range h.snapshot(t) {
		if got != want[id] {
			t.Fatalf("player %d: aggregates %v, races sum to %v", id, got, want[id])
		}
	}
}

func seed(t *testing.T, h *harness, maps, players int) ([]*models.Map, []*models.Player) {
	t.Helper()
	var ms []*models.Map
	var ps []*models.Player
	for i := 0; i < maps; i++ {
		ms = append(ms, testutil.Map(t, h.repo, "map"+string(rune('a'+i))))
	}
	for i := 0; i < players; i++ {
		ps = append(ps, testutil.Player(t, h.repo, "player_"+string(rune('a'+i))))
	}
	return ms, ps
}

func TestSweepOnceScoresQueuedMaps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ms, ps := seed(t, h, 2, 3)

	h.submit(t, ps[0].ID, ms[0].ID, testutil.Ms(10000), 0)
	h.submit(t, ps[1].ID, ms[0].ID, testutil.Ms(20000), 700000)
	h.submit(t, ps[2].ID, ms[1].ID, testutil.Ms(5000), 0)

	summary, err := h.scheduler.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if summary.Skipped || summary.Maps != 2 || len(summary.Failed) != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if ids, _ := h.repo.DirtyMapIDs(ctx); len(ids) != 0 {
		t.Fatalf("maps still dirty: %v", ids)
	}
	h.assertConsistent(t)

	before := h.snapshot(t)
	again, err := h.scheduler.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if again.Maps != 0 {
		t.Fatalf("clean sweep picked up maps: %+v", again)
	}
	after := h.snapshot(t)
	for id, v := range before {
		if after[id] != v {
			t.Fatalf("idle sweep changed player %d: %v -> %v", id, v, after[id])
		}
	}
}

func TestSweepRescanFindsFlaggedMaps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ms, ps := seed(t, h, 1, 1)

	// flag set directly, as after a restart that lost the queue
	testutil.Submit(t, h.repo, ps[0].ID, ms[0].ID, 9000, 0, testutil.Epoch)

	summary, err := h.scheduler.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if summary.Maps != 1 {
		t.Fatalf("first tick should rescan flags, got %+v", summary)
	}
	p, _ := h.repo.GetPlayer(ctx, ps[0].ID)
	if p.Points != 2000 {
		t.Fatalf("expected 2.000 points, got %s", p.Points)
	}
}

func TestBusyMapIsRetriedNextSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ms, ps := seed(t, h, 1, 1)
	h.submit(t, ps[0].ID, ms[0].ID, testutil.Ms(9000), 0)

	release, err := h.locker.TryLock(ctx, "map:1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	summary, _ := h.scheduler.SweepOnce(ctx)
	if len(summary.Busy) != 1 {
		t.Fatalf("expected busy map, got %+v", summary)
	}
	release()

	summary, _ = h.scheduler.SweepOnce(ctx)
	if summary.Maps != 1 || len(summary.Busy) != 0 {
		t.Fatalf("busy map was not retried: %+v", summary)
	}
	h.assertConsistent(t)
}

func TestSweepSkippedWhileAnotherHoldsTheLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	release, err := h.locker.TryLock(ctx, sweepLockKey)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer release()

	summary, err := h.scheduler.SweepOnce(ctx)
	if err != nil || !summary.Skipped {
		t.Fatalf("expected skipped sweep, got %+v (%v)", summary, err)
	}
	if _, err := h.scheduler.FullRecompute(ctx); !errors.Is(err, ErrFullRecomputeBusy) {
		t.Fatalf("expected ErrFullRecomputeBusy, got %v", err)
	}
}

func TestFullRecomputeMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ms, ps := seed(t, h, 3, 5)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 4; round++ {
		for _, m := range ms {
			for _, p := range ps {
				if rng.Intn(3) == 0 {
					h.submit(t, p.ID, m.ID, nil, int64(rng.Intn(900000)))
					continue
				}
				h.submit(t, p.ID, m.ID, testutil.Ms(int64(5000+rng.Intn(20000))), int64(rng.Intn(900000)))
			}
		}
		if _, err := h.scheduler.SweepOnce(ctx); err != nil {
			t.Fatalf("SweepOnce: %v", err)
		}
	}
	h.assertConsistent(t)
	incremental := h.snapshot(t)

	full, err := h.scheduler.FullRecompute(ctx)
	if err != nil {
		t.Fatalf("FullRecompute: %v", err)
	}
	if full.Reset.Maps != len(ms) || len(full.Remaining) != 0 {
		t.Fatalf("unexpected full summary: %+v", full)
	}
	h.assertConsistent(t)
	for id, v := range h.snapshot(t) {
		if incremental[id] != v {
			t.Fatalf("player %d: incremental %v, full %v", id, incremental[id], v)
		}
	}
}

func TestFullRecomputeScoresUnscoredRaces(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ms, ps := seed(t, h, 2, 2)
	for _, m := range ms {
		for i, p := range ps {
			h.submit(t, p.ID, m.ID, testutil.Ms(int64(10000+i*1000)), 0)
		}
	}
	h.scheduler.SweepOnce(ctx)

	// a map whose reset failed earlier
	if err := h.repo.MarkRacesUnscored(ctx, ms[1].ID); err != nil {
		t.Fatalf("MarkRacesUnscored: %v", err)
	}

	if _, err := h.scheduler.FullRecompute(ctx); err != nil {
		t.Fatalf("FullRecompute: %v", err)
	}
	h.assertConsistent(t)
	p, _ := h.repo.GetPlayer(ctx, ps[0].ID)
	if p.Points != 4000 || p.MapsFinished != 2 {
		t.Fatalf("unexpected totals: %+v", p)
	}
}

func TestConcurrentFullRecomputeTriggersShareOneRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ms, ps := seed(t, h, 2, 2)
	h.submit(t, ps[0].ID, ms[0].ID, testutil.Ms(1000), 0)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			full, err := h.scheduler.FullRecompute(ctx)
			if err != nil && !errors.Is(err, ErrFullRecomputeBusy) {
				t.Errorf("FullRecompute: %v", err)
			}
			ids[i] = full.ID
		}()
	}
	wg.Wait()

	res := <-h.scheduler.StartFullRecompute()
	if res.Err != nil {
		t.Fatalf("StartFullRecompute: %v", res.Err)
	}
	h.assertConsistent(t)
}

func TestSubmissionsDuringSweepsKeepAggregatesConsistent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ms, ps := seed(t, h, 4, 6)

	stop := make(chan struct{})
	var sweeps sync.WaitGroup
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if _, err := h.scheduler.SweepOnce(ctx); err != nil {
					t.Errorf("SweepOnce: %v", err)
					return
				}
			}
		}
	}()

	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		writers.Add(1)
		go func() {
			defer writers.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 30; i++ {
				m := ms[rng.Intn(len(ms))]
				p := ps[rng.Intn(len(ps))]
				_, err := h.races.Submit(ctx, models.RaceSubmission{
					PlayerID: p.ID,
					MapID:    m.ID,
					Time:     testutil.Ms(int64(1000 + rng.Intn(60000))),
					Playtime: int64(rng.Intn(2000000)),
					Races:    1,
				})
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
			}
		}()
	}
	writers.Wait()
	close(stop)
	sweeps.Wait()

	// drain whatever the last submissions flagged
	for i := 0; i < 5; i++ {
		if ids, _ := h.repo.DirtyMapIDs(ctx); len(ids) == 0 {
			break
		}
		h.scheduler.SweepOnce(ctx)
	}
	if ids, _ := h.repo.DirtyMapIDs(ctx); len(ids) != 0 {
		t.Fatalf("maps left dirty: %v", ids)
	}
	h.assertConsistent(t)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	if err := h.scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.scheduler.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	if !h.scheduler.NextRun().After(time.Now()) {
		t.Fatal("next run should be in the future")
	}
	h.scheduler.Stop()
	if h.scheduler.IsRunning() {
		t.Fatal("scheduler still running")
	}
}
