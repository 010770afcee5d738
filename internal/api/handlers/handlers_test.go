package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"racesow/internal/api/handlers"
	"racesow/internal/api/middleware"
	"racesow/internal/events"
	"racesow/internal/jobs"
	"racesow/internal/lock"
	"racesow/internal/metrics"
	"racesow/internal/models"
	"racesow/internal/repository"
	"racesow/internal/service"
	"racesow/internal/testutil"
	"racesow/internal/tracker"
	"racesow/internal/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const adminToken = "letmein"

type apiHarness struct {
	app       *fiber.App
	repo      *repository.PostgresRepository
	scheduler *jobs.Scheduler
	server    *models.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	repo := testutil.NewLedger(t)
	locker := lock.NewMemoryLocker()

	tr := tracker.New(repo, tracker.NewMemoryQueue(), 0, log)
	races := service.NewRaceService(repo, tr, m, log)
	scoring := service.NewScoringService(repo, nil, locker, events.NopPublisher{}, m, log)
	leaderboard := service.NewLeaderboardService(repo, nil, scoring, log)

	pool := worker.NewWorkerPool(2, 8, 5*time.Second, scoring, log)
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(5 * time.Second) })
	scheduler := jobs.NewScheduler(repo, tr, pool, locker, scoring, m, log, jobs.SchedulerConfig{
		Interval:    time.Hour,
		RescanEvery: 1,
		MaxPasses:   3,
	})
	leaderboard.SetNextRun(scheduler.NextRun)

	server := &models.Server{Name: "test", AuthKey: "secret"}
	if err := repo.CreateServer(context.Background(), server); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: handlers.ErrorHandler(log)})
	handlers.Routes{
		Races:   handlers.NewRaceHandler(races, leaderboard),
		Players: handlers.NewPlayerHandler(races, leaderboard),
		Admin:   handlers.NewAdminHandler(scheduler, scoring, races, leaderboard, log),
		SubmitGuards: []fiber.Handler{
			middleware.ServerAuth(repo, false, log),
		},
		AdminGuard: middleware.AdminToken(adminToken),
	}.Register(app.Group("/api/v1"))

	return &apiHarness{app: app, repo: repo, scheduler: scheduler, server: server}
}

func (h *apiHarness) do(t *testing.T, method, target string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)

	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, target, err)
		}
	}
	return resp.StatusCode
}

func (h *apiHarness) submitURL() string {
	uTime := strconv.FormatInt(testutil.Epoch.Unix(), 10)
	token := strconv.FormatUint(uint64(h.server.ID), 10) + "." + middleware.ServerToken(uTime, h.server.AuthKey)
	return "/api/v1/races?uTime=" + uTime + "&sToken=" + url.QueryEscape(token)
}

func (h *apiHarness) submit(t *testing.T, playerID, mapID uint, raceTime int64) models.SubmissionResponse {
	t.Helper()
	var resp models.SubmissionResponse
	body := fiber.Map{"player_id": playerID, "map_id": mapID, "time": raceTime, "playtime": 1000, "races": 1}
	if code := h.do(t, http.MethodPost, h.submitURL(), body, &resp); code != http.StatusOK {
		t.Fatalf("submit returned %d", code)
	}
	return resp
}

func TestSubmitRequiresServerToken(t *testing.T) {
	h := newAPIHarness(t)
	m := testutil.Map(t, h.repo, "arcade")
	p := testutil.Player(t, h.repo, "alpha")
	body := fiber.Map{"player_id": p.ID, "map_id": m.ID, "time": 12000, "playtime": 500, "races": 1}

	if code := h.do(t, http.MethodPost, "/api/v1/races", body, nil); code != http.StatusForbidden {
		t.Fatalf("missing credentials: expected 403, got %d", code)
	}
	bad := "/api/v1/races?uTime=1&sToken=" + strconv.FormatUint(uint64(h.server.ID), 10) + ".bogus"
	if code := h.do(t, http.MethodPost, bad, body, nil); code != http.StatusForbidden {
		t.Fatalf("bad token: expected 403, got %d", code)
	}

	var resp models.SubmissionResponse
	if code := h.do(t, http.MethodPost, h.submitURL(), body, &resp); code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", code)
	}
	if !resp.Created || !resp.MarkedDirty || !resp.RecordHolder {
		t.Fatalf("unexpected response: %+v", resp)
	}

	race, err := h.repo.GetRace(context.Background(), p.ID, m.ID)
	if err != nil {
		t.Fatalf("GetRace: %v", err)
	}
	if race.ServerID == nil || *race.ServerID != h.server.ID {
		t.Fatalf("race not attributed to the server: %v", race.ServerID)
	}
	server, err := h.repo.GetServer(context.Background(), h.server.ID)
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if server.Races != 1 || server.Playtime != 500 || server.LastSeen == nil {
		t.Fatalf("server counters not updated: %+v", server)
	}
}

func TestSubmitErrors(t *testing.T) {
	h := newAPIHarness(t)
	m := testutil.Map(t, h.repo, "arcade")
	p := testutil.Player(t, h.repo, "alpha")

	tests := []struct {
		name string
		body fiber.Map
		code int
	}{
		{"zero time", fiber.Map{"player_id": p.ID, "map_id": m.ID, "time": 0}, http.StatusBadRequest},
		{"negative playtime", fiber.Map{"player_id": p.ID, "map_id": m.ID, "playtime": -1}, http.StatusBadRequest},
		{"missing player", fiber.Map{"map_id": m.ID, "time": 1000}, http.StatusBadRequest},
		{"unknown map", fiber.Map{"player_id": p.ID, "map_id": 999, "time": 1000}, http.StatusNotFound},
		{"unknown player", fiber.Map{"player_id": 999, "map_id": m.ID, "time": 1000}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp models.ErrorResponse
			if code := h.do(t, http.MethodPost, h.submitURL(), tt.body, &errResp); code != tt.code {
				t.Fatalf("expected %d, got %d (%+v)", tt.code, code, errResp)
			}
			if errResp.Error == "" {
				t.Fatal("expected an error body")
			}
		})
	}

	if code := h.do(t, http.MethodPut, "/api/v1/admin/maps/"+strconv.Itoa(int(m.ID))+"/enabled",
		fiber.Map{"enabled": false}, nil); code != http.StatusOK {
		t.Fatalf("disable map returned %d", code)
	}
	body := fiber.Map{"player_id": p.ID, "map_id": m.ID, "time": 1000}
	if code := h.do(t, http.MethodPost, h.submitURL(), body, nil); code != http.StatusConflict {
		t.Fatalf("disabled map: expected 409, got %d", code)
	}
}

func TestRegisterPlayer(t *testing.T) {
	h := newAPIHarness(t)

	var created models.Player
	if code := h.do(t, http.MethodPost, "/api/v1/players", fiber.Map{"name": "^1Fast^7Guy"}, &created); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if created.Simplified != "FastGuy" {
		t.Fatalf("expected simplified name FastGuy, got %q", created.Simplified)
	}

	var again models.Player
	if code := h.do(t, http.MethodPost, "/api/v1/players", fiber.Map{"name": "^1Fast^7Guy"}, &again); code != http.StatusOK {
		t.Fatalf("expected 200 for an existing player, got %d", code)
	}
	if again.ID != created.ID {
		t.Fatalf("expected the same player, got %d and %d", created.ID, again.ID)
	}

	if code := h.do(t, http.MethodPost, "/api/v1/players", fiber.Map{"name": "^2FastGuy"}, nil); code != http.StatusConflict {
		t.Fatalf("colliding simplified name: expected 409, got %d", code)
	}
	if code := h.do(t, http.MethodPost, "/api/v1/players", fiber.Map{"name": "Player(2)"}, nil); code != http.StatusBadRequest {
		t.Fatalf("default name: expected 400, got %d", code)
	}
	if code := h.do(t, http.MethodPost, "/api/v1/players", fiber.Map{"name": ""}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty name: expected 400, got %d", code)
	}
}

func TestSweepThenReadLeaderboards(t *testing.T) {
	h := newAPIHarness(t)
	m := testutil.Map(t, h.repo, "arcade")
	a := testutil.Player(t, h.repo, "alpha")
	b := testutil.Player(t, h.repo, "bravo")
	mapPath := "/api/v1/maps/" + strconv.Itoa(int(m.ID))

	h.submit(t, a.ID, m.ID, 10000)
	h.submit(t, b.ID, m.ID, 20000)

	var pending models.MapLeaderboardResponse
	if code := h.do(t, http.MethodGet, mapPath+"/races", nil, &pending); code != http.StatusOK {
		t.Fatalf("map races returned %d", code)
	}
	if len(pending.Races) != 2 || pending.Races[0].Scored || pending.NextComputation == nil {
		t.Fatalf("expected two unscored races awaiting a sweep: %+v", pending)
	}

	var preview struct {
		Races []models.PointsPreview `json:"races"`
	}
	if code := h.do(t, http.MethodGet, mapPath+"/preview", nil, &preview); code != http.StatusOK {
		t.Fatalf("preview returned %d", code)
	}
	if len(preview.Races) != 2 || preview.Races[0].PlayerID != a.ID {
		t.Fatalf("unexpected preview: %+v", preview.Races)
	}

	var summary jobs.SweepSummary
	if code := h.do(t, http.MethodPost, "/api/v1/admin/sweep", nil, &summary); code != http.StatusOK {
		t.Fatalf("sweep returned %d", code)
	}
	if summary.Maps != 1 || len(summary.Failed) != 0 {
		t.Fatalf("unexpected sweep summary: %+v", summary)
	}

	var board models.MapLeaderboardResponse
	h.do(t, http.MethodGet, mapPath+"/races", nil, &board)
	if !board.Races[0].Scored || board.Races[0].Points != preview.Races[0].Points {
		t.Fatalf("sweep did not persist the preview: %+v vs %+v", board.Races, preview.Races)
	}
	if board.Races[0].TimeStr != "10.000" || board.LastComputation == nil || board.NextComputation != nil {
		t.Fatalf("unexpected map leaderboard: %+v", board)
	}

	var top models.PlayerLeaderboardResponse
	if code := h.do(t, http.MethodGet, "/api/v1/players/top?limit=10", nil, &top); code != http.StatusOK {
		t.Fatalf("top players returned %d", code)
	}
	if top.Total != 2 || top.Data[0].PlayerID != a.ID || top.Data[0].Rank != 1 || top.Data[1].Rank != 2 {
		t.Fatalf("unexpected ranking: %+v", top)
	}

	var player models.PlayerResponse
	if code := h.do(t, http.MethodGet, "/api/v1/players/"+strconv.Itoa(int(a.ID)), nil, &player); code != http.StatusOK {
		t.Fatalf("player returned %d", code)
	}
	if player.MapsFinished != 1 || player.Points != top.Data[0].Points {
		t.Fatalf("unexpected player: %+v", player)
	}

	var detail models.RaceDetailResponse
	if code := h.do(t, http.MethodGet, mapPath+"/players/"+strconv.Itoa(int(a.ID)), nil, &detail); code != http.StatusOK {
		t.Fatalf("race detail returned %d", code)
	}
	if !detail.Scored || len(detail.History) != 1 {
		t.Fatalf("unexpected race detail: %+v", detail)
	}

	if code := h.do(t, http.MethodGet, "/api/v1/players/999", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown player: expected 404, got %d", code)
	}
	if code := h.do(t, http.MethodGet, "/api/v1/maps/abc/races", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad map id: expected 400, got %d", code)
	}
}

func TestAdminRecompute(t *testing.T) {
	h := newAPIHarness(t)
	m := testutil.Map(t, h.repo, "arcade")
	a := testutil.Player(t, h.repo, "alpha")
	h.submit(t, a.ID, m.ID, 10000)

	var started map[string]interface{}
	if code := h.do(t, http.MethodPost, "/api/v1/admin/recompute", nil, &started); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if started["status"] != "started" {
		t.Fatalf("unexpected body: %v", started)
	}

	// joins the background run or starts a fresh one
	if _, err := h.scheduler.FullRecompute(context.Background()); err != nil {
		t.Fatalf("FullRecompute: %v", err)
	}
	p, err := h.repo.GetPlayer(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if p.MapsFinished != 1 || !p.Points.IsScored() || p.Points == 0 {
		t.Fatalf("recompute did not score the player: %+v", p)
	}

	var status map[string]interface{}
	if code := h.do(t, http.MethodGet, "/api/v1/admin/status", nil, &status); code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	if _, ok := status["scheduler"]; !ok {
		t.Fatalf("status missing scheduler: %v", status)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil)
	resp, err := h.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	if code := h.do(t, http.MethodGet, "/api/v1/health", nil, nil); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}
