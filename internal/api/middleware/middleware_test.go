package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"racesow/internal/models"
	"racesow/internal/repository"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type serverMap map[uint]*models.Server

func (m serverMap) GetServer(_ context.Context, id uint) (*models.Server, error) {
	if s, ok := m[id]; ok {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

func newAuthApp(disabled bool) *fiber.App {
	servers := serverMap{7: {ID: 7, Name: "eu1", AuthKey: "hunter2"}}
	app := fiber.New()
	app.All("/submit", ServerAuth(servers, disabled, zap.NewNop()), func(c *fiber.Ctx) error {
		if s, ok := Server(c); ok {
			return c.SendString(s.Name)
		}
		return c.SendString("anonymous")
	})
	return app
}

func status(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServerTokenFormat(t *testing.T) {
	token := ServerToken("1700000000", "hunter2")
	if len(token) != 44 || !strings.HasSuffix(token, "=") {
		t.Fatalf("expected padded base64 of a sha256 digest, got %q", token)
	}
	if strings.ContainsAny(token, "+/") {
		t.Fatalf("expected the URL-safe alphabet, got %q", token)
	}
	if ServerToken("1700000001", "hunter2") == token {
		t.Fatal("token must depend on the timestamp")
	}
}

func TestServerAuthQuery(t *testing.T) {
	app := newAuthApp(false)
	good := "7." + ServerToken("1700000000", "hunter2")

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"valid", "uTime=1700000000&sToken=" + url.QueryEscape(good), http.StatusOK},
		{"missing", "", http.StatusForbidden},
		{"no separator", "uTime=1700000000&sToken=7", http.StatusForbidden},
		{"unknown server", "uTime=1700000000&sToken=" + url.QueryEscape("8."+ServerToken("1700000000", "hunter2")), http.StatusForbidden},
		{"stale time", "uTime=1700000001&sToken=" + url.QueryEscape(good), http.StatusForbidden},
		{"bad server id", "uTime=1700000000&sToken=x.abc", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := status(t, app, httptest.NewRequest(http.MethodGet, "/submit?"+tt.query, nil))
			if code != tt.code {
				t.Fatalf("expected %d, got %d (%s)", tt.code, code, body)
			}
			if code == http.StatusOK && body != "eu1" {
				t.Fatalf("expected the server to be attached, got %q", body)
			}
		})
	}
}

func TestServerAuthForm(t *testing.T) {
	app := newAuthApp(false)
	form := url.Values{
		"uTime":  {"1700000000"},
		"sToken": {"7." + ServerToken("1700000000", "hunter2")},
	}
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if code, body := status(t, app, req); code != http.StatusOK || body != "eu1" {
		t.Fatalf("form credentials rejected: %d %s", code, body)
	}
}

func TestServerAuthDisabled(t *testing.T) {
	app := newAuthApp(true)
	code, body := status(t, app, httptest.NewRequest(http.MethodGet, "/submit", nil))
	if code != http.StatusOK || body != "anonymous" {
		t.Fatalf("expected anonymous pass-through, got %d %s", code, body)
	}
}

func TestRateLimiterPerServer(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	servers := serverMap{
		1: {ID: 1, AuthKey: "a"},
		2: {ID: 2, AuthKey: "b"},
	}
	app := fiber.New()
	app.Get("/submit", ServerAuth(servers, false, zap.NewNop()), rl.Handler(), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})

	target := func(id, key string) *http.Request {
		q := "uTime=1&sToken=" + url.QueryEscape(id+"."+ServerToken("1", key))
		return httptest.NewRequest(http.MethodGet, "/submit?"+q, nil)
	}

	if code, _ := status(t, app, target("1", "a")); code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", code)
	}
	if code, _ := status(t, app, target("1", "a")); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
	if code, _ := status(t, app, target("2", "b")); code != http.StatusNoContent {
		t.Fatalf("other server should have its own budget, got %d", code)
	}
}

func TestAdminToken(t *testing.T) {
	app := fiber.New()
	app.Get("/admin", AdminToken("s3cret"), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if code, _ := status(t, app, req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	if code, _ := status(t, app, req); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
}
