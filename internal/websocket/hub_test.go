package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeVersions struct {
	version atomic.Int64
	fail    atomic.Bool
}

func (f *fakeVersions) LeaderboardVersion(context.Context) (int64, error) {
	if f.fail.Load() {
		return 0, errors.New("redis down")
	}
	return f.version.Load(), nil
}

func addClient(h *Hub) *Client {
	c := &Client{hub: h, send: make(chan []byte, 4)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func readVersion(t *testing.T, c *Client) int64 {
	t.Helper()
	select {
	case msg := <-c.send:
		var u VersionUpdate
		if err := json.Unmarshal(msg, &u); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if u.Type != versionUpdateType {
			t.Fatalf("unexpected type %q", u.Type)
		}
		return u.Version
	default:
		t.Fatal("expected a message")
		return 0
	}
}

func TestBroadcastOnlyWhenVersionMoves(t *testing.T) {
	versions := &fakeVersions{}
	h := NewHub(versions, zap.NewNop())
	a, b := addClient(h), addClient(h)
	ctx := context.Background()

	h.checkAndBroadcastVersion(ctx)
	if len(a.send) != 0 {
		t.Fatal("no broadcast expected while the version is unchanged")
	}

	versions.version.Store(3)
	h.checkAndBroadcastVersion(ctx)
	if v := readVersion(t, a); v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}
	if v := readVersion(t, b); v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}

	h.checkAndBroadcastVersion(ctx)
	if len(a.send) != 0 {
		t.Fatal("version 3 must not be broadcast twice")
	}

	versions.fail.Store(true)
	versions.version.Store(4)
	h.checkAndBroadcastVersion(ctx)
	if len(a.send) != 0 || h.lastVersion != 3 {
		t.Fatal("a failed read must not broadcast")
	}
}

func TestInitialVersionSentToNewClient(t *testing.T) {
	versions := &fakeVersions{}
	versions.version.Store(9)
	h := NewHub(versions, zap.NewNop())
	c := addClient(h)

	h.sendInitialVersion(context.Background(), c)
	if v := readVersion(t, c); v != 9 {
		t.Fatalf("expected version 9, got %d", v)
	}
	if h.lastVersion != 9 {
		t.Fatalf("expected lastVersion 9, got %d", h.lastVersion)
	}
}

func TestRunUnregistersAndStops(t *testing.T) {
	versions := &fakeVersions{}
	h := NewHub(versions, zap.NewNop())
	h.interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := &Client{hub: h, send: make(chan []byte, 4)}
	h.register <- c
	h.unregister <- c
	if _, ok := <-c.send; ok {
		// initial version, then the closed channel
		if _, ok := <-c.send; ok {
			t.Fatal("expected send channel to be closed")
		}
	}
	if n := h.GetClientCount(); n != 0 {
		t.Fatalf("expected no clients, got %d", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}
