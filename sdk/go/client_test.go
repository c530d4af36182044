package lorelinesdk

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"loreline/internal/app"
	"loreline/internal/config"
	"loreline/internal/repo/repotest"
	"loreline/internal/server"
)

const secret = "sdk-secret"

func startServer(t *testing.T) string {
	t.Helper()
	r := repotest.NewSeededRepo(t)
	cfg := config.Default()
	cfg.Queues.Backend = "memory"
	a, err := app.New(app.Options{Config: cfg, DB: r.DB})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	handler, err := server.New(server.Config{App: a, WSPath: "/ws", Auth: server.AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return "http://" + ln.Addr().String()
}

func issue(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, err := server.IssueToken(secret, userID, roles, nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestClientSeesLiveSession(t *testing.T) {
	base := startServer(t)
	ctx := context.Background()

	sess, err := Dial(ctx, WebsocketURL(base, "/ws"), issue(t, "dm"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()
	if err := sess.Join("w1", "DM", "dm", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := sess.Await("WorldJoined", 2*time.Second); err != nil {
		t.Fatalf("await WorldJoined: %v", err)
	}

	c := New(base, "w1", issue(t, "dm", "dm"))
	w, err := c.World(ctx)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	if w.Name != "Ashvale" || !w.DMOnline {
		t.Fatalf("unexpected world %+v", w)
	}
	status, err := c.QueueStatus(ctx)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if len(status.Queues) != 4 {
		t.Fatalf("expected four queues, got %+v", status.Queues)
	}
	_, err = c.ActiveStaging(ctx, "tavern-bar")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unstaged region, got %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8787": "ws://localhost:8787/ws",
		"https://play.example/": "wss://play.example/ws",
		"ws://already.there:1/": "ws://already.there:1/ws",
	}
	for in, want := range cases {
		if got := WebsocketURL(in, "/ws"); got != want {
			t.Fatalf("WebsocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
