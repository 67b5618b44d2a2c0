package hq

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// fakeRemote is an httptest stand-in for a downstream server.
type fakeRemote struct {
	ts       *httptest.Server
	sessions atomic.Value // []session.View
	healthy  atomic.Bool
	lastAuth atomic.Value // string
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}
	f.sessions.Store([]session.View{})
	f.healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth.Store(r.Header.Get("Authorization"))
		if !f.healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth.Store(r.Header.Get("Authorization"))
		if !f.healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(f.sessions.Load())
	})
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeRemote) setSessions(views ...session.View) {
	f.sessions.Store(views)
}

func view(id string) session.View {
	return session.View{
		SessionInfo: recording.SessionInfo{
			ID:     id,
			Name:   "s-" + id,
			Status: recording.StatusRunning,
			Source: recording.SourceLocal,
		},
		Active: true,
	}
}

func waitRouted(t *testing.T, reg *Registry, id string) Remote {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rem, ok := reg.Lookup(id); ok {
			return rem
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never became routable", id)
	return Remote{}
}

func TestRegisterPullsSessions(t *testing.T) {
	f := newFakeRemote(t)
	f.setSessions(view("abc"), view("def"))
	reg := NewRegistry(nil, nil)

	rem, err := reg.Register("edge", f.ts.URL, "tok")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if rem.ID == "" || !rem.Reachable {
		t.Errorf("remote = %+v", rem)
	}

	got := waitRouted(t, reg, "abc")
	if got.Name != "edge" {
		t.Errorf("routed to %q, want edge", got.Name)
	}
	waitRouted(t, reg, "def")

	if auth, _ := f.lastAuth.Load().(string); auth != "Bearer tok" {
		t.Errorf("remote saw auth %q, want its own token", auth)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil, nil)
	if _, err := reg.Register("", "http://x", "t"); !errors.Is(err, session.ErrBadRequest) {
		t.Errorf("nameless register: err = %v", err)
	}
	if _, err := reg.Register("n", "", "t"); !errors.Is(err, session.ErrBadRequest) {
		t.Errorf("urlless register: err = %v", err)
	}
}

func TestTokenNeverSerialised(t *testing.T) {
	data, err := json.Marshal(Remote{Name: "n", Token: "supersecret"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "supersecret") {
		t.Errorf("token leaked into JSON: %s", data)
	}
}

func TestRefreshStampsRemoteSource(t *testing.T) {
	f := newFakeRemote(t)
	f.setSessions(view("abc"))
	reg := NewRegistry(nil, nil)
	rem, err := reg.Register("edge", f.ts.URL, "tok")
	if err != nil {
		t.Fatal(err)
	}
	waitRouted(t, reg, "abc")

	views := reg.ListSessions()
	if len(views) != 1 {
		t.Fatalf("ListSessions returned %d views, want 1", len(views))
	}
	if views[0].Source != recording.SourceRemote || views[0].RemoteID != rem.ID {
		t.Errorf("view = %+v, want remote source stamped", views[0])
	}
	if !views[0].Active {
		t.Error("reachable remote's session should stay active")
	}
}

func TestUnreachableRemoteServesCachedInactive(t *testing.T) {
	f := newFakeRemote(t)
	f.setSessions(view("abc"))
	reg := NewRegistry(nil, nil)
	if _, err := reg.Register("edge", f.ts.URL, "tok"); err != nil {
		t.Fatal(err)
	}
	waitRouted(t, reg, "abc")

	// The remote dies; once the heartbeat gives up on it, its sessions
	// stay listed, marked inactive.
	f.healthy.Store(false)
	for i := 0; i < maxHealthFailures; i++ {
		reg.pollAll()
	}
	views := reg.ListSessions()
	if len(views) != 1 {
		t.Fatalf("ListSessions returned %d views after outage, want cached 1", len(views))
	}
	if views[0].ID != "abc" || views[0].Active {
		t.Errorf("cached view = %+v, want abc inactive", views[0])
	}
}

func TestListSessionsServesCacheWithoutNetwork(t *testing.T) {
	f := newFakeRemote(t)
	f.setSessions(view("abc"))
	reg := NewRegistry(nil, nil)
	if _, err := reg.Register("edge", f.ts.URL, "tok"); err != nil {
		t.Fatal(err)
	}
	waitRouted(t, reg, "abc")

	// The remote's socket goes away entirely. Listing must come from
	// the cache, not stall on a connection attempt.
	f.ts.Close()
	start := time.Now()
	views := reg.ListSessions()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ListSessions took %v, want cache-fast", elapsed)
	}
	if len(views) != 1 || views[0].ID != "abc" {
		t.Errorf("views = %+v, want cached abc", views)
	}
}

func TestHeartbeatRefreshesSessionCache(t *testing.T) {
	f := newFakeRemote(t)
	f.setSessions(view("abc"))
	reg := NewRegistry(nil, nil)
	if _, err := reg.Register("edge", f.ts.URL, "tok"); err != nil {
		t.Fatal(err)
	}
	waitRouted(t, reg, "abc")

	// A session appears without any change notification; the next
	// heartbeat picks it up.
	f.setSessions(view("abc"), view("def"))
	reg.pollAll()
	waitRouted(t, reg, "def")
	if views := reg.ListSessions(); len(views) != 2 {
		t.Errorf("ListSessions returned %d views after heartbeat, want 2", len(views))
	}
}

func TestUnregisterEvictsRouting(t *testing.T) {
	f := newFakeRemote(t)
	f.setSessions(view("abc"))
	reg := NewRegistry(nil, nil)
	if _, err := reg.Register("edge", f.ts.URL, "tok"); err != nil {
		t.Fatal(err)
	}
	waitRouted(t, reg, "abc")

	if err := reg.Unregister("edge"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, ok := reg.Lookup("abc"); ok {
		t.Error("session still routable after unregister")
	}
	if err := reg.Unregister("edge"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("double unregister: err = %v", err)
	}
}

func TestHealthFailuresMarkUnreachable(t *testing.T) {
	f := newFakeRemote(t)
	reg := NewRegistry(nil, nil)
	if _, err := reg.Register("edge", f.ts.URL, "tok"); err != nil {
		t.Fatal(err)
	}

	f.healthy.Store(false)
	for i := 0; i < maxHealthFailures-1; i++ {
		reg.pollAll()
	}
	if rems := reg.Remotes(); !rems[0].Reachable {
		t.Fatal("remote marked unreachable before the failure threshold")
	}
	reg.pollAll()
	if rems := reg.Remotes(); rems[0].Reachable {
		t.Fatal("remote still reachable past the failure threshold")
	}

	// One healthy heartbeat brings it back.
	f.healthy.Store(true)
	reg.pollAll()
	rems := reg.Remotes()
	if !rems[0].Reachable {
		t.Error("remote not restored after a healthy heartbeat")
	}
}

func TestProxyForwardsVerbatim(t *testing.T) {
	var sawAuth, sawPath, sawQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		sawPath = r.URL.Path
		sawQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Remote", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write(body)
	}))
	defer backend.Close()

	reg := NewRegistry(nil, nil)
	req := httptest.NewRequest("POST", "/api/sessions/abc/input?x=1", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Authorization", "Bearer caller-token")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()

	reg.Proxy(rec, req, Remote{Name: "edge", URL: backend.URL, Token: "remote-token"})

	if sawAuth != "Bearer remote-token" {
		t.Errorf("upstream auth = %q, want rewritten bearer", sawAuth)
	}
	if sawPath != "/api/sessions/abc/input" || sawQuery != "x=1" {
		t.Errorf("upstream saw %s?%s", sawPath, sawQuery)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want upstream's 418", rec.Code)
	}
	if rec.Header().Get("X-Remote") != "yes" {
		t.Error("upstream response header dropped")
	}
	if rec.Body.String() != `{"text":"hi"}` {
		t.Errorf("body = %q, want echoed request body", rec.Body.String())
	}
}

func TestProxyDeadBackendIs502(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	backend.Close()

	reg := NewRegistry(nil, nil)
	req := httptest.NewRequest("GET", "/api/sessions/abc", nil)
	rec := httptest.NewRecorder()
	reg.Proxy(rec, req, Remote{Name: "edge", URL: backend.URL, Token: "t"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}
