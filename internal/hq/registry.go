// Package hq implements server federation.
//
// A server boots in one of three modes: standalone, HQ, or remote. An
// HQ keeps a registry of remotes, health-checks them, and routes any
// request for a session it does not host to the remote that does. A
// remote registers itself with its HQ on boot and pings it whenever its
// local session set changes.
package hq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

const (
	healthInterval = 10 * time.Second
	healthTimeout  = 3 * time.Second
	// maxHealthFailures consecutive failed heartbeats mark a remote
	// unreachable. Its sessions stay listed with active:false; routing
	// to it yields 502 until it comes back.
	maxHealthFailures = 3
)

// Remote is one registered downstream server.
type Remote struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	Token         string    `json:"-"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Reachable     bool      `json:"reachable"`

	failures   int
	sessionIDs map[string]bool
	// lastViews is the most recent session list pulled from the remote,
	// served with active:false while the remote is unreachable.
	lastViews []session.View
}

// Registry is the HQ-side remote table. Reads take a snapshot under the
// lock and work on copies, so routing never blocks on network calls.
type Registry struct {
	logger *slog.Logger
	clock  clockwork.Clock
	client *http.Client

	mu      sync.Mutex
	remotes map[string]*Remote // by name
	routing map[string]string  // session id → remote name
	done    chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, clock clockwork.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		logger:  logger,
		clock:   clock,
		client:  &http.Client{Timeout: healthTimeout},
		remotes: make(map[string]*Remote),
		routing: make(map[string]string),
		done:    make(chan struct{}),
	}
}

// Register adds (or replaces) a remote and immediately pulls its
// session list, so the remote is routable within one notification
// rather than one poll interval.
func (r *Registry) Register(name, url, token string) (*Remote, error) {
	if name == "" || url == "" {
		return nil, fmt.Errorf("%w: remote needs name and url", session.ErrBadRequest)
	}
	now := r.clock.Now().UTC()
	rem := &Remote{
		ID:            uuid.NewString(),
		Name:          name,
		URL:           url,
		Token:         token,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Reachable:     true,
		sessionIDs:    make(map[string]bool),
	}
	r.mu.Lock()
	if old := r.remotes[name]; old != nil {
		r.evictSessionsLocked(old)
	}
	r.remotes[name] = rem
	r.mu.Unlock()

	r.logger.Info("Remote registered", "remote", name, "url", url)
	go r.RefreshSessions(name)
	return rem, nil
}

// Unregister removes a remote and evicts its sessions from routing.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rem, ok := r.remotes[name]
	if ok {
		r.evictSessionsLocked(rem)
		delete(r.remotes, name)
	}
	r.mu.Unlock()
	if !ok {
		return session.ErrNotFound
	}
	r.logger.Info("Remote unregistered", "remote", name)
	return nil
}

func (r *Registry) evictSessionsLocked(rem *Remote) {
	for id := range rem.sessionIDs {
		if r.routing[id] == rem.Name {
			delete(r.routing, id)
		}
	}
}

// Remotes returns a snapshot of all registered remotes.
func (r *Registry) Remotes() []Remote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Remote, 0, len(r.remotes))
	for _, rem := range r.remotes {
		out = append(out, *rem)
	}
	return out
}

// Lookup resolves a session id to its owning remote.
func (r *Registry) Lookup(sessionID string) (Remote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.routing[sessionID]
	if !ok {
		return Remote{}, false
	}
	rem, ok := r.remotes[name]
	if !ok {
		return Remote{}, false
	}
	return *rem, true
}

// RefreshSessions pulls the remote's session list and rebuilds its slice
// of the routing map. Invoked by the remote's change notification and by
// the health loop.
func (r *Registry) RefreshSessions(name string) error {
	r.mu.Lock()
	rem, ok := r.remotes[name]
	if !ok {
		r.mu.Unlock()
		return session.ErrNotFound
	}
	url, token := rem.URL, rem.Token
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", url+"/api/sessions", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	var views []session.View
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return fmt.Errorf("decoding sessions: %w", err)
	}

	r.mu.Lock()
	rem, ok = r.remotes[name]
	if !ok {
		r.mu.Unlock()
		return session.ErrNotFound
	}
	r.evictSessionsLocked(rem)
	rem.sessionIDs = make(map[string]bool, len(views))
	for i := range views {
		views[i].Source = recording.SourceRemote
		views[i].RemoteID = rem.ID
		rem.sessionIDs[views[i].ID] = true
		r.routing[views[i].ID] = name
	}
	rem.lastViews = views
	r.mu.Unlock()

	r.logger.Debug("Remote sessions refreshed", "remote", name, "sessions", len(views))
	return nil
}

// ListSessions returns every remote-hosted session from the cache. The
// cache is kept fresh by remote change notifications and the heartbeat
// loop, so a listing never blocks on the network and a dead remote
// cannot slow it down. Unreachable remotes contribute their last known
// sessions marked active:false rather than vanishing from the list.
func (r *Registry) ListSessions() []session.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.View
	for _, rem := range r.remotes {
		for _, v := range rem.lastViews {
			if !rem.Reachable {
				v.Active = false
				v.IsActive = false
			}
			out = append(out, v)
		}
	}
	return out
}

// StartHealthLoop begins the 10 s heartbeat cycle.
func (r *Registry) StartHealthLoop() {
	go func() {
		ticker := r.clock.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.Chan():
				r.pollAll()
			}
		}
	}()
}

// Stop ends the health loop.
func (r *Registry) Stop() { close(r.done) }

func (r *Registry) pollAll() {
	for _, rem := range r.Remotes() {
		healthy := r.checkHealth(rem.URL, rem.Token)
		r.mu.Lock()
		cur, ok := r.remotes[rem.Name]
		if !ok {
			r.mu.Unlock()
			continue
		}
		if healthy {
			cur.failures = 0
			cur.LastHeartbeat = r.clock.Now().UTC()
			cur.Reachable = true
		} else {
			cur.failures++
			if cur.failures >= maxHealthFailures && cur.Reachable {
				cur.Reachable = false
				r.logger.Warn("Remote marked unreachable",
					"remote", rem.Name,
					"failures", cur.failures,
				)
			}
		}
		r.mu.Unlock()
		// Each healthy heartbeat also refreshes the session cache, so
		// listings stay current even if a remote's change notifications
		// are lost.
		if healthy {
			r.RefreshSessions(rem.Name)
		}
	}
}

func (r *Registry) checkHealth(url, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", url+"/api/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

