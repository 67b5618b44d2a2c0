package hq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Client is the remote-mode side of federation: it registers this
// server with an HQ on boot and pings the HQ whenever the local
// session set changes.
type Client struct {
	hqURL      string
	token      string
	name       string
	myURL      string
	httpClient *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	shuttingDown bool
}

// ClientConfig holds the remote's view of its HQ.
type ClientConfig struct {
	HQURL string // e.g. "https://hq.example.com"
	Token string // bearer credential presented to HQ and back
	Name  string // this remote's name at HQ
	MyURL string // base URL HQ should reach us at
}

// NewClient creates an unregistered client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		hqURL:      cfg.HQURL,
		token:      cfg.Token,
		name:       cfg.Name,
		myURL:      cfg.MyURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Register announces this server to HQ.
func (c *Client) Register(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"name":  c.name,
		"url":   c.myURL,
		"token": c.token,
	})
	if err != nil {
		return fmt.Errorf("marshaling registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.hqURL+"/api/remotes", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registering with HQ: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	c.logger.Info("Registered with HQ", "hq", c.hqURL, "name", c.name)
	return nil
}

// Unregister removes this server from HQ, typically at shutdown.
func (c *Client) Unregister(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.hqURL+"/api/remotes/"+c.name, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setAuthHeader(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unregistering from HQ: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// NotifySessionsChanged tells HQ to re-pull this remote's session list.
// During shutdown the call is suppressed: the HQ is about to learn of
// our departure anyway and a failing POST only produces log noise.
func (c *Client) NotifySessionsChanged() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		url := fmt.Sprintf("%s/api/remotes/%s/refresh-sessions", c.hqURL, c.name)
		req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
		if err != nil {
			return
		}
		c.setAuthHeader(req)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("Session change notification failed", "error", err)
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	}()
}

// BeginShutdown suppresses further change notifications.
func (c *Client) BeginShutdown() {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()
}

func (c *Client) setAuthHeader(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}
