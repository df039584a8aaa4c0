package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/foldwatch/foldwatch/internal/state"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultHTTPTimeout = 15 * time.Second
)

type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	Username   string        `mapstructure:"username"`
	Email      string        `mapstructure:"email"`
	Passphrase string        `mapstructure:"passphrase"`
	SessionID  string        `mapstructure:"session_id"`
	Interval   time.Duration `mapstructure:"interval"`
}

type userResponse struct {
	Name  string `json:"name"`
	Score uint64 `json:"score"`
	WUs   uint64 `json:"wus"`
	Rank  uint64 `json:"rank"`
}

type machineResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type accountResponse struct {
	ID       string            `json:"id"`
	Machines []machineResponse `json:"machines"`
}

// Poller periodically fetches account totals and the account's machine
// list over plain HTTPS. It writes into the snapshot store through the
// same publication mechanism as the relay worker, so consumers never
// reconcile two sources themselves. Poll failures are logged and retried
// on the next tick; nothing here is fatal.
type Poller struct {
	cfg    Config
	client *http.Client
	store  *state.Store
	agg    *state.Aggregator

	// sessionID starts from the config and is replaced by the login
	// endpoint's token when credentials are configured instead.
	sessionID string

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPoller(cfg Config, store *state.Store, agg *state.Aggregator) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Poller{
		cfg:       cfg,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		store:     store,
		agg:       agg,
		sessionID: cfg.SessionID,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (p *Poller) Start() error {
	go p.run()
	return nil
}

func (p *Poller) Stop() error {
	close(p.stopCh)
	<-p.doneCh
	slog.Info("Account poller stopped")
	return nil
}

func (p *Poller) run() {
	defer close(p.doneCh)

	p.poll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()

	if p.cfg.Username != "" {
		if err := p.fetchStats(ctx); err != nil {
			slog.Warn("Account stats fetch failed", "error", err)
		}
	}

	if p.sessionID == "" && p.cfg.Email != "" && p.cfg.Passphrase != "" {
		if err := p.login(ctx); err != nil {
			slog.Warn("Account login failed", "error", err)
		}
	}
	if p.sessionID != "" {
		if err := p.fetchMachines(ctx); err != nil {
			slog.Warn("Account machine list fetch failed", "error", err)
		}
	}
}

// login exchanges the configured credentials for a session token. The raw
// passphrase is never sent; only the derived credential crosses the wire.
func (p *Poller) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"email":    p.cfg.Email,
		"password": DerivePassword(p.cfg.Email, p.cfg.Passphrase),
	})
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var session struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if session.ID == "" {
		return fmt.Errorf("login: response carried no session id")
	}

	p.sessionID = session.ID
	slog.Info("Account session established")
	return nil
}

func (p *Poller) fetchStats(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/user/%s", p.cfg.BaseURL, url.PathEscape(p.cfg.Username))

	var user userResponse
	if err := p.getJSON(ctx, endpoint, "", &user); err != nil {
		return err
	}

	p.store.SetAccount(&state.AccountSummary{
		User:      p.cfg.Username,
		Score:     user.Score,
		WorkUnits: user.WUs,
		Rank:      user.Rank,
		FetchedAt: time.Now(),
	})
	slog.Debug("Account stats updated", "user", p.cfg.Username, "score", user.Score)
	return nil
}

// fetchMachines pulls the account's registered machines; the API is the
// authoritative source for display names.
func (p *Poller) fetchMachines(ctx context.Context) error {
	var acct accountResponse
	if err := p.getJSON(ctx, p.cfg.BaseURL+"/account", p.sessionID, &acct); err != nil {
		return err
	}

	for _, m := range acct.Machines {
		if m.ID == "" {
			continue
		}
		p.agg.SetDisplayName(m.ID, m.Name)
	}
	slog.Debug("Account machines updated", "count", len(acct.Machines))
	return nil
}

func (p *Poller) getJSON(ctx context.Context, endpoint, authorization string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}
