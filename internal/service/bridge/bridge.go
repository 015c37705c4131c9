package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"lxmf_group/internal/model"
	"lxmf_group/internal/utils/log"
)

// PlaceholderToken is the token shipped in the default config. It is never
// sent as a credential.
const PlaceholderToken = "paste_token"

const timestampLayout = "02-01-2006 15:04"

var ErrStatus = errors.New("matterbridge rejected message")

type (
	Config struct {
		API     string
		Gateway string
		Token   string
		// RatePerSecond limits outgoing posts, 0 disables the limit.
		RatePerSecond float64
		Timeout       time.Duration
	}

	// Client posts relayed messages to the matterbridge HTTP API. A client
	// without an API URL is disabled and drops everything.
	Client struct {
		mu      sync.RWMutex
		cfg     Config
		http    *http.Client
		limiter *rate.Limiter

		failures atomic.Int64
		posted   atomic.Int64
	}

	apiMessage struct {
		Text     string `json:"text"`
		Username string `json:"username"`
		Gateway  string `json:"gateway"`
	}
)

func New(cfg Config) *Client {
	c := &Client{}
	c.Apply(cfg)
	return c
}

// Apply replaces the bridge settings. Posts already under way finish with
// the previous ones.
func (c *Client) Apply(cfg Config) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.http = &http.Client{Timeout: timeout}
	c.limiter = limiter
}

func (c *Client) settings() (Config, *http.Client, *rate.Limiter) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.http, c.limiter
}

func (c *Client) Enabled() bool {
	cfg, _, _ := c.settings()
	return cfg.API != ""
}

// Failures is the number of consecutive failed posts.
func (c *Client) Failures() int64 {
	return c.failures.Load()
}

func (c *Client) Posted() int64 {
	return c.posted.Load()
}

// Forward formats a relayed draft and posts it.
func (c *Client) Forward(ctx context.Context, sender model.Member, draft model.Draft) error {
	if !c.Enabled() {
		return nil
	}
	return c.Post(ctx, Format(draft), Username(sender))
}

func (c *Client) Post(ctx context.Context, text, username string) error {
	cfg, hc, limiter := c.settings()
	if cfg.API == "" {
		return nil
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	err := post(ctx, hc, cfg, "/api/message", apiMessage{Text: text, Username: username, Gateway: cfg.Gateway})
	if err != nil {
		n := c.failures.Add(1)
		log.Warn("Matterbridge post failed", zap.Int64("consecutive", n), zap.Error(err))
		return err
	}
	c.failures.Store(0)
	c.posted.Add(1)
	return nil
}

func post(ctx context.Context, hc *http.Client, cfg Config, path string, in any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.API, "/")+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" && cfg.Token != PlaceholderToken {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: post %s: %s", ErrStatus, path, resp.Status)
	}
	return nil
}

// Format renders a draft as chat text: the title line if any, the content,
// the fields line if any, and the UTC timestamp.
func Format(draft model.Draft) string {
	var b strings.Builder
	if draft.Title != "" {
		b.WriteString(draft.Title)
		b.WriteByte('\n')
	}
	b.WriteString(draft.Content)
	b.WriteByte('\n')
	if draft.Fields.Len() > 0 {
		b.WriteString(draft.Fields.String())
		b.WriteByte('\n')
	}
	if !draft.Timestamp.IsZero() {
		b.WriteString(draft.Timestamp.UTC().Format(timestampLayout))
	}
	return b.String()
}

func Username(sender model.Member) string {
	if sender.DisplayName != "" {
		return sender.DisplayName
	}
	return sender.Address.Hex()
}
