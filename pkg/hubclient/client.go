// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package hubclient issues the homeserver API calls made by the bridge.
//
// Every call goes through a single retry policy: rate-limit responses are
// retried after the delay the server asks for, for as long as the caller's
// context allows. Any other failure is returned to the caller as a
// *RequestError, and nothing else is retried automatically. Registration and
// invites treat "already done" answers as success.
package hubclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const defaultRateLimitBackoff = 5 * time.Second

// Config configures a Client.
type Config struct {
	HomeserverURL string
	ServerName    string
	ASToken       string
	BotLocalpart  string

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
	RequestBurst      int
	// RateLimitBackoff is used when a rate-limit response carries no delay.
	RateLimitBackoff time.Duration

	HTTPClient *http.Client
}

// Client talks to the homeserver as the appservice, optionally acting as
// one of its namespaced users. It is safe for concurrent use.
type Client struct {
	log        zerolog.Logger
	cfg        Config
	botID      id.UserID
	limiter    *rate.Limiter
	httpClient *http.Client
	backoff    time.Duration

	sleep func(ctx context.Context, d time.Duration) error

	clientsLock sync.Mutex
	clients     map[id.UserID]*mautrix.Client
}

// New creates a Client for the given homeserver.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.HomeserverURL == "" || cfg.ServerName == "" {
		return nil, fmt.Errorf("homeserver address and domain are required")
	}
	if cfg.ASToken == "" {
		return nil, fmt.Errorf("appservice token is required")
	}
	if cfg.BotLocalpart == "" {
		cfg.BotLocalpart = "bridgebot"
	}
	c := &Client{
		log:        log.With().Str("component", "hubclient").Logger(),
		cfg:        cfg,
		botID:      id.NewUserID(cfg.BotLocalpart, cfg.ServerName),
		httpClient: cfg.HTTPClient,
		backoff:    cfg.RateLimitBackoff,
		sleep:      sleepContext,
		clients:    make(map[id.UserID]*mautrix.Client),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if c.backoff <= 0 {
		c.backoff = defaultRateLimitBackoff
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// BotID returns the hub id of the appservice bot user.
func (c *Client) BotID() id.UserID {
	return c.botID
}

// ServerName returns the homeserver domain used for ids and aliases.
func (c *Client) ServerName() string {
	return c.cfg.ServerName
}

// api returns a mautrix client acting as userID. An empty userID acts as the bot.
func (c *Client) api(userID id.UserID) (*mautrix.Client, error) {
	if userID == "" {
		userID = c.botID
	}
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	if cli, ok := c.clients[userID]; ok {
		return cli, nil
	}
	cli, err := mautrix.NewClient(c.cfg.HomeserverURL, userID, c.cfg.ASToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", userID, err)
	}
	cli.SetAppServiceUserID = userID != c.botID
	// Retries are owned by do.
	cli.DefaultHTTPRetries = 0
	cli.Client = c.httpClient
	cli.Log = c.log.With().Stringer("as_user", userID).Logger()
	c.clients[userID] = cli
	return cli, nil
}

// do runs fn until it succeeds, fails with something other than a rate
// limit, or ctx ends.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("failed to %s: %w", op, err)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		reqErr := toRequestError(op, err)
		if reqErr == nil {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
		if !reqErr.IsRateLimited() {
			return reqErr
		}
		delay := reqErr.RetryAfter
		if delay <= 0 {
			delay = c.backoff
		}
		c.log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_after", delay).
			Msg("Rate limited by homeserver, retrying")
		if err = c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
