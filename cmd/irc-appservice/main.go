// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command irc-appservice bridges an IRC network into a Matrix homeserver as
// an application service. Every Matrix user who logs in gets their own IRC
// connection, and IRC users are puppeted by bridge-managed Matrix users.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/aiku/appservice-bridge/pkg/bridge"
	"github.com/aiku/appservice-bridge/pkg/hubclient"
	"github.com/aiku/appservice-bridge/pkg/ircconnector"
	"github.com/aiku/appservice-bridge/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath       = flag.StringP("config", "c", "config.yaml", "Path to the config file")
	registrationPath = flag.StringP("registration", "r", "registration.yaml", "Path to write the appservice registration to")
	generateReg      = flag.BoolP("generate-registration", "g", false, "Generate the registration file and exit")
	noUpdate         = flag.Bool("no-update", false, "Don't add missing keys to the config file")
	showVersion      = flag.BoolP("version", "v", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("irc-appservice %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}

	cfg, err := loadConfig(*configPath, !*noUpdate)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	if *generateReg {
		if err = generateRegistration(cfg, *configPath, *registrationPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(11)
		}
		fmt.Printf("Registration written to %s\n", *registrationPath)
		return
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err = run(log.WithContext(ctx), cfg, *log); err != nil {
		log.Error().Err(err).Msg("Bridge exited with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *bridge.Config, log zerolog.Logger) error {
	db, err := store.Open(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err = db.Upgrade(ctx); err != nil {
		return err
	}

	hub, err := hubclient.New(hubclient.Config{
		HomeserverURL:     cfg.Homeserver.Address,
		ServerName:        cfg.Homeserver.Domain,
		ASToken:           cfg.AppService.ASToken,
		BotLocalpart:      cfg.AppService.BotLocalpart,
		RequestsPerSecond: cfg.AppService.RequestsPerSecond,
		RequestBurst:      cfg.AppService.RequestBurst,
		RateLimitBackoff:  cfg.AppService.RateLimitBackoff,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create homeserver client: %w", err)
	}
	br := bridge.New(cfg, db, hub, log)

	ircCfg, err := ircconnector.LoadConfig(&cfg.Network)
	if err != nil {
		return err
	}
	if err = ircconnector.New(br, ircCfg).Register(); err != nil {
		return err
	}
	if added := br.LoadIdentities(ctx, bridge.IdentitiesFromEnv()); added > 0 {
		log.Info().Int("count", added).Msg("Loaded authenticated identities from environment")
	}
	if err = br.Start(ctx); err != nil {
		return err
	}
	defer br.Stop(context.Background())

	servers := []*http.Server{{
		Addr:              cfg.AppService.ListenAddr(),
		Handler:           br.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if addr := cfg.Bridge.AdminAPIAddr; addr != "" {
		servers = append(servers, &http.Server{
			Addr:         addr,
			Handler:      br.AdminRouter(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		})
	}
	serverErr := make(chan error, len(servers))
	for _, server := range servers {
		go func() {
			log.Info().Str("addr", server.Addr).Msg("Starting HTTP listener")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("listener on %s failed: %w", server.Addr, err)
			}
		}()
	}
	if _, err = daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("Failed to notify systemd")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err = <-serverErr:
		log.Error().Err(err).Msg("Shutting down after listener failure")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, server := range servers {
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Str("addr", server.Addr).Msg("Failed to shut down listener")
		}
	}
	return err
}
