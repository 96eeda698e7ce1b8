// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-mastodon is a Matrix-Mastodon bridge bot. Users log in to
// their Mastodon account from Matrix and get their home timeline,
// notifications, direct messages and followed hashtags delivered to rooms.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/aiku/mautrix-mastodon/pkg/chat"
	"github.com/aiku/mautrix-mastodon/pkg/connector"
	"github.com/aiku/mautrix-mastodon/pkg/social"
	"github.com/aiku/mautrix-mastodon/pkg/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	name    = "mautrix-mastodon"
	website = "https://github.com/aiku/mautrix-mastodon"
	version = "0.1.0"
)

var (
	configPath     = flag.StringP("config", "c", "config.yaml", "Path to the config file")
	generateConfig = flag.BoolP("generate-config", "e", false, "Print the example config and exit")
	generateKey    = flag.Bool("generate-key", false, "Print a new token encryption key and exit")
	showVersion    = flag.BoolP("version", "v", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	switch {
	case *showVersion:
		fmt.Printf("%s %s (tag %s, commit %s, built %s)\n", name, version, Tag, Commit, BuildTime)
		return
	case *generateConfig:
		fmt.Print(connector.ExampleConfig)
		return
	case *generateKey:
		key, err := store.GenerateKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	if err = run(cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("Bridge stopped with an error")
	}
}

func run(cfg *connector.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)
	log.Info().Str("version", version).Str("commit", Commit).Msg("Initializing bridge")

	sealer, err := store.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Database.Path, sealer, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	appWebsite := cfg.Mastodon.Website
	if appWebsite == "" {
		appWebsite = website
	}
	provider := social.NewFactory(social.Options{
		ClientName:        cfg.Mastodon.ClientName,
		Website:           appWebsite,
		UserAgent:         name + "/" + version,
		Timeout:           cfg.Mastodon.RequestTimeout,
		RequestsPerSecond: cfg.Mastodon.RequestsPerSecond,
	}, log)
	matrix, err := chat.NewMatrix(cfg.Homeserver.URL, cfg.Homeserver.UserID, cfg.Homeserver.AccessToken, log)
	if err != nil {
		return err
	}

	bridge := connector.NewBridge(cfg, st, matrix, provider, log)
	if err = bridge.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		bridge.Stop(shutdownCtx)
		log.Info().Msg("Bridge stopped")
	}()

	return matrix.Listen(ctx, bridge)
}
