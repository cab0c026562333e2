// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command clubsync runs the club to relay group synchronization engine as
// a daemon. It keeps every mapped club subscribed to its group, drains the
// outbound message queue and exposes a small admin HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/aiku/clubsync/pkg/clubsync"
	"github.com/aiku/clubsync/pkg/relaypool"
	"github.com/aiku/clubsync/pkg/storage"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("clubsync", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to the config file, created from the example if missing")
	saveConfig := flags.Bool("save-config", false, "write the upgraded config back to disk")
	showVersion := flags.BoolP("version", "v", false, "print the version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("clubsync %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return nil
	}

	cfg, err := clubsync.LoadConfig(*configPath, *saveConfig)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Logging)
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting clubsync")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openKV(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeKV()

	var persistence clubsync.PersistenceStrategy = &clubsync.KVStrategy{KV: kv}
	if cfg.Storage.Database != "" {
		db, err := storage.OpenMappingDB(ctx, cfg.Storage.Database)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Storage.Database).Msg("Mapping database unavailable, using the key-value store only")
		} else {
			defer db.Close()
			persistence = &clubsync.FallbackStrategy{
				Primary:   &clubsync.SQLStrategy{DB: db},
				Secondary: persistence,
				Log:       log.With().Str("component", "mappings").Logger(),
			}
		}
	}

	signer, err := clubsync.NewKeySigner(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("invalid private_key: %w", err)
	}
	if pub, err := signer.PublicKey(ctx); err != nil {
		log.Warn().Msg("No private key configured, running read-only")
	} else {
		log.Info().Str("pubkey", pub).Msg("Signing identity loaded")
	}

	pool := relaypool.NewPool(log)
	defer pool.Close()

	engine := clubsync.NewEngine(log, cfg, clubsync.Deps{
		Relays:      clubsync.PoolClient(pool),
		Direct:      relaypool.NewDirect(log),
		Signer:      signer,
		KV:          kv,
		Persistence: persistence,
	})
	engine.Bus.AddListener(logNotification(log.With().Str("component", "events").Logger()))

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("Engine did not stop in time")
	}
	return nil
}

func newLogger(cfg clubsync.LoggingConfig) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func openKV(ctx context.Context, cfg clubsync.StorageConfig) (storage.KV, func(), error) {
	switch cfg.KVBackend {
	case "redis":
		kv, err := storage.NewRedisKV(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return kv, func() { _ = kv.Close() }, nil
	case "memory":
		return storage.NewMemoryKV(), func() {}, nil
	default:
		kv, err := storage.NewFileKV(cfg.KVPath)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil
	}
}

func logNotification(log zerolog.Logger) clubsync.Listener {
	return func(n clubsync.Notification) {
		evt := log.Debug().
			Str("type", string(n.Type)).
			Str("club_id", n.ClubID).
			Str("group", n.Group.Key())
		switch {
		case n.Event != nil:
			evt = evt.Str("event_id", n.Event.ID)
		case n.Events != nil:
			evt = evt.Int("events", len(n.Events))
		case n.Members != nil:
			evt = evt.Int("members", len(n.Members))
		}
		evt.Msg("Notification")
	}
}
