// ABOUTME: Wires configuration into a running sync client for the probe commands
// ABOUTME: Builds cache, store, transports, synchronizer, trackers and the lifecycle controller

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/chatsync/internal/auth"
	"github.com/2389/chatsync/internal/chatsync"
	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/lifecycle"
	"github.com/2389/chatsync/internal/metrics"
	"github.com/2389/chatsync/internal/negotiation"
	"github.com/2389/chatsync/internal/readstate"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

// client is every component of one sync session, wired together.
type client struct {
	cfg    *config.Config
	logger *slog.Logger

	creds  *auth.StaticProvider
	cache  *store.SQLiteCache
	store  *store.MemoryStore
	rest   *transport.RESTClient
	sync   *chatsync.Synchronizer
	reads  *readstate.Tracker
	offers *negotiation.Manager
	ctrl   *lifecycle.Controller

	metricsSrv *http.Server
}

func newClient(cfg *config.Config, logger *slog.Logger) (*client, error) {
	c := &client{cfg: cfg, logger: logger}

	creds := auth.Credentials{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}
	if resolved, err := auth.Usable(creds, time.Now()); err == nil {
		creds = resolved
	} else {
		logger.Warn("credentials unusable, requests may be rejected", "reason", err)
	}
	c.creds = auth.NewStaticProvider(creds)

	var opts []store.Option
	if cfg.Cache.Enabled {
		cache, err := store.NewSQLiteCache(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		c.cache = cache
		opts = append(opts, store.WithPersister(cache))
	}
	c.store = store.NewMemoryStore(logger, opts...)

	c.rest = transport.NewRESTClient(cfg.Backend.BaseURL, c.creds,
		transport.WithRequestTimeout(cfg.Backend.RequestTimeout),
		transport.WithLogger(logger))

	c.sync = chatsync.New(c.store, c.rest, c.rest, chatsync.Config{
		SendRetries: cfg.Sync.SendRetries,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffCap:  cfg.Sync.BackoffCap,
		DedupeTTL:   cfg.Sync.DedupeTTL,
		DedupeSize:  cfg.Sync.DedupeSize,
		Self:        c.creds,
	}, logger)

	c.reads = readstate.New(c.rest, c.store, readstate.Config{
		Debounce:       cfg.ReadState.Debounce,
		RequestTimeout: cfg.Backend.RequestTimeout,
		Self:           c.creds,
	}, logger)

	c.offers = negotiation.NewManager(c.rest, negotiation.Config{
		OfferWindow: cfg.Negotiation.OfferWindow,
	}, logger)

	var stream transport.StreamSource
	if cfg.Backend.StreamURL != "" {
		stream = transport.NewWebSocketStream(cfg.Backend.StreamURL,
			transport.WithStreamBackoff(cfg.Sync.BackoffBase, cfg.Sync.BackoffCap),
			transport.WithStreamLogger(logger))
	}

	c.ctrl = lifecycle.NewController(lifecycle.Deps{
		Store:         c.store,
		Sync:          c.sync,
		Reads:         c.reads,
		Stream:        stream,
		Conversations: c.rest,
	}, lifecycle.Config{
		IdleInterval:     cfg.Polling.IdleInterval,
		FallbackInterval: cfg.Polling.FallbackInterval,
		RequestTimeout:   cfg.Backend.RequestTimeout,
		PollBackoffCap:   cfg.Sync.BackoffCap,
		Credentials:      c.creds,
	}, logger)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		c.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	return c, nil
}

// Close shuts everything down in dependency order: sessions first, then
// the writers, then the cache underneath them.
func (c *client) Close(ctx context.Context) error {
	err := c.ctrl.Shutdown(ctx)

	c.reads.Close()
	c.offers.Close()
	c.sync.Close()
	c.store.Close()

	if c.metricsSrv != nil {
		if serr := c.metricsSrv.Shutdown(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	if c.cache != nil {
		if cerr := c.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
