// Package main provides the entry point for the Electric sync service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/shapeflow/sync-core/pkg/api"
	"github.com/shapeflow/sync-core/pkg/config"
	"github.com/shapeflow/sync-core/pkg/dispatcher"
	"github.com/shapeflow/sync-core/pkg/filter"
	"github.com/shapeflow/sync-core/pkg/installation"
	"github.com/shapeflow/sync-core/pkg/partitions"
	"github.com/shapeflow/sync-core/pkg/replication"
	"github.com/shapeflow/sync-core/pkg/shapecache"
	"github.com/shapeflow/sync-core/pkg/state"
	"github.com/shapeflow/sync-core/pkg/storage/memory"
	"github.com/shapeflow/sync-core/pkg/wal"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("electric exited")
	}
}

// run executes the main server logic and returns any error. This is
// separated from main() to facilitate testing.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Logger = logger

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	metaDB, err := bolt.Open(filepath.Join(cfg.StorageDir, "meta.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("open meta db: %w", err)
	}
	defer metaDB.Close()

	ids, err := installation.Open(metaDB)
	if err != nil {
		return fmt.Errorf("resolve installation id: %w", err)
	}
	logger = logger.With().
		Str("installation_id", ids.InstallationID).
		Str("instance_id", ids.InstanceID).
		Logger()
	log.Logger = logger

	store := memory.NewDefault()

	cache := shapecache.NewCacheWithConfig(store, shapecache.CacheConfig{
		ChunkThreshold: int64(cfg.ChunkThreshold),
	})

	// Shape dispatch and consumption core: Partitions rewrites partition
	// events to their parent relation, Filter narrows a Dispatch to the
	// shapes whose predicate it actually affects, Dispatcher fans a change
	// out to those shapes' Consumers under a demand/ack protocol, and State
	// owns the Consumer/Materializer pair behind each registered shape,
	// subscribing it to the Dispatcher on Register.
	parts := partitions.New()
	flt := filter.New()
	disp := dispatcher.New(flt, parts, dispatcher.WithLogger(logger.With().Str("component", "dispatcher").Logger()))
	defer disp.Close()

	registry := state.New(store, disp)

	router := api.NewRouter(cache, store, cfg, api.WithStateRegistry(registry))

	collector := replication.NewCollector(disp)

	replClient := replication.NewClient(replication.ClientConfig{
		ConnString:  cfg.DatabaseURL,
		SlotName:    cfg.ReplicationSlot,
		Publication: cfg.PublicationName,
	})

	ctx, cancelReplication := context.WithCancel(context.Background())
	defer cancelReplication()

	walMessages := make(chan *wal.Message, 256)

	go func() {
		if err := replClient.RunWithReconnect(ctx, walMessages); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("replication client stopped")
		}
	}()

	go func() {
		for {
			select {
			case msg, ok := <-walMessages:
				if !ok {
					return
				}
				if err := collector.Process(ctx, msg); err != nil {
					logger.Error().Err(err).Msg("failed to process replication message")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// WriteTimeout must be longer than LongPollTimeout to allow long-poll
	// responses to complete.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.LongPollTimeout() + 10*time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	logger.Info().Int("port", cfg.Port).Msg("electric sync service starting")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
