// Package main wires together the post harvester binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentipol/harvester/internal/api"
	gcsarchive "github.com/sentipol/harvester/internal/archive/gcs"
	memoryarchive "github.com/sentipol/harvester/internal/archive/memory"
	"github.com/sentipol/harvester/internal/clock/system"
	"github.com/sentipol/harvester/internal/config"
	"github.com/sentipol/harvester/internal/extract"
	"github.com/sentipol/harvester/internal/harvest"
	"github.com/sentipol/harvester/internal/logging"
	"github.com/sentipol/harvester/internal/metrics"
	memorypublisher "github.com/sentipol/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/sentipol/harvester/internal/publisher/pubsub"
	"github.com/sentipol/harvester/internal/rollup"
	"github.com/sentipol/harvester/internal/session"
	"github.com/sentipol/harvester/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	resume := flag.Bool("resume", true, "Resume from the stored checkpoint")
	reprocess := flag.Bool("reprocess", false, "Force a full rescan of the date range")
	rollupGran := flag.String("rollup", "", "Recompute rollups (day|month) instead of crawling")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Flag beats config only when passed explicitly.
	effectiveResume := cfg.Harvest.Resume
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "resume" {
			effectiveResume = *resume
		}
	})
	if *reprocess {
		effectiveResume = false
	}

	if err := run(ctx, cfg, effectiveResume, *rollupGran, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, resume bool, rollupGran string, logger *zap.Logger) error {
	clock := system.New()

	dr, err := cfg.DateRange(clock.Now())
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	postStore, err := postgres.NewPostStore(pool, logger.Named("posts"))
	if err != nil {
		return err
	}

	if rollupGran != "" {
		rollupStore, err := postgres.NewRollupStore(pool)
		if err != nil {
			return err
		}
		job := rollup.NewJob(postStore, rollupStore, clock, logger.Named("rollup"))
		n, err := job.Run(ctx, rollupGran, dr)
		if err != nil {
			return err
		}
		logger.Info("rollup complete", zap.Int("periods", n))
		return nil
	}

	checkpointStore, err := postgres.NewCheckpointStore(pool, logger.Named("checkpoints"))
	if err != nil {
		return err
	}

	creds, err := session.LoadCredentials(cfg.Session.CookiesFile)
	if err != nil {
		return err
	}
	browser, err := session.New(session.Config{
		Headless:   cfg.Session.Headless,
		UserAgent:  cfg.Session.UserAgent,
		NavTimeout: cfg.NavTimeout(),
	}, logger.Named("session"))
	if err != nil {
		return err
	}
	defer browser.Close()

	if err := browser.Establish(ctx, creds); err != nil {
		return err
	}

	runID := uuid.Must(uuid.NewV7()).String()
	backoff := harvest.NewBackoffPolicy(
		time.Duration(cfg.Harvest.BackoffBaseMs)*time.Millisecond,
		time.Duration(cfg.Harvest.BackoffMaxMs)*time.Millisecond,
	)
	pacer := harvest.NewPacer()
	pacer.ScrollPauseMin = time.Duration(cfg.Harvest.ScrollPauseMinMs) * time.Millisecond
	pacer.ScrollPauseMax = time.Duration(cfg.Harvest.ScrollPauseMaxMs) * time.Millisecond
	pacer.ScrollMinPx = cfg.Harvest.ScrollMinPx
	pacer.ScrollMaxPx = cfg.Harvest.ScrollMaxPx
	pacer.LongPauseEvery = cfg.Harvest.LongPauseEvery
	pacer.LongPauseMin = time.Duration(cfg.Harvest.LongPauseMinS) * time.Second
	pacer.LongPauseMax = time.Duration(cfg.Harvest.LongPauseMaxS) * time.Second

	controller := harvest.NewController(
		browser,
		postStore,
		checkpointStore,
		extract.Post,
		backoff,
		pacer,
		clock,
		runID,
		harvest.ControllerConfig{
			MaxRecords:          cfg.Harvest.MaxRecords,
			EmptyBatchThreshold: cfg.Harvest.EmptyBatchThreshold,
			PersistRetries:      cfg.Harvest.PersistRetries,
			WaitTimeout:         cfg.NavTimeout(),
			ArchivePrefix:       cfg.Archive.Prefix,
			PublishTopic:        cfg.Publisher.TopicID,
		},
		logger.Named("harvest"),
	)

	pub, pubStop, err := buildPublisher(ctx, cfg.Publisher)
	if err != nil {
		return err
	}
	if pubStop != nil {
		defer pubStop()
	}
	if pub != nil {
		controller.WithPublisher(pub)
	}
	if arch, err := buildArchiver(ctx, cfg.Archive); err != nil {
		return err
	} else if arch != nil {
		controller.WithArchiver(arch)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(controller, pool.Ping, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", zap.Error(err))
		}
	}()

	return controller.Run(ctx, cfg.Harvest.Queries, dr, resume)
}

// buildPublisher returns the publisher and, when the backend buffers
// messages, a stop function to flush it on shutdown.
func buildPublisher(ctx context.Context, cfg config.PublisherConfig) (harvest.Publisher, func(), error) {
	switch cfg.Provider {
	case "", "noop":
		return nil, nil, nil
	case "memory":
		return memorypublisher.New(), nil, nil
	case "pubsub":
		pub, err := pubsubpublisher.New(ctx, cfg.ProjectID, cfg.TopicID)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, pub.Stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher provider %q", cfg.Provider)
	}
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig) (harvest.Archiver, error) {
	switch cfg.Provider {
	case "", "noop":
		return nil, nil
	case "memory":
		return memoryarchive.New(), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		arch, err := gcsarchive.New(client, gcsarchive.Config{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return arch, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}
