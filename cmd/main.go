package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chunkr-io/chunkr/pkg/api"
	"github.com/chunkr-io/chunkr/pkg/config"
	"github.com/chunkr-io/chunkr/pkg/index"
	"github.com/chunkr-io/chunkr/pkg/upload"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	maxChunk, err := cfg.MaxChunkBytes()
	if err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	stagingTTL, err := cfg.StagingTTLDuration()
	if err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	sweepInterval, err := cfg.SweepIntervalDuration()
	if err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	chunks, err := upload.NewChunkStore(cfg.StagingPath, maxChunk, logger)
	if err != nil {
		logger.Fatal("failed to open chunk store", zap.Error(err))
	}
	artifacts, err := upload.NewArtifactStore(cfg.ArtifactPath, logger)
	if err != nil {
		logger.Fatal("failed to open artifact store", zap.Error(err))
	}
	idx, err := index.Open(cfg.IndexPath, logger)
	if err != nil {
		logger.Fatal("failed to open artifact index", zap.Error(err))
	}
	defer idx.Close()

	registry := upload.NewRegistry()
	service := upload.NewService(chunks, registry, idx, logger)
	merger := upload.NewMerger(chunks, registry, artifacts, idx, logger)
	basic := upload.NewBasicUploader(artifacts, idx, maxUpload, logger)
	sweeper := upload.NewSweeper(chunks, registry, stagingTTL, logger)

	srv := api.NewAPI(service, merger, basic, artifacts, idx, sweeper, logger, cfg.APIPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	g.Go(func() error {
		err := sweeper.Run(ctx, sweepInterval)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("shutdown with error", zap.Error(err))
	}
}
