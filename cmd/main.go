package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/estensen/x402-pipeline/internal/api"
	"github.com/estensen/x402-pipeline/internal/config"
	"github.com/estensen/x402-pipeline/internal/database"
	"github.com/estensen/x402-pipeline/internal/emitter"
	"github.com/estensen/x402-pipeline/internal/extractor"
	"github.com/estensen/x402-pipeline/internal/logging"
	"github.com/estensen/x402-pipeline/internal/pipeline"
	"github.com/estensen/x402-pipeline/internal/source"
	"github.com/estensen/x402-pipeline/internal/stats"
	"github.com/estensen/x402-pipeline/internal/storage"
	"github.com/estensen/x402-pipeline/internal/store"
	"github.com/estensen/x402-pipeline/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger, err := logging.New()
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Set up the ClickHouse sink.
	conn, err := database.NewClickHouseConnection(ctx, database.Options{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	})
	if err != nil {
		logger.Fatal("connecting to ClickHouse", zap.Error(err))
	}
	defer conn.Close()

	sink := database.NewSink(conn, logger)
	if err := sink.InitSchema(ctx, cfg.LargePaymentThreshold); err != nil {
		logger.Fatal("initializing schema", zap.Error(err))
	}

	// Optional change-set archival.
	var archive storage.Archiver
	if cfg.MinIOEnabled {
		archive, err = storage.NewMinIOArchive(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
		if err != nil {
			logger.Fatal("initializing MinIO archive", zap.Error(err))
		}
	}

	if last, ok, err := sink.LastAppliedBlock(ctx); err != nil {
		logger.Fatal("reading cursor", zap.Error(err))
	} else if ok {
		logger.Info("resuming after last applied block", zap.Uint64("block", last))
	}

	// Assemble the pipeline.
	ex := extractor.New(cfg.TokenAddress, cfg.ProxyAddress, cfg.PairingPolicy)
	st := store.New()
	em := emitter.New(cfg.MinAmount)
	pipe := pipeline.New(ex, st, em, cfg.Workers, logger)
	defer pipe.Close()

	src, err := source.NewFileSource(cfg.InputFile)
	if err != nil {
		logger.Fatal("opening block source", zap.Error(err))
	}
	defer src.Close()

	// Process blocks strictly in order until the source is exhausted.
	for {
		env, err := src.Next(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			logger.Fatal("reading block envelope", zap.Error(err))
		}

		cs, err := pipe.Process(ctx, env)
		if errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			var inv *store.InvariantError
			if errors.As(err, &inv) {
				// Financially wrong totals are worse than stopping.
				logger.Fatal("aggregate invariant violated, halting", zap.Error(err))
			}
			logger.Fatal("processing block", zap.Uint64("block", env.Block.Number), zap.Error(err))
		}

		if err := sink.ApplyChangeSet(ctx, cs); err != nil {
			logger.Fatal("applying change-set", zap.Uint64("block", cs.BlockNumber), zap.Error(err))
		}
		if archive != nil {
			if err := archive.ArchiveChangeSet(ctx, cs); err != nil {
				logger.Warn("archiving change-set", zap.Uint64("block", cs.BlockNumber), zap.Error(err))
			}
		}
	}

	logger.Info("block source exhausted")

	// Display current leaderboards in the terminal.
	deriver := stats.NewDeriver(st)
	utils.DisplayLeaderboard("Top payers", deriver.TopPayers(10))
	utils.DisplayLeaderboard("Top recipients", deriver.TopRecipients(10))
	utils.DisplayFacilitators(deriver.FacilitatorEconomics())

	// Serve the analytics API until interrupted.
	apiServer := api.NewServer(deriver, conn, logger)
	go func() {
		if err := api.StartServer(cfg.APIAddr, apiServer); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
}
