// Command sagepointsd runs the SAGE points indexer: it syncs SageStaking
// contract events into the store and serves the read-only points API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sage-finance/sagepoints/internal/api"
	"github.com/sage-finance/sagepoints/internal/chain"
	"github.com/sage-finance/sagepoints/internal/config"
	"github.com/sage-finance/sagepoints/internal/indexer"
	"github.com/sage-finance/sagepoints/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional YAML overlay file (contract_address/deployment_block/max_range)")
	flag.Parse()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalw("failed to open store", "error", err)
	}

	chainClient, err := chain.Dial(ctx, cfg.RPCURL, cfg.ContractAddress)
	if err != nil {
		log.Fatalw("failed to dial chain RPC", "error", err)
	}
	defer chainClient.Close()

	idx := indexer.New(chainClient, st, log, cfg.DeploymentBlock, cfg.MaxRange,
		indexer.WithPollInterval(time.Duration(cfg.PollIntervalSec)*time.Second),
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.New(st, log),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return idx.Run(groupCtx)
	})

	group.Go(func() error {
		log.Infow("api server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Errorw("shutting down due to error", "error", err)
	}
}
