package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/gongysh2004/cogview4-server/internal/adapters/diffusion"
	"github.com/gongysh2004/cogview4-server/internal/adapters/duckdb"
	"github.com/gongysh2004/cogview4-server/internal/adapters/gallery"
	"github.com/gongysh2004/cogview4-server/internal/adapters/llm"
	"github.com/gongysh2004/cogview4-server/internal/config"
	"github.com/gongysh2004/cogview4-server/internal/core/ports"
	"github.com/gongysh2004/cogview4-server/internal/core/services"
	"github.com/gongysh2004/cogview4-server/internal/imaging"
	"github.com/gongysh2004/cogview4-server/internal/metrics"
	"github.com/gongysh2004/cogview4-server/pkg/server"
)

func main() {
	cfg := config.Load()

	logger, logCloser, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	logger.Info("starting cogview4 api server",
		"model_path", cfg.ModelPath,
		"num_workers", cfg.NumWorkers,
		"max_total_pixels", cfg.MaxTotalPixels,
		"batching_enabled", cfg.EnableBatching)

	if err := run(logger, cfg); err != nil {
		logger.Error("server startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	m := metrics.New()

	var history ports.HistoryRepository
	repo, err := duckdb.NewRepository(cfg.HistoryDBPath)
	if err != nil {
		logger.Warn("generation history disabled", "error", err)
	} else {
		history = repo
		defer repo.Close()
	}

	bus := services.NewEventBus(logger)
	loader := diffusion.NewProceduralLoader(cfg.ModelPath)
	pool := services.NewWorkerPool(logger, services.PoolConfig{
		NumWorkers:     cfg.NumWorkers,
		MaxTotalPixels: cfg.MaxTotalPixels,
		EnableBatching: cfg.EnableBatching,
		BatchTimeout:   cfg.BatchTimeout,
		MaxBatchSize:   cfg.MaxBatchSize,
		StartupStagger: cfg.StartupStagger,
		ChunkLimit:     imaging.ChunkLimit,
	}, loader, bus, m)

	galleryStore := gallery.NewStore(logger, cfg.StaticDir)
	chatClient := llm.NewClient(cfg.PromptLLMURL, cfg.PromptLLMAPIKey, cfg.PromptLLMModel)
	promptSvc := services.NewPromptService(logger, chatClient)

	apiServer := server.NewServer(logger, pool, galleryStore, promptSvc, history, m, cfg.StaticDir, cfg.MaxTotalPixels)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
