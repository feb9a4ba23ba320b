package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"imgvector/config"
	"imgvector/database"
	"imgvector/queue"
	"imgvector/services"
	"imgvector/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load configuration", zap.Error(err))
	}

	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}

	store := database.NewStore(db)
	generator := services.NewEmbeddingGenerator(cfg.EmbeddingDimension)
	extractor := services.NewMetadataExtractor()

	q := queue.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := q.Ping(ctx); err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}

	pool := worker.New(q, store, generator, extractor, cfg.WorkerCount, logger)
	pool.Run(ctx)
}
