package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"imgvector/config"
	"imgvector/database"
	"imgvector/queue"
	"imgvector/services"
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
	logger.Info("database connected")

	store := database.NewStore(db)
	engine := services.NewSimilarityEngine(store, cfg.EmbeddingDimension, cfg.QueryTimeout)
	q := queue.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	s := &server{
		cfg:    cfg,
		db:     db,
		store:  store,
		engine: engine,
		queue:  q,
		log:    logger,
	}

	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/images/upload", s.uploadImage).Methods(http.MethodPost)
	api.HandleFunc("/images/search/batch", s.batchSearch).Methods(http.MethodPost)
	api.HandleFunc("/images/duplicates", s.findDuplicates).Methods(http.MethodGet)
	api.HandleFunc("/images/stats", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/images", s.listImages).Methods(http.MethodGet)
	api.HandleFunc("/images/{id}/similar", s.findSimilar).Methods(http.MethodGet)
	api.HandleFunc("/images/{id}", s.getImage).Methods(http.MethodGet)
	api.HandleFunc("/images/{id}", s.deleteImage).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.ready).Methods(http.MethodGet)

	// Serve stored uploads directly.
	fs := http.FileServer(http.Dir(cfg.UploadDir))
	r.PathPrefix("/uploads/").Handler(http.StripPrefix("/uploads/", fs))

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      c.Handler(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.QueryTimeout + 30*time.Second,
	}

	logger.Info("server running", zap.Int("port", cfg.HTTPPort))
	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
