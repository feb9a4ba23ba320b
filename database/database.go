package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"imgvector/config"
	"imgvector/models"
)

// Connect opens the Postgres connection and runs migrations: the pgvector
// extension, the images table, and an HNSW cosine index over the embeddings.
func Connect(cfg *config.Settings) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	if err := db.AutoMigrate(&models.Image{}); err != nil {
		return nil, fmt.Errorf("migrate images table: %w", err)
	}
	if err := db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_images_embedding ON images USING hnsw (embedding vector_cosine_ops)",
	).Error; err != nil {
		return nil, fmt.Errorf("create embedding index: %w", err)
	}

	return db, nil
}
