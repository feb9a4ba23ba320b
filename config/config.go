package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings holds all process configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Settings struct {
	// Vector embedding settings
	EmbeddingDimension  int
	SimilarityThreshold float64
	DuplicateThreshold  float64
	MaxSimilarResults   int
	QueryTimeout        time.Duration

	// File upload settings
	MaxFileSize       int64
	AllowedExtensions []string
	UploadDir         string

	// Database settings
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Application settings
	HTTPPort    int
	WorkerCount int
}

func setDefaults() {
	viper.SetDefault("EMBEDDING_DIMENSION", 512)
	viper.SetDefault("SIMILARITY_THRESHOLD", 0.7)
	viper.SetDefault("DUPLICATE_THRESHOLD", 0.95)
	viper.SetDefault("MAX_SIMILAR_RESULTS", 10)
	viper.SetDefault("QUERY_TIMEOUT_SECONDS", 30)

	viper.SetDefault("MAX_FILE_SIZE", 10<<20) // 10MB
	viper.SetDefault("ALLOWED_EXTENSIONS", []string{".jpg", ".jpeg", ".png", ".gif", ".bmp"})
	viper.SetDefault("UPLOAD_DIR", "uploads")

	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "postgres")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "image_vectors")
	viper.SetDefault("DB_SSLMODE", "disable")

	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)

	viper.SetDefault("HTTP_PORT", 8080)
	viper.SetDefault("WORKER_COUNT", 4)
}

// Load reads settings from the .env file (if present) and the environment.
// Environment variables override file values.
func Load() (*Settings, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	setDefaults()

	// A missing .env file is fine; the environment still applies.
	_ = viper.ReadInConfig()
	viper.AutomaticEnv()

	s := &Settings{
		EmbeddingDimension:  viper.GetInt("EMBEDDING_DIMENSION"),
		SimilarityThreshold: viper.GetFloat64("SIMILARITY_THRESHOLD"),
		DuplicateThreshold:  viper.GetFloat64("DUPLICATE_THRESHOLD"),
		MaxSimilarResults:   viper.GetInt("MAX_SIMILAR_RESULTS"),
		QueryTimeout:        time.Duration(viper.GetInt("QUERY_TIMEOUT_SECONDS")) * time.Second,
		MaxFileSize:         viper.GetInt64("MAX_FILE_SIZE"),
		AllowedExtensions:   viper.GetStringSlice("ALLOWED_EXTENSIONS"),
		UploadDir:           viper.GetString("UPLOAD_DIR"),
		DBHost:              viper.GetString("DB_HOST"),
		DBPort:              viper.GetString("DB_PORT"),
		DBUser:              viper.GetString("DB_USER"),
		DBPassword:          viper.GetString("DB_PASSWORD"),
		DBName:              viper.GetString("DB_NAME"),
		DBSSLMode:           viper.GetString("DB_SSLMODE"),
		RedisAddr:           viper.GetString("REDIS_ADDR"),
		RedisPassword:       viper.GetString("REDIS_PASSWORD"),
		RedisDB:             viper.GetInt("REDIS_DB"),
		HTTPPort:            viper.GetInt("HTTP_PORT"),
		WorkerCount:         viper.GetInt("WORKER_COUNT"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that the loaded settings are usable.
func (s *Settings) Validate() error {
	if s.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive, got %d", s.EmbeddingDimension)
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in [0,1], got %v", s.SimilarityThreshold)
	}
	if s.DuplicateThreshold < 0 || s.DuplicateThreshold > 1 {
		return fmt.Errorf("DUPLICATE_THRESHOLD must be in [0,1], got %v", s.DuplicateThreshold)
	}
	if s.MaxSimilarResults < 0 {
		return fmt.Errorf("MAX_SIMILAR_RESULTS must not be negative, got %d", s.MaxSimilarResults)
	}
	if s.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT_SECONDS must be positive, got %v", s.QueryTimeout)
	}
	if s.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", s.MaxFileSize)
	}
	if s.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", s.WorkerCount)
	}
	return nil
}
