package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	OpenAIKey       string
	OpenAIEndpoint  string
	OpenAIModel     string
	OpenAIFastModel string
	EmbeddingModel  string
	Database        string
	DataDir         string
	BucketDir       string
	ErrorLogDir     string
	UploadDir       string
	DefaultTopic    string
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	cfg := Config{
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIEndpoint:  getEnv("OPENAI_API_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIFastModel: getEnv("OPENAI_FAST_MODEL", "gpt-4o-mini"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-3-large"),
		Database:        getEnv("DATABASE_PATH", filepath.Join(dataDir, "studybar.db")),
		DataDir:         dataDir,
		BucketDir:       getEnv("BUCKET_DIR", filepath.Join(dataDir, "embeddings")),
		ErrorLogDir:     getEnv("ERROR_LOG_DIR", filepath.Join(dataDir, "error_logs")),
		UploadDir:       getEnv("UPLOAD_DIR", filepath.Join(dataDir, "uploads")),
		DefaultTopic:    getEnv("DEFAULT_TOPIC", "atomic_structure"),
	}

	for _, dir := range []string{cfg.BucketDir, cfg.ErrorLogDir, cfg.UploadDir, filepath.Dir(cfg.Database)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to ensure dir %s: %v", dir, err)
		}
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
