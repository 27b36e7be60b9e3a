package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Embedder struct {
		BaseURL   string `yaml:"base_url"`
		Model     string `yaml:"model"`
		VectorDim int    `yaml:"vector_dim"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"embedder"`

	Reranker struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"reranker"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Chunker struct {
		ChunkSize    int    `yaml:"chunk_size"`
		ChunkOverlap int    `yaml:"chunk_overlap"`
		Mode         string `yaml:"mode"`
	} `yaml:"chunker"`

	Search struct {
		// DefaultAlpha is a pointer so a configured 0 (pure vector search)
		// survives the unset check in applyDefaults.
		DefaultAlpha    *float64 `yaml:"default_alpha"`
		DefaultTopK     int      `yaml:"default_top_k"`
		OverfetchFactor int      `yaml:"overfetch_factor"`
		RerankDepth     int      `yaml:"rerank_depth"`
	} `yaml:"search"`

	Ingest struct {
		Workers        int `yaml:"workers"`
		QueueSize      int `yaml:"queue_size"`
		EmbedAttempts  int `yaml:"embed_attempts"`
		RetryBackoffMS int `yaml:"retry_backoff_ms"`
	} `yaml:"ingest"`

	Upload struct {
		MaxFileSizeMB int     `yaml:"max_file_size_mb"`
		RateLimit     float64 `yaml:"fetch_rate_limit"`
	} `yaml:"upload"`
}

func LoadConfig(path string) (*Config, error) {
	// Pull in .env before reading the environment; missing file is fine.
	godotenv.Load()

	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/kbase/config.yaml"),
			"/etc/kbase/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	config := getDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	applyDefaults(config)

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if ollamaURL := os.Getenv("OLLAMA_BASE_URL"); ollamaURL != "" {
		config.Embedder.BaseURL = ollamaURL
	}

	return config, nil
}

func getDefaultConfig() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Embedder.BaseURL == "" {
		config.Embedder.BaseURL = "http://localhost:11434"
	}
	if config.Embedder.Model == "" {
		config.Embedder.Model = "nomic-embed-text:latest"
	}
	if config.Embedder.VectorDim == 0 {
		config.Embedder.VectorDim = 768
	}
	if config.Embedder.BatchSize == 0 {
		config.Embedder.BatchSize = 32
	}
	if config.Reranker.Model == "" {
		config.Reranker.Model = "BAAI/bge-reranker-base"
	}
	if config.Chunker.ChunkSize == 0 {
		config.Chunker.ChunkSize = 1000
	}
	if config.Chunker.ChunkOverlap == 0 {
		config.Chunker.ChunkOverlap = 200
	}
	if config.Chunker.Mode == "" {
		config.Chunker.Mode = "runes"
	}
	if config.Search.DefaultAlpha == nil {
		alpha := 0.5
		config.Search.DefaultAlpha = &alpha
	}
	if config.Search.DefaultTopK == 0 {
		config.Search.DefaultTopK = 10
	}
	if config.Search.OverfetchFactor == 0 {
		config.Search.OverfetchFactor = 4
	}
	if config.Search.RerankDepth == 0 {
		config.Search.RerankDepth = 20
	}
	if config.Ingest.Workers == 0 {
		config.Ingest.Workers = 4
	}
	if config.Ingest.QueueSize == 0 {
		config.Ingest.QueueSize = 64
	}
	if config.Ingest.EmbedAttempts == 0 {
		config.Ingest.EmbedAttempts = 3
	}
	if config.Ingest.RetryBackoffMS == 0 {
		config.Ingest.RetryBackoffMS = 500
	}
	if config.Upload.MaxFileSizeMB == 0 {
		config.Upload.MaxFileSizeMB = 50
	}
	if config.Upload.RateLimit == 0 {
		config.Upload.RateLimit = 2
	}
}
