package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"studyforge"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"studyforge"`

	NSQLookupd    string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost      string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP      string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	NSQMaxMsgSize int64  `envconfig:"NSQ_MAX_MSG_SIZE" default:"10485760"` // 10MB

	OCRServiceURL string `envconfig:"OCR_SERVICE_URL" default:"http://ocr:8000"`

	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel  string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-004"`
	CompletionModel string `envconfig:"COMPLETION_MODEL" default:"gemini-2.0-flash"`

	EnableAPI     bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorker  bool `envconfig:"ENABLE_WORKER" default:"true"`
	EnableMonitor bool `envconfig:"ENABLE_MONITOR" default:"true"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`
	EmbedConcurrency  int `envconfig:"EMBED_CONCURRENCY" default:"4"`
	MaxJobAttempts    int `envconfig:"MAX_JOB_ATTEMPTS" default:"3"`

	ChunkTokens           int `envconfig:"CHUNK_TOKENS" default:"512"`
	ChunkOverlapTokens    int `envconfig:"CHUNK_OVERLAP_TOKENS" default:"50"`
	SegmentFallbackTokens int `envconfig:"SEGMENT_FALLBACK_TOKENS" default:"800"`
	PDFMinCharsPerPage    int `envconfig:"PDF_MIN_CHARS_PER_PAGE" default:"32"`

	StaleAfterMinutes      int `envconfig:"STALE_AFTER_MINUTES" default:"30"`
	MonitorIntervalSeconds int `envconfig:"MONITOR_INTERVAL_SECONDS" default:"300"`

	RetrievalTopK      int     `envconfig:"RETRIEVAL_TOP_K" default:"5"`
	MinSimilarity      float64 `envconfig:"MIN_SIMILARITY" default:"0.25"`
	ContextTokenBudget int     `envconfig:"CONTEXT_TOKEN_BUDGET" default:"2000"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort      int   `envconfig:"SERVER_PORT" default:"8081"`
	MaxUploadSizeMB int64 `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`

	// File storage: "local" writes under UploadDir, "s3" uses the S3 settings.
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"local"`
	UploadDir      string `envconfig:"UPLOAD_DIR" default:"./uploads"`
	S3Bucket       string `envconfig:"S3_BUCKET"`
	S3Region       string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint     string `envconfig:"S3_ENDPOINT"`
	S3AccessKey    string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey    string `envconfig:"S3_SECRET_KEY"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	// Try finding root .env (assuming 2 levels up if in apps/backend)
	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.StorageBackend == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("%w: S3_BUCKET", ErrMissingRequired)
	}
	return nil
}
