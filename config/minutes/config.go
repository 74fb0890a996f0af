package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	HTTPPort      int           `env:"HTTP_PORT" env-default:"8080"`
	GRPCPort      int           `env:"GRPC_PORT" env-default:"9090"`
	JWTSecret     string        `env:"JWT_SECRET"`
	APIKeyHash    string        `env:"API_KEY_HASH"`
	BlobDir       string        `env:"BLOB_DIR" env-default:"./data/blobs"`
	MaxUpload     int64         `env:"MAX_UPLOAD_BYTES" env-default:"524288000"`
	RecentWindow  time.Duration `env:"RECENT_WINDOW" env-default:"720h"`
	ShutdownAfter time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"30s"`
	Log           LogConfig
	Database      DatabaseConfig
	Redis         RedisConfig         `env-prefix:"REDIS_"`
	Transcription TranscriptionConfig `env-prefix:"TRANSCRIBE_"`
	Summarization SummarizationConfig `env-prefix:"SUMMARIZE_"`
	Media         MediaConfig
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" env-default:"info"`
	JSON  bool   `env:"LOG_JSON" env-default:"false"`
}

// DatabaseConfig selects the Postgres store. An empty host keeps meetings in
// memory.
type DatabaseConfig struct {
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Host     string `env:"DB_HOST"`
	Name     string `env:"DB_NAME" env-default:"minutes"`
	Port     int    `env:"DB_PORT" env-default:"5432"`
	SSLMode  string `env:"DB_SSLMODE" env-default:"disable"`
}

func (c DatabaseConfig) Enabled() bool { return c.Host != "" }

func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Name,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" env-default:"0"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type RetryConfig struct {
	MaxAttempts    int           `env:"MAX_ATTEMPTS" env-default:"4"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" env-default:"2s"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" env-default:"1m"`
	Multiplier     float64       `env:"BACKOFF_MULTIPLIER" env-default:"2"`
	Timeout        time.Duration `env:"TIMEOUT" env-default:"5m"`
}

type TranscriptionConfig struct {
	URL           string `env:"URL" env-default:"https://api.openai.com"`
	APIKey        string `env:"API_KEY"`
	Model         string `env:"MODEL" env-default:"whisper-1"`
	Language      string `env:"LANGUAGE"`
	MaxChunkBytes int64  `env:"MAX_CHUNK_BYTES" env-default:"25000000"`
	Concurrency   int    `env:"CONCURRENCY" env-default:"3"`
	Retry         RetryConfig
}

type SummarizationConfig struct {
	URL           string `env:"URL" env-default:"https://api.anthropic.com"`
	APIKey        string `env:"API_KEY"`
	Model         string `env:"MODEL" env-default:"claude-haiku-4-5"`
	MaxTokens     int    `env:"MAX_TOKENS" env-default:"4096"`
	MaxInputChars int    `env:"MAX_INPUT_CHARS" env-default:"120000"`
	Retry         RetryConfig
}

type MediaConfig struct {
	FFmpegBin  string `env:"FFMPEG_BIN" env-default:"ffmpeg"`
	FFprobeBin string `env:"FFPROBE_BIN" env-default:"ffprobe"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}
	if cfg.MaxUpload <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", cfg.MaxUpload)
	}
	if cfg.Transcription.MaxChunkBytes <= 0 {
		return nil, fmt.Errorf("TRANSCRIBE_MAX_CHUNK_BYTES must be positive, got %d", cfg.Transcription.MaxChunkBytes)
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err.Error())
	}
	return cfg
}
