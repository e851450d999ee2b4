// Package config centralizes environment-driven configuration and logger
// construction for the server process.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the server reads from the environment.
type Config struct {
	ListenAddr string

	NumWorkers     int
	MaxTotalPixels int
	ModelPath      string

	EnableBatching bool
	BatchTimeout   time.Duration
	MaxBatchSize   int

	// StartupStagger delays each worker's pipeline load by
	// worker_id * StartupStagger to avoid contention on device init.
	StartupStagger time.Duration

	LogLevel string
	LogFile  string

	StaticDir     string
	HistoryDBPath string

	// Prompt rewrite backend (OpenAI-compatible chat completions).
	PromptLLMURL    string
	PromptLLMAPIKey string
	PromptLLMModel  string
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		ListenAddr:      envString("LISTEN_ADDR", ":8000"),
		NumWorkers:      envInt("NUM_WORKER_PROCESSES", 1),
		MaxTotalPixels:  envInt("MAX_TOTAL_PIXELS", 1024*1024*4),
		ModelPath:       envString("MODEL_PATH", "/gm-models/CogView4-6B"),
		EnableBatching:  envBool("ENABLE_PROMPT_BATCHING", true),
		BatchTimeout:    envSeconds("BATCH_TIMEOUT", 500*time.Millisecond),
		MaxBatchSize:    envInt("MAX_BATCH_SIZE", 8),
		StartupStagger:  envSeconds("WORKER_STARTUP_STAGGER", 3*time.Second),
		LogLevel:        envString("LOG_LEVEL", "INFO"),
		LogFile:         envString("LOG_FILE", ""),
		StaticDir:       envString("STATIC_DIR", "static"),
		HistoryDBPath:   envString("HISTORY_DB_PATH", "cogview4.db"),
		PromptLLMURL:    envString("PROMPT_LLM_URL", "https://models.dev.ai-links.com/v1"),
		PromptLLMAPIKey: envString("PROMPT_LLM_API_KEY", ""),
		PromptLLMModel:  envString("PROMPT_LLM_MODEL", "glm-4-9b-chat"),
	}
}

// NewLogger builds the process logger. When LogFile is set the JSON handler
// writes to both stdout and the file. The returned closer is nil when no
// file is open.
func (c Config) NewLogger() (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer

	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: c.slogLevel()})
	return slog.New(handler), closer, nil
}

func (c Config) slogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}

// envSeconds parses a float number of seconds (BATCH_TIMEOUT=0.5).
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}
