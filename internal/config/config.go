package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret         string
	AdminPasswordHash string

	WorkerConcurrency int
	RateLimitMax      int
	RateLimitWindow   time.Duration
	RetryAttempts     int
	RetryBackoff      time.Duration
	QuotaCooldown     time.Duration
	DedupWindow       time.Duration
	ExecTimeout       time.Duration
	StallTimeout      time.Duration
	StatsInterval     time.Duration
	HistoryCompleted  int
	HistoryFailed     int
	OutputTailLines   int

	WebhookSecret string
	TriggerPhrase string

	AgentCommand     string
	AgentArgs        []string
	WorkspaceRoot    string
	TaskTemplateFile string

	LogLevel string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          getenv("DATABASE_URL", "sqlite://taskpilot.db"),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		JWTSecret:            getenv("JWT_SECRET", ""),
		AdminPasswordHash:    getenv("ADMIN_PASSWORD_HASH", ""),
		WebhookSecret:        getenv("WEBHOOK_SECRET", ""),
		TriggerPhrase:        getenv("TRIGGER_PHRASE", "@agent"),
		AgentCommand:         getenv("AGENT_COMMAND", "claude"),
		AgentArgs:            strings.Fields(getenv("AGENT_ARGS", "-p")),
		WorkspaceRoot:        getenv("WORKSPACE_ROOT", "./workspaces"),
		TaskTemplateFile:     getenv("TASK_TEMPLATE_FILE", ""),
		LogLevel:             getenv("LOG_LEVEL", "info"),
	}
	cfg.CORSAllowedOrigins = splitList(getenv("CORS_ALLOWED_ORIGINS", ""))

	p := parser{}
	cfg.WorkerConcurrency = p.int("WORKER_CONCURRENCY", 2)
	cfg.RateLimitMax = p.int("RATE_LIMIT_MAX", 50)
	cfg.RateLimitWindow = p.duration("RATE_LIMIT_WINDOW", time.Minute)
	cfg.RetryAttempts = p.int("RETRY_ATTEMPTS", 3)
	cfg.RetryBackoff = p.duration("RETRY_BACKOFF", time.Minute)
	cfg.QuotaCooldown = p.duration("QUOTA_COOLDOWN", time.Hour)
	cfg.DedupWindow = p.duration("DEDUP_WINDOW", time.Hour)
	cfg.ExecTimeout = p.duration("EXEC_TIMEOUT", 30*time.Minute)
	cfg.StallTimeout = p.duration("STALL_TIMEOUT", 5*time.Minute)
	cfg.StatsInterval = p.duration("STATS_INTERVAL", 5*time.Second)
	cfg.HistoryCompleted = p.int("HISTORY_COMPLETED", 50)
	cfg.HistoryFailed = p.int("HISTORY_FAILED", 100)
	cfg.OutputTailLines = p.int("OUTPUT_TAIL_LINES", 1000)
	if p.err != nil {
		return Config{}, p.err
	}

	return cfg, cfg.Validate()
}

// Validate rejects values that would stall the queue or the pool.
func (c Config) Validate() error {
	switch {
	case c.WorkerConcurrency < 1:
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency)
	case c.RateLimitMax < 1:
		return fmt.Errorf("RATE_LIMIT_MAX must be >= 1, got %d", c.RateLimitMax)
	case c.RateLimitWindow <= 0:
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	case c.RetryAttempts < 1:
		return fmt.Errorf("RETRY_ATTEMPTS must be >= 1, got %d", c.RetryAttempts)
	case c.QuotaCooldown <= 0, c.DedupWindow <= 0, c.ExecTimeout <= 0, c.StallTimeout <= 0, c.StatsInterval <= 0:
		return fmt.Errorf("durations must be positive")
	case c.OutputTailLines < 1:
		return fmt.Errorf("OUTPUT_TAIL_LINES must be >= 1, got %d", c.OutputTailLines)
	case c.AgentCommand == "":
		return fmt.Errorf("AGENT_COMMAND is required")
	}
	return nil
}

type parser struct {
	err error
}

func (p *parser) int(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
