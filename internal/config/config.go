package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds configuration shared by the candidate CLI and the rehearsal server.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"pretty"`

	// ─── Candidate ─────────────────────────────────────────────────────
	ExamServiceURL   string `env:"EXAM_SERVICE_URL" envDefault:"http://localhost:8080/api/v1"`
	RealtimeURL      string `env:"REALTIME_URL" envDefault:"ws://localhost:8080/ws/v1/exams"`
	CandidateToken   string `env:"CANDIDATE_TOKEN"`
	CandidateID      string `env:"CANDIDATE_ID"`
	CandidateName    string `env:"CANDIDATE_NAME"`
	CandidatePicture string `env:"CANDIDATE_PICTURE"`

	// DraftRedisURL selects the Redis-backed draft store. Empty keeps drafts in memory.
	DraftRedisURL string        `env:"DRAFT_REDIS_URL"`
	DraftTTL      time.Duration `env:"DRAFT_TTL" envDefault:"24h"`

	WaitingPollInterval time.Duration `env:"WAITING_POLL_INTERVAL" envDefault:"3s"`
	BlurDebounce        time.Duration `env:"BLUR_DEBOUNCE" envDefault:"500ms"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	ICEServers    []string `env:"ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	CaptureFile   string   `env:"CAPTURE_FILE"`
	CaptureWidth  int      `env:"CAPTURE_WIDTH" envDefault:"320"`
	CaptureHeight int      `env:"CAPTURE_HEIGHT" envDefault:"240"`
	CaptureFPS    int      `env:"CAPTURE_FPS" envDefault:"10"`

	// ─── Rehearsal server ──────────────────────────────────────────────
	ServerPort  string        `env:"SERVER_PORT" envDefault:"8080"`
	GinMode     string        `env:"GIN_MODE" envDefault:"debug"`
	RedisURL    string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	JWTSecret   string        `env:"JWT_SECRET" envDefault:"change-this-to-a-secure-random-string"`
	JWTExpiry   time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
	FixturePath string        `env:"FIXTURE_PATH" envDefault:"./fixtures/exams.yaml"`
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Load reads configuration from environment variables with defaults.
// A .env file is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	cfg.ICEServers = trimAll(cfg.ICEServers)
	return &cfg, nil
}

// trimAll drops blank entries and surrounding whitespace. Returns nil for an empty result.
func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
