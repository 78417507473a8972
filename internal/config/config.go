package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaling backends.
const (
	BackendWebSocket = "websocket"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config holds all call agent configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Agent
	Env         string // "development" or "production"
	LogLevel    string
	ControlAddr string

	// Local participant. ParticipantID falls back to the token subject.
	ParticipantID string
	DisplayName   string
	AvatarURL     string

	// Signaling
	SignalingBackend string // "websocket", "redis" or "memory"
	SignalingURL     string
	SignalingToken   string
	RedisURL         string
	CandidateRate    float64

	// WebRTC / TURN
	ICESTUNURLs  []string
	ICETURNURLs  []string
	TURNUsername string
	TURNPassword string

	// Call timing
	MediaTimeout   time.Duration
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryBase      time.Duration
	RetryCap       time.Duration

	// Call history, optional
	DatabaseURL string

	// R2 diagnostics reports, optional
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Env:              getEnvOrDefault("APP_ENV", "development"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		ControlAddr:      getEnvOrDefault("CONTROL_ADDR", "127.0.0.1:7070"),
		SignalingBackend: getEnvOrDefault("SIGNALING_BACKEND", BackendWebSocket),
	}

	cfg.ParticipantID = os.Getenv("LOCAL_PARTICIPANT_ID")
	cfg.DisplayName = os.Getenv("LOCAL_DISPLAY_NAME")
	cfg.AvatarURL = os.Getenv("LOCAL_AVATAR_URL")

	cfg.SignalingURL = os.Getenv("SIGNALING_URL")
	cfg.SignalingToken = os.Getenv("SIGNALING_TOKEN")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	// WebRTC / TURN configuration
	cfg.ICESTUNURLs = splitEnv("ICE_STUN_URLS", "stun:stun.l.google.com:19302")
	cfg.ICETURNURLs = splitEnv("ICE_TURN_URLS", "")
	cfg.TURNUsername = os.Getenv("TURN_USERNAME")
	cfg.TURNPassword = os.Getenv("TURN_PASSWORD")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.R2AccountID = os.Getenv("R2_ACCOUNT_ID")
	cfg.R2AccessKeyID = os.Getenv("R2_ACCESS_KEY_ID")
	cfg.R2SecretAccessKey = os.Getenv("R2_SECRET_ACCESS_KEY")
	cfg.R2Bucket = os.Getenv("R2_BUCKET")

	var err error
	if cfg.CandidateRate, err = floatEnv("SIGNAL_CANDIDATE_RATE", 20); err != nil {
		return nil, err
	}
	if cfg.MediaTimeout, err = durationEnv("MEDIA_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = durationEnv("CONNECT_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryAttempts, err = intEnv("RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryBase, err = durationEnv("RETRY_BASE", time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryCap, err = durationEnv("RETRY_CAP", 8*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SignalingBackend {
	case BackendWebSocket:
		if c.SignalingURL == "" {
			return fmt.Errorf("SIGNALING_URL is required for the websocket backend")
		}
		if c.SignalingToken == "" && c.ParticipantID == "" {
			return fmt.Errorf("SIGNALING_TOKEN or LOCAL_PARTICIPANT_ID is required")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
		if c.ParticipantID == "" && c.SignalingToken == "" {
			return fmt.Errorf("SIGNALING_TOKEN or LOCAL_PARTICIPANT_ID is required")
		}
	case BackendMemory:
		if !c.IsDevelopment() {
			return fmt.Errorf("the memory signaling backend is for development only")
		}
	default:
		return fmt.Errorf("unknown SIGNALING_BACKEND %q", c.SignalingBackend)
	}
	if len(c.ICETURNURLs) > 0 && (c.TURNUsername == "" || c.TURNPassword == "") {
		return fmt.Errorf("TURN_USERNAME and TURN_PASSWORD are required with ICE_TURN_URLS")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}
	if c.MediaTimeout <= 0 || c.ConnectTimeout <= 0 {
		return fmt.Errorf("MEDIA_TIMEOUT and CONNECT_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// HistoryEnabled reports whether finished calls go to the database.
func (c *Config) HistoryEnabled() bool {
	return c.DatabaseURL != ""
}

// ReportsEnabled reports whether diagnostics reports go to R2.
func (c *Config) ReportsEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2Bucket != ""
}

// ICEServers returns the STUN servers plus, when configured, TURN with
// its credentials.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.ICESTUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICESTUNURLs})
	}
	if len(c.ICETURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.ICETURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return servers
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// splitEnv splits a comma-separated env var into a slice
func splitEnv(key, defaultVal string) []string {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func durationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
