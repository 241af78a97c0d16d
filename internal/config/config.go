// Package config centralizes how EchoScribe reads its settings. Values come
// from an optional YAML file (SCRIBE_CONFIG) and are then overridden by
// environment variables.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration shared by the API server, the
// worker and the scribe CLI. Each binary reads the fields it needs.
type Config struct {
	// Client side.
	APIURL        string        `yaml:"apiURL"`
	Token         string        `yaml:"token"`
	TokenFile     string        `yaml:"tokenFile"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	MaxPollRounds int           `yaml:"maxPollRounds"`
	HistoryLimit  int           `yaml:"historyLimit"`
	HTTPTimeout   time.Duration `yaml:"httpTimeout"`
	Languages     []string      `yaml:"languages"`

	// Server side.
	Address            string        `yaml:"address"`
	DatabaseURL        string        `yaml:"databaseURL"`
	RedisAddr          string        `yaml:"redisAddr"`
	RedisPassword      string        `yaml:"redisPassword"`
	RedisDB            int           `yaml:"redisDB"`
	S3Endpoint         string        `yaml:"s3Endpoint"`
	S3AccessKey        string        `yaml:"s3AccessKey"`
	S3SecretKey        string        `yaml:"s3SecretKey"`
	S3UseSSL           bool          `yaml:"s3UseSSL"`
	S3Region           string        `yaml:"s3Region"`
	AudioBucket        string        `yaml:"audioBucket"`
	TranscriptBucket   string        `yaml:"transcriptBucket"`
	MaxFileSize        int64         `yaml:"maxFileBytes"`
	PresignTTL         time.Duration `yaml:"presignTTL"`
	SigningSecret      []byte        `yaml:"-"`
	TokenTTL           time.Duration `yaml:"tokenTTL"`
	RateLimitPerMinute int           `yaml:"rateLimitPerMinute"`
	WorkerConcurrency  int           `yaml:"workers"`
	TranscribeCommand  []string      `yaml:"transcribeCommand"`

	// Job outcome email. SMTPAddr empty means mails are only logged.
	SMTPAddr       string        `yaml:"smtpAddr"`
	SMTPUser       string        `yaml:"smtpUser"`
	SMTPPassword   string        `yaml:"smtpPassword"`
	MailFrom       string        `yaml:"mailFrom"`
	DownloadURLTTL time.Duration `yaml:"downloadURLTTL"`
}

const (
	defaultAPIURL        = "http://localhost:8080"
	defaultPollInterval  = 4 * time.Second
	defaultMaxPollRounds = 150
	defaultHistoryLimit  = 20
	defaultHTTPTimeout   = 30 * time.Second
	defaultLanguages     = "en,hi,es"

	defaultAddress          = ":8080"
	defaultRedisAddr        = "127.0.0.1:6379"
	defaultS3Endpoint       = "localhost:9000"
	defaultS3Region         = "us-east-1"
	defaultAudioBucket      = "audio"
	defaultTranscriptBucket = "transcripts"
	defaultMaxFileSize      = 100 << 20 // 100 MiB
	defaultPresignTTL       = 15 * time.Minute
	defaultTokenTTL         = time.Hour
	defaultRateLimit        = 30
	defaultWorkerCount      = 2
	defaultTranscribeCmd    = "whisper-cli"
	defaultMailFrom         = "EchoScribe <no-reply@echoscribe.local>"
	defaultDownloadURLTTL   = 24 * time.Hour
)

// Load reads configuration from SCRIBE_CONFIG (when set) and environment
// variables, falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if path := readEnv("SCRIBE_CONFIG", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.APIURL = readEnv("SCRIBE_API_URL", orString(cfg.APIURL, defaultAPIURL))
	cfg.Token = readEnv("SCRIBE_TOKEN", cfg.Token)
	cfg.TokenFile = readEnv("SCRIBE_TOKEN_FILE", cfg.TokenFile)
	cfg.PollInterval = parseDuration("SCRIBE_POLL_INTERVAL", orDuration(cfg.PollInterval, defaultPollInterval))
	cfg.MaxPollRounds = parseInt("SCRIBE_MAX_POLL_ROUNDS", orInt(cfg.MaxPollRounds, defaultMaxPollRounds))
	cfg.HistoryLimit = parseInt("SCRIBE_HISTORY_LIMIT", orInt(cfg.HistoryLimit, defaultHistoryLimit))
	cfg.HTTPTimeout = parseDuration("SCRIBE_HTTP_TIMEOUT", orDuration(cfg.HTTPTimeout, defaultHTTPTimeout))
	cfg.Languages = parseList("SCRIBE_LANGUAGES", orList(cfg.Languages, defaultLanguages))

	cfg.Address = readEnv("SCRIBE_ADDRESS", orString(cfg.Address, defaultAddress))
	cfg.DatabaseURL = readEnv("SCRIBE_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = readEnv("SCRIBE_REDIS_ADDR", orString(cfg.RedisAddr, defaultRedisAddr))
	cfg.RedisPassword = readEnv("SCRIBE_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = parseInt("SCRIBE_REDIS_DB", cfg.RedisDB)
	cfg.S3Endpoint = readEnv("SCRIBE_S3_ENDPOINT", orString(cfg.S3Endpoint, defaultS3Endpoint))
	cfg.S3AccessKey = readEnv("SCRIBE_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = readEnv("SCRIBE_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UseSSL = parseBool("SCRIBE_S3_USE_SSL", cfg.S3UseSSL)
	cfg.S3Region = readEnv("SCRIBE_S3_REGION", orString(cfg.S3Region, defaultS3Region))
	cfg.AudioBucket = readEnv("SCRIBE_AUDIO_BUCKET", orString(cfg.AudioBucket, defaultAudioBucket))
	cfg.TranscriptBucket = readEnv("SCRIBE_TRANSCRIPT_BUCKET", orString(cfg.TranscriptBucket, defaultTranscriptBucket))
	cfg.MaxFileSize = parseInt64("SCRIBE_MAX_FILE_BYTES", cfg.MaxFileSize)
	cfg.PresignTTL = parseDuration("SCRIBE_PRESIGN_TTL", orDuration(cfg.PresignTTL, defaultPresignTTL))
	cfg.SigningSecret = parseSecret("SCRIBE_SIGNING_SECRET")
	cfg.TokenTTL = parseDuration("SCRIBE_TOKEN_TTL", orDuration(cfg.TokenTTL, defaultTokenTTL))
	cfg.RateLimitPerMinute = parseInt("SCRIBE_RATE_LIMIT", orInt(cfg.RateLimitPerMinute, defaultRateLimit))
	cfg.WorkerConcurrency = parseInt("SCRIBE_WORKERS", orInt(cfg.WorkerConcurrency, defaultWorkerCount))
	cfg.TranscribeCommand = parseFields("SCRIBE_TRANSCRIBE_CMD", cfg.TranscribeCommand, defaultTranscribeCmd)
	cfg.SMTPAddr = readEnv("SCRIBE_SMTP_ADDR", cfg.SMTPAddr)
	cfg.SMTPUser = readEnv("SCRIBE_SMTP_USER", cfg.SMTPUser)
	cfg.SMTPPassword = readEnv("SCRIBE_SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.MailFrom = readEnv("SCRIBE_MAIL_FROM", orString(cfg.MailFrom, defaultMailFrom))
	cfg.DownloadURLTTL = parseDuration("SCRIBE_DOWNLOAD_URL_TTL", orDuration(cfg.DownloadURLTTL, defaultDownloadURLTTL))

	if cfg.SigningSecret == nil {
		cfg.SigningSecret = randomSecret()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPollRounds <= 0 {
		cfg.MaxPollRounds = defaultMaxPollRounds
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = defaultDownloadURLTTL
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = defaultWorkerCount
	}
	if cfg.RateLimitPerMinute < 0 {
		cfg.RateLimitPerMinute = 0
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key, def string) []string {
	val := readEnv(key, def)
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFields(key string, current []string, def string) []string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.Fields(v)
	}
	if len(current) > 0 {
		return current
	}
	return strings.Fields(def)
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte("echoscribe-fallback-secret")
	}
	return buf
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return def
}

func orList(v []string, def string) string {
	if len(v) > 0 {
		return strings.Join(v, ",")
	}
	return def
}
