package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	WebhookSecret   string
	APIJWTSecret    string
	RateLimitRPS    float64
	RateLimitBurst  int
	DefaultOrgID    string
	PhoneOrgMapJSON string

	DoctorRosterFile   string
	DefaultSlotMinutes int
	DefaultTimezone    string
	LockTTL            time.Duration
	LockWait           time.Duration

	DedupWindow      time.Duration
	DedupMaxEntries  int
	SessionTTL       time.Duration
	SessionCacheSize int

	IVRMaxGatherAttempts int
	IVRGatherTimeout     time.Duration
	IVRVoice             string
	ClinicName           string
	ProvisionalHour      int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	RecordingsBucket    string
	TTSBucket           string
	PostCallQueueURL    string
	UseMemoryQueue      bool
	WorkerCount         int

	BedrockModelID       string
	GeminiAPIKey         string
	GeminiModelID        string
	LLMClassifierEnabled bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	OTLPEndpoint string
}

// Load reads configuration from a .env file (when present) and environment variables.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),
		APIJWTSecret:    getEnv("API_JWT_SECRET", ""),
		RateLimitRPS:    getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:  getEnvAsInt("RATE_LIMIT_BURST", 40),
		DefaultOrgID:    getEnv("DEFAULT_ORG_ID", ""),
		PhoneOrgMapJSON: getEnv("PHONE_ORG_MAP_JSON", ""),

		DoctorRosterFile:   getEnv("DOCTOR_ROSTER_FILE", ""),
		DefaultSlotMinutes: getEnvAsInt("DEFAULT_SLOT_MINUTES", 30),
		DefaultTimezone:    getEnv("DEFAULT_TIMEZONE", "UTC"),
		LockTTL:            getEnvAsDuration("LOCK_TTL", 5*time.Second),
		LockWait:           getEnvAsDuration("LOCK_WAIT", 3*time.Second),

		DedupWindow:      getEnvAsDuration("DEDUP_WINDOW", 24*time.Hour),
		DedupMaxEntries:  getEnvAsInt("DEDUP_MAX_ENTRIES", 10000),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		SessionCacheSize: getEnvAsInt("SESSION_CACHE_SIZE", 5000),

		IVRMaxGatherAttempts: getEnvAsInt("IVR_MAX_GATHER_ATTEMPTS", 3),
		IVRGatherTimeout:     getEnvAsDuration("IVR_GATHER_TIMEOUT", 6*time.Second),
		IVRVoice:             getEnv("IVR_VOICE", "Joanna"),
		ClinicName:           getEnv("CLINIC_NAME", ""),
		ProvisionalHour:      getEnvAsInt("IVR_PROVISIONAL_HOUR", 10),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		RecordingsBucket:    getEnv("RECORDINGS_BUCKET", ""),
		TTSBucket:           getEnv("TTS_BUCKET", ""),
		PostCallQueueURL:    getEnv("POSTCALL_QUEUE_URL", ""),
		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:         getEnvAsInt("WORKER_COUNT", 2),

		BedrockModelID:       getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:        getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		LLMClassifierEnabled: getEnvAsBool("LLM_CLASSIFIER_ENABLED", false),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// PhoneOrgMap decodes PHONE_ORG_MAP_JSON ({"+15550001111":"org-id"}).
func (c *Config) PhoneOrgMap() (map[string]string, error) {
	out := map[string]string{}
	raw := strings.TrimSpace(c.PhoneOrgMapJSON)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("config: PHONE_ORG_MAP_JSON: %w", err)
	}
	return out, nil
}

// Location resolves DEFAULT_TIMEZONE, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
