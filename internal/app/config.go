package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	TrackerURL           string
	TrackerTimeout       time.Duration
	TrackerAliasRevision string
	DescriptorCacheTTL   time.Duration
	RedisURL             string

	HubEndpoint string
	HubToken    string
	HubCacheDir string

	DataDir   string // root for on-demand downloads
	SeedDir   string // persistent root for seeding sessions
	ResumeDir string

	ListenPort      int
	SeederMode      bool
	DownloadTimeout time.Duration
	MetadataWait    time.Duration
	MonitorInterval time.Duration
	ResumeInterval  time.Duration
	SeedDuration    time.Duration // 0 = seed until stopped

	MongoURI        string // empty disables session history
	MongoDatabase   string
	MongoCollection string

	MaxConcurrentFiles int
	DaemonAddr         string
}

func LoadConfig() Config {
	hubCache := getEnv("HF_HUB_CACHE", defaultHubCache())
	stateRoot := filepath.Join(filepath.Dir(hubCache), "modelswarm")

	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", "127.0.0.1:8090"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		TrackerURL:           strings.TrimRight(getEnv("TRACKER_URL", getEnv("HF_P2P_TRACKER", "http://localhost:8080")), "/"),
		TrackerTimeout:       getEnvSeconds("TRACKER_TIMEOUT_SECONDS", 10),
		TrackerAliasRevision: getEnv("TRACKER_ALIAS_REVISION", "main"),
		DescriptorCacheTTL:   getEnvSeconds("DESCRIPTOR_CACHE_TTL_SECONDS", 300),
		RedisURL:             getEnv("REDIS_URL", ""),

		HubEndpoint: strings.TrimRight(getEnv("HF_ENDPOINT", "https://huggingface.co"), "/"),
		HubToken:    getEnv("HF_TOKEN", ""),
		HubCacheDir: hubCache,

		DataDir:   getEnv("DATA_DIR", filepath.Join(os.TempDir(), "modelswarm")),
		SeedDir:   getEnv("SEED_DIR", filepath.Join(stateRoot, "seed")),
		ResumeDir: getEnv("RESUME_DIR", filepath.Join(stateRoot, "resume")),

		ListenPort:      int(getEnvInt64("LISTEN_PORT", 6881)),
		SeederMode:      getEnvBool("SEEDER_MODE", true),
		DownloadTimeout: getEnvSeconds("P2P_TIMEOUT_SECONDS", 300),
		MetadataWait:    getEnvSeconds("METADATA_WAIT_SECONDS", 5),
		MonitorInterval: time.Duration(getEnvInt64("MONITOR_INTERVAL_MS", 1000)) * time.Millisecond,
		ResumeInterval:  getEnvSeconds("RESUME_INTERVAL_SECONDS", 5),
		SeedDuration:    getEnvSeconds("SEED_DURATION_SECONDS", 0),

		MongoURI:        getEnv("MONGO_URI", ""),
		MongoDatabase:   getEnv("MONGO_DB", "modelswarm"),
		MongoCollection: getEnv("MONGO_COLLECTION", "sessions"),

		MaxConcurrentFiles: int(getEnvInt64("MAX_CONCURRENT_FILES", 8)),
		DaemonAddr:         strings.TrimRight(getEnv("DAEMON_ADDR", "http://localhost:8090"), "/"),
	}
}

func defaultHubCache() string {
	if hfHome := os.Getenv("HF_HOME"); hfHome != "" {
		return filepath.Join(hfHome, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvSeconds(key string, fallback int64) time.Duration {
	return time.Duration(getEnvInt64(key, fallback)) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
