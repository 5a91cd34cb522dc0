package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"torrentjobs/internal/domain"
)

type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	Backend         string
	ConfigFile      string
	MongoURI        string // empty disables job history
	MongoDatabase   string
	MongoCollection string
	OTLPEndpoint    string
	TraceSampleRate float64

	DataDir            string
	MetafileDir        string
	PrivateDir         string
	ListenPort         int
	BindAddress        string
	EnableDHT          bool
	ConnectionLimit    int
	UploadRateLimit    int64
	DownloadRateLimit  int64
	MaxActiveUploads   int
	MaxActiveDownloads int
	MaxJobs            int // 0 = unlimited
	Workers            int
	DrainTimeout       time.Duration
	IdleCheckInterval  time.Duration

	ResumeSaveSchedule string // cron schedule; empty disables scheduled saves
	AutoShutdown       bool
	CORSAllowedOrigins []string
	RateLimitRPS       int64
}

func LoadConfig() Config {
	dataDir := getEnv("TORRENT_DATA_DIR", "data")
	return Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),
		Backend:         strings.ToLower(getEnv("BACKEND", "anacrolix")),
		ConfigFile:      getEnv("CONFIG_FILE", ""),
		MongoURI:        getEnv("MONGO_URI", ""),
		MongoDatabase:   getEnv("MONGO_DB", "torrentjobs"),
		MongoCollection: getEnv("MONGO_COLLECTION", "jobs"),
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRate: getEnvFloat("OTEL_TRACES_SAMPLE_RATE", 0.1),

		DataDir:            dataDir,
		MetafileDir:        getEnv("TORRENT_METAFILE_DIR", filepath.Join(dataDir, "metafiles")),
		PrivateDir:         getEnv("TORRENT_PRIVATE_DIR", filepath.Join(dataDir, ".private")),
		ListenPort:         int(getEnvInt64("TORRENT_LISTEN_PORT", 42069)),
		BindAddress:        getEnv("TORRENT_BIND_ADDRESS", ""),
		EnableDHT:          getEnvBool("TORRENT_ENABLE_DHT", true),
		ConnectionLimit:    int(getEnvInt64("TORRENT_CONNECTION_LIMIT", 0)),
		UploadRateLimit:    getEnvInt64("TORRENT_UPLOAD_RATE_LIMIT", 0),
		DownloadRateLimit:  getEnvInt64("TORRENT_DOWNLOAD_RATE_LIMIT", 0),
		MaxActiveUploads:   int(getEnvInt64("TORRENT_MAX_ACTIVE_UPLOADS", 0)),
		MaxActiveDownloads: int(getEnvInt64("TORRENT_MAX_ACTIVE_DOWNLOADS", 0)),
		MaxJobs:            int(getEnvInt64("TORRENT_MAX_JOBS", 0)),
		Workers:            int(getEnvInt64("ENGINE_WORKERS", int64(domain.DefaultWorkers))),
		DrainTimeout:       getEnvDuration("ENGINE_DRAIN_TIMEOUT", domain.DefaultDrainTimeout),
		IdleCheckInterval:  getEnvDuration("ENGINE_IDLE_CHECK_INTERVAL", 30*time.Second),

		ResumeSaveSchedule: getEnv("RESUME_SAVE_SCHEDULE", "@every 5m"),
		AutoShutdown:       getEnvBool("AUTO_SHUTDOWN", false),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		RateLimitRPS:       getEnvInt64("HTTP_RATE_LIMIT_RPS", 50),
	}
}

// EngineConfig builds the engine configuration from the host settings.
func (c Config) EngineConfig() domain.EngineConfig {
	return domain.EngineConfig{
		ConnectionLimit:    c.ConnectionLimit,
		UploadRateLimit:    c.UploadRateLimit,
		DownloadRateLimit:  c.DownloadRateLimit,
		MaxActiveUploads:   c.MaxActiveUploads,
		MaxActiveDownloads: c.MaxActiveDownloads,
		MaxJobs:            c.MaxJobs,
		DownloadDir:        c.DataDir,
		MetafileDir:        c.MetafileDir,
		PrivateDir:         c.PrivateDir,
		ListenPort:         c.ListenPort,
		BindAddress:        c.BindAddress,
		EnableDHT:          c.EnableDHT,
		Workers:            c.Workers,
		DrainTimeout:       c.DrainTimeout,
		IdleCheckInterval:  c.IdleCheckInterval,
	}
}

// fileConfig is the YAML overlay. Unset keys keep the environment values.
type fileConfig struct {
	Engine struct {
		DataDir            *string `yaml:"dataDir"`
		MetafileDir        *string `yaml:"metafileDir"`
		PrivateDir         *string `yaml:"privateDir"`
		ListenPort         *int    `yaml:"listenPort"`
		BindAddress        *string `yaml:"bindAddress"`
		EnableDHT          *bool   `yaml:"enableDHT"`
		ConnectionLimit    *int    `yaml:"connectionLimit"`
		UploadRateLimit    *int64  `yaml:"uploadRateLimit"`
		DownloadRateLimit  *int64  `yaml:"downloadRateLimit"`
		MaxActiveUploads   *int    `yaml:"maxActiveUploads"`
		MaxActiveDownloads *int    `yaml:"maxActiveDownloads"`
		MaxJobs            *int    `yaml:"maxJobs"`
		Workers            *int    `yaml:"workers"`
		DrainTimeout       *string `yaml:"drainTimeout"`
	} `yaml:"engine"`
	ResumeSaveSchedule *string `yaml:"resumeSaveSchedule"`
	AutoShutdown       *bool   `yaml:"autoShutdown"`
}

// ApplyFile overlays the YAML file at path onto c.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	e := fc.Engine
	setString(&c.DataDir, e.DataDir)
	setString(&c.MetafileDir, e.MetafileDir)
	setString(&c.PrivateDir, e.PrivateDir)
	setInt(&c.ListenPort, e.ListenPort)
	setString(&c.BindAddress, e.BindAddress)
	if e.EnableDHT != nil {
		c.EnableDHT = *e.EnableDHT
	}
	setInt(&c.ConnectionLimit, e.ConnectionLimit)
	if e.UploadRateLimit != nil {
		c.UploadRateLimit = *e.UploadRateLimit
	}
	if e.DownloadRateLimit != nil {
		c.DownloadRateLimit = *e.DownloadRateLimit
	}
	setInt(&c.MaxActiveUploads, e.MaxActiveUploads)
	setInt(&c.MaxActiveDownloads, e.MaxActiveDownloads)
	setInt(&c.MaxJobs, e.MaxJobs)
	setInt(&c.Workers, e.Workers)
	if e.DrainTimeout != nil {
		d, err := time.ParseDuration(*e.DrainTimeout)
		if err != nil {
			return fmt.Errorf("failed to parse config: drainTimeout: %w", err)
		}
		c.DrainTimeout = d
	}
	setString(&c.ResumeSaveSchedule, fc.ResumeSaveSchedule)
	if fc.AutoShutdown != nil {
		c.AutoShutdown = *fc.AutoShutdown
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
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

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
