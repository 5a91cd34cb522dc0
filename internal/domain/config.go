package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultWorkers      = 2
	DefaultDrainTimeout = 10 * time.Second
)

// EngineConfig describes the limits and directories of a job engine. The
// engine copies it on Initialize; later changes by the caller have no effect.
type EngineConfig struct {
	ConnectionLimit    int
	UploadRateLimit    int64 // bytes/sec, 0 = unlimited
	DownloadRateLimit  int64 // bytes/sec, 0 = unlimited
	MaxActiveUploads   int
	MaxActiveDownloads int
	MaxJobs            int // 0 = unlimited

	DownloadDir string
	MetafileDir string
	PrivateDir  string

	ListenPort  int
	BindAddress string
	EnableDHT   bool

	Workers           int
	DrainTimeout      time.Duration
	IdleCheckInterval time.Duration
}

// WithDefaults fills unset runtime knobs.
func (c EngineConfig) WithDefaults() EngineConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

func (c EngineConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DownloadDir) == "" {
		problems = append(problems, "download dir is required")
	}
	if strings.TrimSpace(c.PrivateDir) == "" {
		problems = append(problems, "private dir is required")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		problems = append(problems, fmt.Sprintf("listen port %d out of range", c.ListenPort))
	}
	if c.ConnectionLimit < 0 || c.MaxActiveUploads < 0 || c.MaxActiveDownloads < 0 || c.MaxJobs < 0 {
		problems = append(problems, "limits must not be negative")
	}
	if c.UploadRateLimit < 0 || c.DownloadRateLimit < 0 {
		problems = append(problems, "rate limits must not be negative")
	}
	if c.Workers < 0 {
		problems = append(problems, "workers must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
