// Package anacrolix implements the native backend on top of
// github.com/anacrolix/torrent.
package anacrolix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"golang.org/x/time/rate"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
)

// defaultMaxConns is restored when resuming a hard-paused torrent and no
// connection limit is configured.
const defaultMaxConns = 35

// minLimiterBurst keeps rate limiters usable for whole 16 KiB chunks.
const minLimiterBurst = 64 << 10

const (
	defaultAddTimeout        = 10 * time.Second
	defaultRebalanceInterval = 5 * time.Second
	defaultBootstrapInterval = 15 * time.Minute
)

type Backend struct {
	logger            *slog.Logger
	addTimeout        time.Duration
	rebalanceInterval time.Duration
	bootstrapInterval time.Duration
}

type Option func(*Backend)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithAddTimeout caps how long an admission waits for the client to accept
// a torrent.
func WithAddTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.addTimeout = d
		}
	}
}

func WithBootstrapInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.bootstrapInterval = d
		}
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{
		logger:            slog.Default(),
		addTimeout:        defaultAddTimeout,
		rebalanceInterval: defaultRebalanceInterval,
		bootstrapInterval: defaultBootstrapInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "anacrolix" }

func (b *Backend) Open(ctx context.Context, cfg domain.EngineConfig) (ports.NativeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.DownloadDir, cfg.PrivateDir, cfg.MetafileDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	completion, err := storage.NewDefaultPieceCompletionForDir(cfg.PrivateDir)
	if err != nil {
		return nil, fmt.Errorf("open piece completion: %w", err)
	}
	store := storage.NewFileWithCompletion(cfg.DownloadDir, completion)

	cc := clientConfig(cfg)
	cc.DefaultStorage = store
	client, err := torrent.NewClient(cc)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create torrent client: %w", err)
	}

	s := newSession(cfg, client, store, b.logger)
	s.addTimeout = b.addTimeout
	if cfg.EnableDHT {
		s.discovery = newDHTDiscovery(client, b.bootstrapInterval, b.logger)
	}
	s.startRebalancer(b.rebalanceInterval)
	b.logger.Info("torrent client started",
		slog.String("downloadDir", cfg.DownloadDir),
		slog.Int("listenPort", cfg.ListenPort),
		slog.Bool("dht", cfg.EnableDHT),
	)
	return s, nil
}

func clientConfig(cfg domain.EngineConfig) *torrent.ClientConfig {
	cc := torrent.NewDefaultClientConfig()
	cc.DataDir = cfg.DownloadDir
	cc.ListenPort = cfg.ListenPort
	if cfg.BindAddress != "" {
		host := cfg.BindAddress
		cc.ListenHost = func(string) string { return host }
	}
	cc.NoDHT = !cfg.EnableDHT
	cc.Seed = true
	if cfg.ConnectionLimit > 0 {
		cc.EstablishedConnsPerTorrent = cfg.ConnectionLimit
	}
	if cfg.UploadRateLimit > 0 {
		cc.UploadRateLimiter = newLimiter(cfg.UploadRateLimit)
	}
	if cfg.DownloadRateLimit > 0 {
		cc.DownloadRateLimiter = newLimiter(cfg.DownloadRateLimit)
	}
	return cc
}

func newLimiter(bytesPerSec int64) *rate.Limiter {
	burst := int(bytesPerSec)
	if burst < minLimiterBurst {
		burst = minLimiterBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
