package anacrolix

import (
	"context"
	"testing"
	"time"

	"torrentjobs/internal/domain"
)

func TestClientConfigMapping(t *testing.T) {
	cfg := domain.EngineConfig{
		DownloadDir:       "/data",
		PrivateDir:        "/private",
		ListenPort:        42069,
		BindAddress:       "127.0.0.1",
		ConnectionLimit:   20,
		UploadRateLimit:   1 << 20,
		DownloadRateLimit: 1 << 10,
	}
	cc := clientConfig(cfg)

	if cc.DataDir != "/data" {
		t.Fatalf("DataDir = %q", cc.DataDir)
	}
	if cc.ListenPort != 42069 {
		t.Fatalf("ListenPort = %d", cc.ListenPort)
	}
	if cc.ListenHost == nil || cc.ListenHost("tcp") != "127.0.0.1" {
		t.Fatalf("ListenHost not bound to configured address")
	}
	if !cc.NoDHT {
		t.Fatalf("NoDHT should follow EnableDHT=false")
	}
	if !cc.Seed {
		t.Fatalf("Seed should be enabled")
	}
	if cc.EstablishedConnsPerTorrent != 20 {
		t.Fatalf("EstablishedConnsPerTorrent = %d", cc.EstablishedConnsPerTorrent)
	}
	if cc.UploadRateLimiter == nil || int64(cc.UploadRateLimiter.Limit()) != 1<<20 {
		t.Fatalf("upload limiter not configured")
	}
	if cc.DownloadRateLimiter == nil || cc.DownloadRateLimiter.Burst() != minLimiterBurst {
		t.Fatalf("download limiter burst = %v", cc.DownloadRateLimiter)
	}
}

func TestClientConfigLeavesDefaultsWhenUnlimited(t *testing.T) {
	defaults := clientConfig(domain.EngineConfig{EnableDHT: true})
	if defaults.NoDHT {
		t.Fatalf("DHT should be enabled")
	}
	if defaults.EstablishedConnsPerTorrent <= 0 {
		t.Fatalf("default connection limit lost: %d", defaults.EstablishedConnsPerTorrent)
	}
}

func TestNewLimiterBurst(t *testing.T) {
	if got := newLimiter(10).Burst(); got != minLimiterBurst {
		t.Fatalf("burst = %d", got)
	}
	if got := newLimiter(1 << 22).Burst(); got != 1<<22 {
		t.Fatalf("burst = %d", got)
	}
}

func TestNewBackendOptions(t *testing.T) {
	b := New(WithAddTimeout(3*time.Second), WithBootstrapInterval(time.Minute), WithLogger(nil))
	if b.Name() != "anacrolix" {
		t.Fatalf("Name = %q", b.Name())
	}
	if b.addTimeout != 3*time.Second || b.bootstrapInterval != time.Minute {
		t.Fatalf("options not applied: %+v", b)
	}
	if b.logger == nil {
		t.Fatalf("nil logger option should keep default")
	}
}

func TestOpenHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Open(ctx, domain.EngineConfig{DownloadDir: t.TempDir(), PrivateDir: t.TempDir()}); err == nil {
		t.Fatalf("expected context error")
	}
}
