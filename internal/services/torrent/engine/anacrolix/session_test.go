package anacrolix

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent"

	"torrentjobs/internal/domain"
)

func newTestSession(cfg domain.EngineConfig) *session {
	return newSession(cfg, nil, nil, slog.Default())
}

func TestSampleSpeedFirstCallZero(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	download, upload := s.sampleSpeed("j1", statsWithCounts(100, 50), now)
	if download != 0 || upload != 0 {
		t.Fatalf("expected 0 speeds, got %d/%d", download, upload)
	}
}

func TestSampleSpeedDelta(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = s.sampleSpeed("j1", statsWithCounts(100, 50), start)

	download, upload := s.sampleSpeed("j1", statsWithCounts(1100, 450), start.Add(2*time.Second))
	if download != 500 {
		t.Fatalf("download = %d", download)
	}
	if upload != 200 {
		t.Fatalf("upload = %d", upload)
	}
}

func TestSampleSpeedNonPositiveDelta(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = s.sampleSpeed("j1", statsWithCounts(100, 50), now)

	download, upload := s.sampleSpeed("j1", statsWithCounts(200, 100), now)
	if download != 0 || upload != 0 {
		t.Fatalf("expected 0 speeds, got %d/%d", download, upload)
	}
}

func TestSampleSpeedCounterReset(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = s.sampleSpeed("j1", statsWithCounts(1000, 1000), start)

	download, upload := s.sampleSpeed("j1", statsWithCounts(10, 10), start.Add(time.Second))
	if download != 0 || upload != 0 {
		t.Fatalf("expected clamped speeds, got %d/%d", download, upload)
	}
}

func TestForgetSpeed(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	_, _ = s.sampleSpeed("j1", statsWithCounts(100, 50), now)
	s.forgetSpeed("j1")

	download, _ := s.sampleSpeed("j1", statsWithCounts(5000, 50), now.Add(time.Second))
	if download != 0 {
		t.Fatalf("expected fresh sample after forget, got %d", download)
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name         string
		ready        bool
		paused       bool
		length, done int64
		want         domain.JobStatus
	}{
		{"awaiting metadata", false, false, 0, 0, domain.JobPending},
		{"paused before metadata", false, true, 0, 0, domain.JobPaused},
		{"downloading", true, false, 100, 10, domain.JobDownloading},
		{"paused", true, true, 100, 10, domain.JobPaused},
		{"complete", true, false, 100, 100, domain.JobCompleted},
		{"complete while paused", true, true, 100, 100, domain.JobCompleted},
		{"empty torrent", true, false, 0, 0, domain.JobDownloading},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveStatus(tt.ready, tt.paused, tt.length, tt.done); got != tt.want {
				t.Fatalf("deriveStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTorrentInfoReadyNil(t *testing.T) {
	if torrentInfoReady(nil) {
		t.Fatalf("nil torrent reported ready")
	}
	hardPause(nil)
	resumeTorrent(nil, defaultMaxConns)
}

func TestLookupRejectsUnknownHandles(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})

	if _, err := s.lookup(nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("nil handle: %v", err)
	}
	if _, err := s.lookup(&job{id: "gone"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown job: %v", err)
	}
	if _, err := s.Status(&job{id: "gone"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("status of unknown job: %v", err)
	}
}

func TestRemoveLockedKeepsOrder(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	for _, id := range []domain.JobID{"a", "b", "c"} {
		s.jobs[id] = &job{id: id}
		s.order = append(s.order, id)
	}
	s.removeLocked("b")
	if len(s.jobs) != 2 || len(s.order) != 2 || s.order[0] != "a" || s.order[1] != "c" {
		t.Fatalf("unexpected state: jobs=%d order=%v", len(s.jobs), s.order)
	}
}

func TestMaxConns(t *testing.T) {
	if got := newTestSession(domain.EngineConfig{}).maxConns(); got != defaultMaxConns {
		t.Fatalf("maxConns = %d", got)
	}
	if got := newTestSession(domain.EngineConfig{ConnectionLimit: 8}).maxConns(); got != 8 {
		t.Fatalf("maxConns = %d", got)
	}
}

func TestCloseWithoutClientIsIdempotent(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-s.ctx.Done():
	default:
		t.Fatalf("background context not cancelled")
	}
}

func TestDiscoveryNilWhenDHTDisabled(t *testing.T) {
	s := newTestSession(domain.EngineConfig{})
	if s.Discovery() != nil {
		t.Fatalf("expected nil discovery")
	}
}

func TestDiscoveryStopWithoutStart(t *testing.T) {
	d := newDHTDiscovery(nil, time.Minute, slog.Default())
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// ---------------------------------------------------------------------------
// resume state
// ---------------------------------------------------------------------------

func TestLoadStateWithoutManifest(t *testing.T) {
	s := newTestSession(domain.EngineConfig{PrivateDir: t.TempDir()})
	handles, err := s.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("expected no handles, got %d", len(handles))
	}
}

func TestSaveStateWithNoJobsWritesManifest(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(domain.EngineConfig{PrivateDir: dir})

	stale := filepath.Join(dir, resumeDirName, "deadbeef"+metafileExt)
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveState(context.Background()); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	manifest, err := readManifest(filepath.Join(dir, resumeDirName, manifestName))
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if manifest.Version != manifestVersion || len(manifest.Jobs) != 0 {
		t.Fatalf("unexpected manifest %+v", manifest)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale metainfo not pruned: %v", err)
	}
}

func TestReadManifestRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), manifestName)
	if err := writeFileAtomic(path, []byte(`{"version":99,"jobs":[]}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := readManifest(path); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestReadManifestEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), manifestName)
	body := `{"version":1,"jobs":[{"id":"abc","source":{"magnet":"magnet:?xt=urn:btih:abc"},"paused":true}]}`
	if err := writeFileAtomic(path, []byte(body)); err != nil {
		t.Fatal(err)
	}
	manifest, err := readManifest(path)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if len(manifest.Jobs) != 1 {
		t.Fatalf("jobs = %d", len(manifest.Jobs))
	}
	entry := manifest.Jobs[0]
	if entry.ID != "abc" || !entry.Paused || !entry.Source.IsMagnet() || entry.Cached != "" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func statsWithCounts(read, written int64) torrent.TorrentStats {
	var stats torrent.TorrentStats
	stats.BytesReadUsefulData.Add(read)
	stats.BytesWrittenData.Add(written)
	return stats
}
