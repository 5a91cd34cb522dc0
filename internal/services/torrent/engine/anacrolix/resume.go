package anacrolix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
)

const (
	resumeDirName   = "resume"
	manifestName    = "jobs.json"
	manifestVersion = 1
	metafileExt     = ".torrent"
)

type resumeEntry struct {
	ID     domain.JobID  `json:"id"`
	Source domain.Source `json:"source"`
	// Cached is the metainfo saved once metadata was known. Restoring from
	// it skips the metadata exchange.
	Cached string `json:"cached,omitempty"`
	Paused bool   `json:"paused,omitempty"`
}

type resumeManifest struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"savedAt"`
	Jobs    []resumeEntry `json:"jobs"`
}

func (s *session) resumeDir() string {
	return filepath.Join(s.cfg.PrivateDir, resumeDirName)
}

func (s *session) SaveState(ctx context.Context) error {
	dir := s.resumeDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create resume dir: %w", err)
	}

	s.mu.Lock()
	snapshot := make([]*job, 0, len(s.order))
	for _, id := range s.order {
		snapshot = append(snapshot, s.jobs[id])
	}
	s.mu.Unlock()

	manifest := resumeManifest{Version: manifestVersion, SavedAt: time.Now().UTC()}
	keep := make(map[string]struct{}, len(snapshot))
	for _, j := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := resumeEntry{ID: j.id, Source: j.source, Paused: j.paused.Load()}
		if torrentInfoReady(j.t) {
			path := filepath.Join(dir, string(j.id)+metafileExt)
			if _, err := os.Stat(path); err != nil {
				if err := writeMetainfo(path, j.t); err != nil {
					s.logger.Warn("resume metainfo write failed",
						slog.String("jobId", string(j.id)),
						slog.String("error", err.Error()),
					)
				}
			}
			if _, err := os.Stat(path); err == nil {
				entry.Cached = path
				keep[filepath.Base(path)] = struct{}{}
			}
		}
		manifest.Jobs = append(manifest.Jobs, entry)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestName), data); err != nil {
		return fmt.Errorf("write resume manifest: %w", err)
	}
	s.pruneResumeDir(dir, keep)
	s.logger.Debug("resume state saved", slog.Int("jobs", len(manifest.Jobs)))
	return nil
}

func (s *session) pruneResumeDir(dir string, keep map[string]struct{}) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metafileExt) {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func (s *session) LoadState(ctx context.Context) ([]ports.Handle, error) {
	manifest, err := readManifest(filepath.Join(s.resumeDir(), manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var handles []ports.Handle
	for _, entry := range manifest.Jobs {
		if err := ctx.Err(); err != nil {
			return handles, err
		}
		t, err := s.restore(entry)
		if err != nil {
			s.logger.Warn("resume entry skipped",
				slog.String("jobId", string(entry.ID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		id := domain.JobID(t.InfoHash().HexString())
		s.mu.Lock()
		if _, dup := s.jobs[id]; dup {
			s.mu.Unlock()
			continue
		}
		j := &job{id: id, t: t, source: entry.Source}
		j.paused.Store(entry.Paused)
		s.jobs[id] = j
		s.order = append(s.order, id)
		s.mu.Unlock()

		if entry.Paused {
			hardPause(t)
		}
		s.watchInfo(j)
		handles = append(handles, j)
	}

	s.mu.Lock()
	s.rebalanceLocked()
	s.mu.Unlock()
	s.logger.Info("resume state loaded", slog.Int("jobs", len(handles)))
	return handles, nil
}

func (s *session) restore(entry resumeEntry) (*torrent.Torrent, error) {
	if entry.Cached != "" {
		mi, err := metainfo.LoadFromFile(entry.Cached)
		if err == nil {
			return s.client.AddTorrent(mi)
		}
		s.logger.Warn("cached metainfo unreadable",
			slog.String("jobId", string(entry.ID)),
			slog.String("error", err.Error()),
		)
	}
	if err := entry.Source.Validate(); err != nil {
		return nil, err
	}
	if entry.Source.IsMagnet() {
		return s.client.AddMagnet(entry.Source.Magnet)
	}
	return s.client.AddTorrentFromFile(entry.Source.Metafile)
}

func readManifest(path string) (resumeManifest, error) {
	var manifest resumeManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, err
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("decode resume manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return manifest, fmt.Errorf("unsupported resume manifest version %d", manifest.Version)
	}
	return manifest, nil
}

func writeMetainfo(path string, t *torrent.Torrent) error {
	mi := t.Metainfo()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
