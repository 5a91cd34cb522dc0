package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/domain/ports"
)

var errClientBusy = errors.New("torrent client busy, try again later")

// job is the native handle of one admitted torrent.
type job struct {
	id     domain.JobID
	t      *torrent.Torrent
	source domain.Source
	paused atomic.Bool
}

func (j *job) JobID() domain.JobID { return j.id }

type session struct {
	cfg        domain.EngineConfig
	client     *torrent.Client
	store      storage.ClientImplCloser
	logger     *slog.Logger
	discovery  *dhtDiscovery
	addTimeout time.Duration

	mu    sync.Mutex
	jobs  map[domain.JobID]*job
	order []domain.JobID

	speedMu sync.Mutex
	speeds  map[domain.JobID]speedSample

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newSession(cfg domain.EngineConfig, client *torrent.Client, store storage.ClientImplCloser, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		cfg:        cfg,
		client:     client,
		store:      store,
		logger:     logger,
		addTimeout: defaultAddTimeout,
		jobs:       make(map[domain.JobID]*job),
		speeds:     make(map[domain.JobID]speedSample),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *session) Admit(ctx context.Context, src domain.Source) (ports.Handle, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	t, err := s.add(ctx, src)
	if err != nil {
		return nil, err
	}
	id := domain.JobID(t.InfoHash().HexString())

	s.mu.Lock()
	if existing, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	j := &job{id: id, t: t, source: src}
	s.jobs[id] = j
	s.order = append(s.order, id)
	s.rebalanceLocked()
	s.mu.Unlock()

	s.logger.Info("torrent admitted", slog.String("jobId", string(id)), slog.String("source", src.String()))
	s.watchInfo(j)
	return j, nil
}

// add runs the client call with a timeout so a busy client never blocks the
// caller. A torrent added after the caller gave up is dropped.
func (s *session) add(ctx context.Context, src domain.Source) (*torrent.Torrent, error) {
	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		var t *torrent.Torrent
		var err error
		if src.IsMagnet() {
			t, err = s.client.AddMagnet(src.Magnet)
		} else {
			t, err = s.client.AddTorrentFromFile(src.Metafile)
		}
		ch <- addResult{t, err}
	}()

	dropLate := func() {
		go func() {
			if res := <-ch; res.t != nil && !s.tracked(res.t) {
				res.t.Drop()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.t, nil
	case <-time.After(s.addTimeout):
		dropLate()
		return nil, errClientBusy
	case <-ctx.Done():
		dropLate()
		return nil, ctx.Err()
	}
}

func (s *session) tracked(t *torrent.Torrent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[domain.JobID(t.InfoHash().HexString())]
	return ok && j.t == t
}

// watchInfo starts downloading once metadata arrives and caches the metainfo.
func (s *session) watchInfo(j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-j.t.GotInfo():
		case <-j.t.Closed():
			return
		case <-s.ctx.Done():
			return
		}
		s.logger.Info("torrent metadata ready", slog.String("jobId", string(j.id)), slog.String("name", j.t.Name()))
		if err := s.cacheMetafile(j); err != nil {
			s.logger.Warn("metafile cache failed", slog.String("jobId", string(j.id)), slog.String("error", err.Error()))
		}
		if !j.paused.Load() {
			j.t.DownloadAll()
		}
		s.mu.Lock()
		s.rebalanceLocked()
		s.mu.Unlock()
	}()
}

func (s *session) cacheMetafile(j *job) error {
	if s.cfg.MetafileDir == "" {
		return nil
	}
	path := filepath.Join(s.cfg.MetafileDir, string(j.id)+".torrent")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeMetainfo(path, j.t)
}

func (s *session) Pause(ctx context.Context, h ports.Handle) error {
	j, err := s.lookup(h)
	if err != nil {
		return err
	}
	j.paused.Store(true)
	hardPause(j.t)
	s.mu.Lock()
	s.rebalanceLocked()
	s.mu.Unlock()
	return nil
}

func (s *session) Resume(ctx context.Context, h ports.Handle) error {
	j, err := s.lookup(h)
	if err != nil {
		return err
	}
	j.paused.Store(false)
	resumeTorrent(j.t, s.maxConns())
	s.mu.Lock()
	s.rebalanceLocked()
	s.mu.Unlock()
	return nil
}

func (s *session) Remove(ctx context.Context, h ports.Handle) error {
	j, err := s.lookup(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.removeLocked(j.id)
	s.rebalanceLocked()
	s.mu.Unlock()
	s.forgetSpeed(j.id)
	j.t.Drop()
	s.logger.Info("torrent removed", slog.String("jobId", string(j.id)))
	return nil
}

func (s *session) removeLocked(id domain.JobID) {
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *session) Status(h ports.Handle) (domain.JobStatus, error) {
	j, err := s.lookup(h)
	if err != nil {
		return "", err
	}
	return s.status(j), nil
}

func (s *session) status(j *job) domain.JobStatus {
	ready := torrentInfoReady(j.t)
	var length, done int64
	if ready {
		length = j.t.Length()
		done = j.t.BytesCompleted()
	}
	return deriveStatus(ready, j.paused.Load(), length, done)
}

func (s *session) Info(h ports.Handle) (domain.JobInfo, error) {
	j, err := s.lookup(h)
	if err != nil {
		return domain.JobInfo{}, err
	}
	info := domain.JobInfo{
		ID:     j.id,
		Name:   j.t.Name(),
		Status: s.status(j),
		Source: j.source,
	}
	if torrentInfoReady(j.t) {
		info.TotalBytes = j.t.Length()
		info.DoneBytes = j.t.BytesCompleted()
		if info.TotalBytes > 0 {
			info.Progress = float64(info.DoneBytes) / float64(info.TotalBytes)
		}
	}
	stats := j.t.Stats()
	info.Peers = stats.ActivePeers
	info.DownloadRate, info.UploadRate = s.sampleSpeed(j.id, stats, time.Now())
	return info, nil
}

func (s *session) Discovery() ports.PeerDiscovery {
	if s.discovery == nil {
		return nil
	}
	return s.discovery
}

func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close()...)
	}
	s.wg.Wait()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close torrent client: %w", errors.Join(errs...))
	}
	return nil
}

// lookup resolves a handle to a live job. Handles of removed or dropped
// torrents are reported as not found.
func (s *session) lookup(h ports.Handle) (*job, error) {
	j, ok := h.(*job)
	if !ok || j == nil {
		return nil, domain.ErrNotFound
	}
	s.mu.Lock()
	current, ok := s.jobs[j.id]
	s.mu.Unlock()
	if !ok || current != j {
		return nil, domain.ErrNotFound
	}
	select {
	case <-j.t.Closed():
		return nil, domain.ErrNotFound
	default:
	}
	return j, nil
}

func (s *session) maxConns() int {
	if s.cfg.ConnectionLimit > 0 {
		return s.cfg.ConnectionLimit
	}
	return defaultMaxConns
}

func deriveStatus(infoReady, paused bool, length, done int64) domain.JobStatus {
	complete := infoReady && length > 0 && done >= length
	switch {
	case complete:
		return domain.JobCompleted
	case paused:
		return domain.JobPaused
	case !infoReady:
		return domain.JobPending
	default:
		return domain.JobDownloading
	}
}

// hardPause prevents all network activity for a torrent by disallowing data
// transfer and dropping every peer connection.
func hardPause(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

func resumeTorrent(t *torrent.Torrent, maxConns int) {
	if t == nil {
		return
	}
	t.SetMaxEstablishedConns(maxConns)
	t.AllowDataUpload()
	t.AllowDataDownload()
	if torrentInfoReady(t) {
		t.DownloadAll()
	}
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (s *session) sampleSpeed(id domain.JobID, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	s.speedMu.Lock()
	defer s.speedMu.Unlock()

	prev, ok := s.speeds[id]
	s.speeds[id] = speedSample{at: now, bytesRead: currentRead, bytesWritten: currentWritten}
	if !ok {
		return 0, 0
	}
	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	download := int64(float64(max(currentRead-prev.bytesRead, 0)) / dt)
	upload := int64(float64(max(currentWritten-prev.bytesWritten, 0)) / dt)
	return download, upload
}

func (s *session) forgetSpeed(id domain.JobID) {
	s.speedMu.Lock()
	delete(s.speeds, id)
	s.speedMu.Unlock()
}
