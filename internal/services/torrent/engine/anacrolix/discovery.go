package anacrolix

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
)

const discoveryStopWait = 2 * time.Second

// dhtDiscovery bootstraps the client's DHT servers and repeats the bootstrap
// on an interval while running.
type dhtDiscovery struct {
	client   *torrent.Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newDHTDiscovery(client *torrent.Client, interval time.Duration, logger *slog.Logger) *dhtDiscovery {
	return &dhtDiscovery{client: client, interval: interval, logger: logger}
}

func (d *dhtDiscovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(loopCtx, d.done)
	return nil
}

func (d *dhtDiscovery) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	d.bootstrap()
	if d.interval <= 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.bootstrap()
		}
	}
}

func (d *dhtDiscovery) bootstrap() {
	for _, srv := range d.client.DhtServers() {
		wrapper, ok := srv.(torrent.AnacrolixDhtServerWrapper)
		if !ok {
			continue
		}
		stats, err := wrapper.Bootstrap()
		if err != nil {
			d.logger.Warn("dht bootstrap failed", slog.String("error", err.Error()))
			continue
		}
		d.logger.Debug("dht bootstrap finished", slog.Any("stats", stats))
	}
}

// Stop ends the bootstrap loop. A bootstrap already in flight is left to
// finish on its own once the wait expires.
func (d *dhtDiscovery) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(discoveryStopWait):
		d.logger.Warn("dht bootstrap still running at stop")
	}
	return nil
}
