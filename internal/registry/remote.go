package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"splinter/internal/circuit"
	"splinter/internal/observability/metrics"
	"splinter/storage"
)

// RemoteYamlRegistry wraps a LocalYamlRegistry whose backing file is a
// deterministic local cache of a remote URL's contents, keyed by
// SHA256(url) per spec.md §4.5. Two independent background timers may
// refresh it: automaticRefreshPeriod on a schedule, forcedRefreshPeriod
// lazily on the next read once elapsed. The last-successful-refresh
// timestamp is durable across restarts in a storage.Database so a forced
// refresh doesn't fire on every process start.
type RemoteYamlRegistry struct {
	url    string
	client *http.Client
	logger *slog.Logger

	cache *LocalYamlRegistry
	meta  storage.Database

	mu               sync.Mutex
	lastSuccess      time.Time
	forcedRefresh    time.Duration
	automaticRefresh time.Duration

	stop chan struct{}
}

func metaKey(url string) []byte {
	sum := sha256.Sum256([]byte(url))
	return []byte("registry_last_refresh:" + hex.EncodeToString(sum[:]))
}

// CachePath returns the deterministic cache file path for url under dir,
// named remote_registry_<sha256>.yaml per spec.md §6's persistent state
// layout.
func CachePath(dir, url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(dir, fmt.Sprintf("remote_registry_%s.yaml", hex.EncodeToString(sum[:])))
}

// NewRemoteYamlRegistry constructs the registry and attempts one
// synchronous fetch; a failed initial fetch is logged, not fatal, and the
// registry serves an empty set (or a stale cache file already on disk)
// until a later refresh succeeds.
func NewRemoteYamlRegistry(ctx context.Context, stateDir, url string, automaticRefresh, forcedRefresh time.Duration, logger *slog.Logger) (*RemoteYamlRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := CachePath(stateDir, url)
	local, err := NewLocalYamlRegistry(path, logger)
	if err != nil {
		return nil, err
	}
	meta, err := storage.NewLevelDB(filepath.Join(stateDir, "registry-meta"))
	if err != nil {
		return nil, fmt.Errorf("registry: open refresh metadata store: %w", err)
	}
	r := &RemoteYamlRegistry{
		url:              url,
		client:           &http.Client{Timeout: 10 * time.Second},
		logger:           logger,
		cache:            local,
		meta:             meta,
		forcedRefresh:    forcedRefresh,
		automaticRefresh: automaticRefresh,
		stop:             make(chan struct{}),
	}
	if raw, err := meta.Get(metaKey(url)); err == nil {
		if nanos, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			r.lastSuccess = time.Unix(0, nanos)
		}
	}
	if err := r.refresh(ctx); err != nil {
		metrics.Registry().RecordRefresh("initial", err)
		r.logger.Warn("registry: initial remote fetch failed", "url", url, "error", err)
	} else {
		metrics.Registry().RecordRefresh("initial", nil)
	}
	if automaticRefresh > 0 {
		go r.runAutomaticRefresh(ctx)
	}
	return r, nil
}

// Close stops the background refresh goroutine and the metadata store.
func (r *RemoteYamlRegistry) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.meta.Close()
}

// runAutomaticRefresh wakes every automaticRefresh period and refreshes the
// cache; it polls a one-second tick against r.stop so shutdown is prompt,
// mirroring spec.md §4.5's "checks a running flag every second".
func (r *RemoteYamlRegistry) runAutomaticRefresh(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var elapsed time.Duration
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += time.Second
			if elapsed < r.automaticRefresh {
				continue
			}
			elapsed = 0
			err := r.refresh(ctx)
			metrics.Registry().RecordRefresh("automatic", err)
			if err != nil {
				r.logger.Warn("registry: automatic refresh failed", "url", r.url, "error", err)
			}
		}
	}
}

func (r *RemoteYamlRegistry) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("registry: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: fetch %s: status %d", r.url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("registry: read response: %w", err)
	}
	if err := os.WriteFile(r.cache.path, body, 0o644); err != nil {
		return fmt.Errorf("registry: write cache file: %w", err)
	}
	if err := r.cache.reload(); err != nil {
		return fmt.Errorf("registry: reload cache: %w", err)
	}
	now := time.Now()
	r.mu.Lock()
	r.lastSuccess = now
	r.mu.Unlock()
	if err := r.meta.Put(metaKey(r.url), []byte(strconv.FormatInt(now.UnixNano(), 10))); err != nil {
		r.logger.Warn("registry: persist refresh metadata failed", "url", r.url, "error", err)
	}
	return nil
}

// maybeForceRefresh synchronously refreshes if forcedRefresh has elapsed
// since the last successful refresh, per spec.md §4.5.
func (r *RemoteYamlRegistry) maybeForceRefresh(ctx context.Context) {
	if r.forcedRefresh <= 0 {
		return
	}
	r.mu.Lock()
	due := r.lastSuccess.IsZero() || time.Since(r.lastSuccess) >= r.forcedRefresh
	r.mu.Unlock()
	if !due {
		return
	}
	err := r.refresh(ctx)
	metrics.Registry().RecordRefresh("forced", err)
	if err != nil {
		r.logger.Warn("registry: forced refresh failed", "url", r.url, "error", err)
	}
}

func (r *RemoteYamlRegistry) Node(nodeID string) (circuit.Node, bool, error) {
	r.maybeForceRefresh(context.Background())
	return r.cache.Node(nodeID)
}

func (r *RemoteYamlRegistry) Nodes() ([]circuit.Node, error) {
	r.maybeForceRefresh(context.Background())
	return r.cache.Nodes()
}
