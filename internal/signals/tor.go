package signals

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/stepguard/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Confidence describes how current the data behind a signal is
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceNone   Confidence = "NONE"
)

const (
	torRefreshKey   = "tor-exit-refresh"
	maxTorListBytes = 16 << 20
)

var errTorSourcesFailed = errors.New("all tor exit list sources failed")

// DefaultTorSources are plain-text exit lists, one address per line
var DefaultTorSources = []string{
	"https://check.torproject.org/torbulkexitlist",
	"https://www.dan.me.uk/torlist/?exit",
}

// TorNodeRepository persists the exit-node snapshot so restarts and other
// instances can reuse it
type TorNodeRepository interface {
	SaveExitNodes(ctx context.Context, ips []string, fetchedAt time.Time) error
	LoadExitNodes(ctx context.Context) ([]string, time.Time, error)
}

// TorConfig configures the exit-list cache
type TorConfig struct {
	Sources       []string
	TTL           time.Duration
	FetchTimeout  time.Duration
	RetryBackoff  time.Duration
	// ColdStartWait bounds how long a lookup waits for the first snapshot.
	// The refresh keeps running after the wait gives up.
	ColdStartWait time.Duration
}

// DefaultTorConfig returns a 6 hour TTL with 5 second fetches
func DefaultTorConfig() TorConfig {
	return TorConfig{
		Sources:       DefaultTorSources,
		TTL:           6 * time.Hour,
		FetchTimeout:  5 * time.Second,
		RetryBackoff:  5 * time.Minute,
		ColdStartWait: 2 * time.Second,
	}
}

// TorResult is the outcome of an exit-node lookup
type TorResult struct {
	IsExitNode bool
	Confidence Confidence
	FetchedAt  time.Time
}

type torSnapshot struct {
	nodes     map[string]struct{}
	fetchedAt time.Time
}

// TorDetector answers exit-node membership from a time-stamped snapshot.
// At most one refresh runs at a time; lookups never wait on a refresh
// unless there is no snapshot at all, and then for at most ColdStartWait.
type TorDetector struct {
	cfg    TorConfig
	client *http.Client
	repo   TorNodeRepository
	logger *slog.Logger
	sf     singleflight.Group
	now    func() time.Time

	mu          sync.RWMutex
	snap        torSnapshot
	repoLoaded  bool
	lastFailure time.Time
}

// NewTorDetector creates a detector. repo may be nil.
func NewTorDetector(cfg TorConfig, client *http.Client, repo TorNodeRepository, logger *slog.Logger) *TorDetector {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 6 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.ColdStartWait <= 0 {
		cfg.ColdStartWait = 2 * time.Second
	}
	return &TorDetector{
		cfg:    cfg,
		client: client,
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Lookup tests ip against the exit-node snapshot. A stale snapshot answers
// with MEDIUM confidence and schedules a background refresh.
func (d *TorDetector) Lookup(ctx context.Context, ip string) TorResult {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return TorResult{Confidence: ConfidenceNone}
	}

	snap := d.snapshot()
	if snap.fetchedAt.IsZero() {
		d.awaitRefresh(ctx)
		snap = d.snapshot()
	} else if d.isStale(snap) {
		d.refreshAsync()
	}

	if snap.fetchedAt.IsZero() {
		return TorResult{Confidence: ConfidenceNone}
	}

	_, ok := snap.nodes[addr.Unmap().String()]
	confidence := ConfidenceHigh
	if d.isStale(snap) {
		confidence = ConfidenceMedium
	}

	return TorResult{IsExitNode: ok, Confidence: confidence, FetchedAt: snap.fetchedAt}
}

// Refresh fetches the exit list now, waiting for the result. Without force
// it is a no-op while the snapshot is fresh.
func (d *TorDetector) Refresh(ctx context.Context, force bool) error {
	ch := d.sf.DoChan(torRefreshKey, func() (interface{}, error) {
		return nil, d.refresh(force)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of exit nodes in the current snapshot
func (d *TorDetector) Size() int {
	return len(d.snapshot().nodes)
}

func (d *TorDetector) snapshot() torSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

func (d *TorDetector) isStale(snap torSnapshot) bool {
	return d.now().Sub(snap.fetchedAt) >= d.cfg.TTL
}

func (d *TorDetector) refreshAsync() {
	d.sf.DoChan(torRefreshKey, func() (interface{}, error) {
		return nil, d.refresh(false)
	})
}

func (d *TorDetector) awaitRefresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ColdStartWait)
	defer cancel()

	if err := d.Refresh(ctx, false); err != nil {
		d.logger.Warn("tor exit list unavailable", slog.Any("error", err))
	}
}

// refresh runs inside the single-flight group. It uses its own deadlines so
// a cancelled login does not abort a refresh other callers share.
func (d *TorDetector) refresh(force bool) error {
	d.loadFromRepo()

	d.mu.RLock()
	snap := d.snap
	lastFailure := d.lastFailure
	d.mu.RUnlock()

	if !force {
		if !snap.fetchedAt.IsZero() && !d.isStale(snap) {
			return nil
		}
		if !lastFailure.IsZero() && d.now().Sub(lastFailure) < d.cfg.RetryBackoff {
			return errTorSourcesFailed
		}
	}

	for _, source := range d.cfg.Sources {
		nodes, err := d.fetch(source)
		if err != nil {
			d.logger.Warn("tor exit list source failed",
				slog.String("source", source),
				slog.Any("error", err))
			continue
		}

		fetchedAt := d.now()
		d.mu.Lock()
		d.snap = torSnapshot{nodes: nodes, fetchedAt: fetchedAt}
		d.lastFailure = time.Time{}
		d.mu.Unlock()

		metrics.TorRefreshes.WithLabelValues("success").Inc()
		metrics.TorExitNodes.Set(float64(len(nodes)))
		d.logger.Info("tor exit list refreshed",
			slog.String("source", source),
			slog.Int("nodes", len(nodes)))

		d.persist(nodes, fetchedAt)
		return nil
	}

	d.mu.Lock()
	d.lastFailure = d.now()
	d.mu.Unlock()

	metrics.TorRefreshes.WithLabelValues("failure").Inc()
	if !snap.fetchedAt.IsZero() {
		d.logger.Warn("serving stale tor exit list",
			slog.Time("fetched_at", snap.fetchedAt))
	}
	return errTorSourcesFailed
}

// loadFromRepo seeds an empty snapshot from the repository once
func (d *TorDetector) loadFromRepo() {
	d.mu.RLock()
	done := d.repoLoaded || d.repo == nil || !d.snap.fetchedAt.IsZero()
	d.mu.RUnlock()
	if done {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.FetchTimeout)
	defer cancel()

	ips, fetchedAt, err := d.repo.LoadExitNodes(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.repoLoaded = true

	if err != nil {
		d.logger.Warn("failed to load stored tor exit list", slog.Any("error", err))
		return
	}
	if len(ips) == 0 || !d.snap.fetchedAt.IsZero() {
		return
	}

	nodes := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		nodes[ip] = struct{}{}
	}
	d.snap = torSnapshot{nodes: nodes, fetchedAt: fetchedAt}
	metrics.TorExitNodes.Set(float64(len(nodes)))
}

func (d *TorDetector) persist(nodes map[string]struct{}, fetchedAt time.Time) {
	if d.repo == nil {
		return
	}

	ips := make([]string, 0, len(nodes))
	for ip := range nodes {
		ips = append(ips, ip)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.repo.SaveExitNodes(ctx, ips, fetchedAt); err != nil {
		d.logger.Error("failed to persist tor exit list", slog.Any("error", err))
	}
}

func (d *TorDetector) fetch(source string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	nodes, err := parseExitList(io.LimitReader(resp.Body, maxTorListBytes))
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("exit list is empty")
	}
	return nodes, nil
}

func parseExitList(r io.Reader) (map[string]struct{}, error) {
	nodes := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			continue
		}
		nodes[addr.Unmap().String()] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list: %w", err)
	}
	return nodes, nil
}
