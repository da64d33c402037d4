package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/metrics"
	"github.com/smazurov/mirrornode/internal/portpool"
)

// ErrScanInProgress is returned by Scan while another scan is running.
var ErrScanInProgress = errors.New("scan already in progress")

// DeviceLister reports the attached devices.
type DeviceLister interface {
	Devices(ctx context.Context) ([]bridge.Device, error)
}

// ScanResult summarises one reconciliation pass.
type ScanResult struct {
	Added   []string
	Removed []string
	Failed  []string
}

// Changed reports whether the scan mutated the registry.
func (r ScanResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// Scanner periodically makes the registry match the attached devices.
type Scanner struct {
	lister   DeviceLister
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// NewScanner returns a scanner ticking every interval.
func NewScanner(lister DeviceLister, registry *Registry, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		lister:   lister,
		registry: registry,
		interval: interval,
		timeout:  interval * 3,
		logger:   logger,
	}
}

// Run scans immediately and then on every tick until ctx is cancelled.
// Sessions started by the scanner live until they are stopped, not until
// ctx ends.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("Device scanner started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("Device scanner stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs a scan in the background so a wedged bridge cannot delay the
// ticker; the in-flight guard turns overlapping ticks into skips.
func (s *Scanner) tick(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Scan(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
			s.logger.Warn("Device scan failed", "error", err)
		}
	}()
}

// Scan performs one reconciliation pass. Overlapping calls return
// ErrScanInProgress without doing anything.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.IncrementScansSkipped()
		s.logger.Debug("Skipping scan, previous scan still running")
		return ScanResult{}, ErrScanInProgress
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	defer func() { metrics.ObserveScan(time.Since(start)) }()

	listCtx, cancel := context.WithTimeout(ctx, s.timeout)
	devices, err := s.lister.Devices(listCtx)
	cancel()
	if err != nil {
		return ScanResult{}, err
	}

	var result ScanResult
	present := make(map[string]bool, len(devices))
	for _, d := range devices {
		present[d.Serial] = true
	}

	for _, stale := range s.registry.Retain(present) {
		result.Removed = append(result.Removed, stale.ID())
		s.logger.Info("Device detached, stopping session", "device_id", stale.ID())
		go func() { _ = stale.Stop(nil) }()
	}

	for _, d := range devices {
		sess, created, ensureErr := s.registry.Ensure(d)
		if ensureErr != nil {
			result.Failed = append(result.Failed, d.Serial)
			if errors.Is(ensureErr, portpool.ErrExhausted) {
				s.logger.Error("Cannot start session, no free port", "device_id", d.Serial, "error", ensureErr)
			} else {
				s.logger.Error("Cannot start session", "device_id", d.Serial, "error", ensureErr)
			}
			continue
		}
		if !created {
			continue
		}
		result.Added = append(result.Added, d.Serial)
		s.logger.Info("Device attached, starting session", "device_id", d.Serial, "model", d.Model)
		go func() { _ = sess.Start(context.WithoutCancel(ctx)) }()
	}

	if result.Changed() {
		s.logger.Debug("Scan complete", "added", result.Added, "removed", result.Removed, "devices", len(devices))
	}
	return result, nil
}
