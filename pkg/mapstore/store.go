// Package mapstore holds the process-wide rule tables behind an atomic
// reference so admission requests always observe a consistent table set while
// a background goroutine reloads the map file.
package mapstore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/twr-io/imageswap-webhook/pkg/log"
	"github.com/twr-io/imageswap-webhook/pkg/rules"
)

type StoreMetrics struct {
	Reloads    *prometheus.CounterVec
	LastReload prometheus.Gauge
}

func (m StoreMetrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Reloads,
		m.LastReload,
	)
}

func NewStoreMetrics(prefix string) *StoreMetrics {
	return &StoreMetrics{
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: "maps",
			Name:      "reload_total",
			Help:      "Number of map file reload attempts",
		}, []string{"result"}),
		LastReload: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: prefix,
			Subsystem: "maps",
			Name:      "last_reload_timestamp_seconds",
			Help:      "Unix timestamp of the last successful map file reload",
		}),
	}
}

// Store is a single-writer/multi-reader holder of the parsed rule tables.
// Readers load the current tables once per request; the reload loop swaps in
// a freshly parsed set atomically.
type Store struct {
	fs      afero.Fs
	path    string
	tables  atomic.Pointer[rules.RuleTables]
	modTime atomic.Pointer[time.Time]
	metrics StoreMetrics
}

type StoreOption func(*Store)

func WithMetricsRegistry(reg prometheus.Registerer) StoreOption {
	return func(s *Store) {
		s.metrics.MustRegister(reg)
	}
}

// NewStore loads the map file once and returns a store ready for reads. The
// initial load is mandatory: a server without rule tables cannot mutate.
func NewStore(fs afero.Fs, path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		fs:      fs,
		path:    path,
		metrics: *NewStoreMetrics("imageswap"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Tables returns the current rule tables. The returned value must be treated
// as read-only.
func (s *Store) Tables() rules.RuleTables {
	return *s.tables.Load()
}

// Reload parses the map file and swaps it in. On error the previous tables
// stay in place.
func (s *Store) Reload() error {
	stat, err := s.fs.Stat(s.path)
	if err != nil {
		s.metrics.Reloads.WithLabelValues("error").Inc()
		return err
	}
	tables, err := rules.Load(s.fs, s.path)
	if err != nil {
		s.metrics.Reloads.WithLabelValues("error").Inc()
		return err
	}
	s.tables.Store(&tables)
	modTime := stat.ModTime()
	s.modTime.Store(&modTime)
	s.metrics.Reloads.WithLabelValues("success").Inc()
	s.metrics.LastReload.SetToCurrentTime()
	return nil
}

// Run re-stats the map file on every tick and reloads it when its
// modification time is later than that of the last successful load. It
// returns when ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat, err := s.fs.Stat(s.path)
			if err != nil {
				s.metrics.Reloads.WithLabelValues("error").Inc()
				log.DefaultLogger.WithContext(ctx).WithError(err).Warn("unable to stat map file")
				continue
			}
			if last := s.modTime.Load(); last != nil && !stat.ModTime().After(*last) {
				continue
			}
			if err := s.Reload(); err != nil {
				log.DefaultLogger.WithContext(ctx).WithError(err).Warn("unable to reload map file, keeping previous tables")
				continue
			}
			log.DefaultLogger.WithContext(ctx).WithField("path", s.path).Info("map file reloaded")
		}
	}
}
