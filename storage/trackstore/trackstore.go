// Package trackstore persists the flight track and the latest snapshot in
// MySQL. The aggregator writes through the snapshot.Persister interface and
// never waits on this store; a lost write costs one track point, not a
// snapshot publish.
package trackstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SensorsIot/BalloonHunter-sub005/component"
	"github.com/SensorsIot/BalloonHunter-sub005/errors"
	"github.com/SensorsIot/BalloonHunter-sub005/metric"
	"github.com/SensorsIot/BalloonHunter-sub005/snapshot"
	"github.com/SensorsIot/BalloonHunter-sub005/telemetry"
)

const (
	pingTimeout     = 5 * time.Second
	maxOpenConns    = 4
	connMaxLifetime = 5 * time.Minute
)

const schemaTrack = "CREATE TABLE IF NOT EXISTS `track_points` (" +
	"`id` BIGINT UNSIGNED NOT NULL AUTO_INCREMENT, " +
	"`sequence` BIGINT UNSIGNED NOT NULL, " +
	"`source` VARCHAR(16) NOT NULL, " +
	"`state` VARCHAR(32) NOT NULL, " +
	"`lat` DOUBLE NOT NULL, " +
	"`lon` DOUBLE NOT NULL, " +
	"`altitude` DOUBLE NOT NULL, " +
	"`vertical_speed` DOUBLE NOT NULL, " +
	"`captured_at` DATETIME(3) NOT NULL, " +
	"PRIMARY KEY (`id`), " +
	"KEY `idx_captured_at` (`captured_at`)" +
	") ENGINE=InnoDB"

const schemaSnapshot = "CREATE TABLE IF NOT EXISTS `latest_snapshot` (" +
	"`id` TINYINT UNSIGNED NOT NULL, " +
	"`version` BIGINT UNSIGNED NOT NULL, " +
	"`body` MEDIUMTEXT NOT NULL, " +
	"`saved_at` DATETIME(3) NOT NULL, " +
	"PRIMARY KEY (`id`)" +
	") ENGINE=InnoDB"

const insertTrack = "INSERT INTO `track_points` " +
	"(`sequence`, `source`, `state`, `lat`, `lon`, `altitude`, `vertical_speed`, `captured_at`) " +
	"VALUES (?, ?, ?, ?, ?, ?, ?, ?)"

const upsertSnapshot = "INSERT INTO `latest_snapshot` (`id`, `version`, `body`, `saved_at`) " +
	"VALUES (1, ?, ?, ?) " +
	"ON DUPLICATE KEY UPDATE " +
	"`version` = VALUES(`version`), " +
	"`body` = VALUES(`body`), " +
	"`saved_at` = VALUES(`saved_at`)"

const selectSnapshot = "SELECT `body` FROM `latest_snapshot` WHERE `id` = 1"

// Metrics holds Prometheus metrics for the track store.
type Metrics struct {
	writes      prometheus.Counter
	writeErrors prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Rows written to the track store",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "store",
			Name:      "write_errors_total",
			Help:      "Track store writes that failed",
		}),
	}

	_ = registry.RegisterCounter("track_store", "writes", m.writes)
	_ = registry.RegisterCounter("track_store", "write_errors", m.writeErrors)

	return m
}

// Store is the MySQL-backed persister.
type Store struct {
	logger  *slog.Logger
	dsn     string
	db      *sql.DB
	metrics *Metrics
}

var _ snapshot.Persister = (*Store)(nil)
var _ component.LifecycleComponent = (*Store)(nil)

// StoreOption configures optional store behavior.
type StoreOption func(*Store)

// WithStoreMetrics registers store metrics with the given registry.
func WithStoreMetrics(registry *metric.MetricsRegistry) StoreOption {
	return func(s *Store) { s.metrics = newMetrics(registry) }
}

// NewStore creates a track store for the given DSN. The connection is
// established in Initialize.
func NewStore(logger *slog.Logger, dsn string, options ...StoreOption) *Store {
	s := &Store{
		logger: component.NewLogger(logger, "track-store"),
		dsn:    dsn,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Name implements component.LifecycleComponent.
func (s *Store) Name() string { return "track-store" }

// Initialize opens the connection pool, verifies connectivity and creates
// the schema when missing.
func (s *Store) Initialize() error {
	if s.dsn == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "trackstore", "Initialize", "dsn is required")
	}

	db, err := sql.Open("mysql", s.dsn)
	if err != nil {
		return errors.WrapFatal(err, "trackstore", "Initialize", "open connection pool")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.WrapTransient(err, "trackstore", "Initialize", "ping database")
	}

	s.db = db
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	s.logger.Info("track store ready")
	return nil
}

// Start implements component.LifecycleComponent. The store has no loop.
func (s *Store) Start(_ context.Context) error {
	if s.db == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "trackstore", "Start", "Initialize not called")
	}
	return nil
}

// Stop closes the connection pool.
func (s *Store) Stop(_ time.Duration) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return errors.WrapTransient(err, "trackstore", "Stop", "close connection pool")
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range []string{schemaTrack, schemaSnapshot} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.WrapFatal(err, "trackstore", "ensureSchema", "create table")
		}
	}
	return nil
}

// AppendTrack implements snapshot.Persister.
func (s *Store) AppendTrack(ctx context.Context, c telemetry.Canonical) error {
	_, err := s.db.ExecContext(ctx, insertTrack,
		c.Sequence, string(c.Source), string(c.State),
		c.Record.Lat, c.Record.Lon, c.Record.Altitude, c.Record.VerticalSpeed,
		c.Record.CapturedAt.UTC())
	if err != nil {
		s.countError()
		return errors.WrapTransient(err, "trackstore", "AppendTrack", "insert track point")
	}
	s.countWrite()
	return nil
}

// SaveSnapshot implements snapshot.Persister. Only the newest snapshot is
// kept; the row is keyed by a constant id.
func (s *Store) SaveSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	body, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, upsertSnapshot, snap.Version, body, time.Now().UTC())
	if err != nil {
		s.countError()
		return errors.WrapTransient(err, "trackstore", "SaveSnapshot", "upsert snapshot")
	}
	s.countWrite()
	return nil
}

// LoadSnapshot implements snapshot.Persister. A missing row is not an
// error; it means a cold start.
func (s *Store) LoadSnapshot(ctx context.Context) (snapshot.Snapshot, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, selectSnapshot).Scan(&body)
	if err == sql.ErrNoRows {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, errors.WrapTransient(err,
			"trackstore", "LoadSnapshot", "select snapshot")
	}

	snap, err := decodeSnapshot(body)
	if err != nil {
		// A corrupt row must not block startup.
		s.logger.Warn("discarding unreadable stored snapshot", "error", err)
		return snapshot.Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *Store) countWrite() {
	if s.metrics != nil {
		s.metrics.writes.Inc()
	}
}

func (s *Store) countError() {
	if s.metrics != nil {
		s.metrics.writeErrors.Inc()
	}
}

func encodeSnapshot(snap snapshot.Snapshot) (string, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return "", errors.WrapInvalid(err, "trackstore", "encodeSnapshot", "marshal snapshot")
	}
	return string(body), nil
}

func decodeSnapshot(body string) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return snapshot.Snapshot{}, errors.WrapInvalid(err, "trackstore", "decodeSnapshot", "unmarshal snapshot")
	}
	return snap, nil
}
