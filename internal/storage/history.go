package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mikeyg42/capturer/internal/monitorlog"
)

// HistoryStore records generated reports and every delivery attempt.
type HistoryStore interface {
	SaveReport(ctx context.Context, rec *ReportRecord) error
	GetReport(ctx context.Context, id string) (*ReportRecord, error)
	ListReports(ctx context.Context, q ReportQuery) ([]*ReportRecord, error)
	SetArchiveKey(ctx context.Context, id, key string) error

	RecordAttempt(ctx context.Context, a *DispatchAttempt) error
	ListAttempts(ctx context.Context, reportID string) ([]*DispatchAttempt, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ReportRecord is the stored summary of one generated report.
type ReportRecord struct {
	ID                  string    `json:"id"`
	Period              string    `json:"period,omitempty"`
	Format              string    `json:"format"`
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
	GeneratedAt         time.Time `json:"generated_at"`
	FilePath            string    `json:"file_path,omitempty"`
	ArchiveKey          string    `json:"archive_key,omitempty"`
	TotalRegions        int       `json:"total_regions"`
	TotalComparisons    uint64    `json:"total_comparisons"`
	TotalActivities     uint64    `json:"total_activities"`
	AverageActivityRate float64   `json:"average_activity_rate"`
	BusiestRegion       string    `json:"busiest_region,omitempty"`
}

// DispatchAttempt is one try at delivering a report.
type DispatchAttempt struct {
	ID         string    `json:"id"`
	ReportID   string    `json:"report_id"`
	Period     string    `json:"period"`
	Attempt    int       `json:"attempt"`
	Method     string    `json:"method"`
	Recipients []string  `json:"recipients"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// ReportQuery filters ListReports. Zero values mean no filter.
type ReportQuery struct {
	Since  time.Time
	Until  time.Time
	Period string
	Limit  int
}

// HistoryConfig selects the database.
type HistoryConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	DSN    string

	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// SQLHistoryStore implements HistoryStore on sqlx. Timestamps are stored as
// unix milliseconds so both drivers share one schema.
type SQLHistoryStore struct {
	db     *sqlx.DB
	driver string
	logger monitorlog.Logger
}

var _ HistoryStore = (*SQLHistoryStore)(nil)

// NewHistoryStore opens the database, pings it and creates the schema.
func NewHistoryStore(config HistoryConfig) (*SQLHistoryStore, error) {
	driver := strings.ToLower(config.Driver)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported history driver %q", config.Driver)
	}
	if config.DSN == "" {
		return nil, errors.New("history dsn is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	if driver == "sqlite" && config.DSN != ":memory:" && !strings.HasPrefix(config.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(config.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxConnections)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLHistoryStore{
		db:     db,
		driver: driver,
		logger: monitorlog.L().Named("history-store"),
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database schema if it doesn't exist
func (s *SQLHistoryStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			period TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL,
			window_start BIGINT NOT NULL,
			window_end BIGINT NOT NULL,
			generated_at BIGINT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			archive_key TEXT NOT NULL DEFAULT '',
			total_regions INTEGER NOT NULL,
			total_comparisons BIGINT NOT NULL,
			total_activities BIGINT NOT NULL,
			average_activity_rate DOUBLE PRECISION NOT NULL,
			busiest_region TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS dispatch_attempts (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			period TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			method TEXT NOT NULL,
			recipients TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempted_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_generated_at ON reports(generated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_period ON reports(period)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_report_id ON dispatch_attempts(report_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type reportRow struct {
	ID                  string  `db:"id"`
	Period              string  `db:"period"`
	Format              string  `db:"format"`
	WindowStart         int64   `db:"window_start"`
	WindowEnd           int64   `db:"window_end"`
	GeneratedAt         int64   `db:"generated_at"`
	FilePath            string  `db:"file_path"`
	ArchiveKey          string  `db:"archive_key"`
	TotalRegions        int     `db:"total_regions"`
	TotalComparisons    int64   `db:"total_comparisons"`
	TotalActivities     int64   `db:"total_activities"`
	AverageActivityRate float64 `db:"average_activity_rate"`
	BusiestRegion       string  `db:"busiest_region"`
}

func (r reportRow) record() *ReportRecord {
	return &ReportRecord{
		ID:                  r.ID,
		Period:              r.Period,
		Format:              r.Format,
		WindowStart:         fromMillis(r.WindowStart),
		WindowEnd:           fromMillis(r.WindowEnd),
		GeneratedAt:         fromMillis(r.GeneratedAt),
		FilePath:            r.FilePath,
		ArchiveKey:          r.ArchiveKey,
		TotalRegions:        r.TotalRegions,
		TotalComparisons:    uint64(r.TotalComparisons),
		TotalActivities:     uint64(r.TotalActivities),
		AverageActivityRate: r.AverageActivityRate,
		BusiestRegion:       r.BusiestRegion,
	}
}

type attemptRow struct {
	ID          string `db:"id"`
	ReportID    string `db:"report_id"`
	Period      string `db:"period"`
	Attempt     int    `db:"attempt"`
	Method      string `db:"method"`
	Recipients  string `db:"recipients"`
	Success     bool   `db:"success"`
	Error       string `db:"error"`
	AttemptedAt int64  `db:"attempted_at"`
}

// SaveReport inserts a report record, or refreshes the stored copy when the ID
// already exists. The archive key is left as is. An empty ID is filled with a new UUID.
func (s *SQLHistoryStore) SaveReport(ctx context.Context, rec *ReportRecord) error {
	if rec == nil {
		return errors.New("report record cannot be nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	query := s.db.Rebind(`
		INSERT INTO reports (
			id, period, format, window_start, window_end, generated_at,
			file_path, archive_key, total_regions, total_comparisons,
			total_activities, average_activity_rate, busiest_region
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			period = excluded.period,
			format = excluded.format,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			generated_at = excluded.generated_at,
			file_path = excluded.file_path,
			total_regions = excluded.total_regions,
			total_comparisons = excluded.total_comparisons,
			total_activities = excluded.total_activities,
			average_activity_rate = excluded.average_activity_rate,
			busiest_region = excluded.busiest_region`)

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Period, rec.Format,
		toMillis(rec.WindowStart), toMillis(rec.WindowEnd), toMillis(rec.GeneratedAt),
		rec.FilePath, rec.ArchiveKey, rec.TotalRegions,
		int64(rec.TotalComparisons), int64(rec.TotalActivities),
		rec.AverageActivityRate, rec.BusiestRegion,
	)
	if err != nil {
		return &StorageError{Op: "save_report", Key: rec.ID, Err: err}
	}

	s.logger.Debug("Report saved",
		monitorlog.String("id", rec.ID),
		monitorlog.String("period", rec.Period))
	return nil
}

// GetReport returns one report by ID.
func (s *SQLHistoryStore) GetReport(ctx context.Context, id string) (*ReportRecord, error) {
	var row reportRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM reports WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "get_report", Key: id, Err: err, StatusCode: 404}
	}
	if err != nil {
		return nil, &StorageError{Op: "get_report", Key: id, Err: err}
	}
	return row.record(), nil
}

// ListReports returns reports newest first.
func (s *SQLHistoryStore) ListReports(ctx context.Context, q ReportQuery) ([]*ReportRecord, error) {
	var where []string
	var args []interface{}

	if !q.Since.IsZero() {
		where = append(where, "generated_at >= ?")
		args = append(args, toMillis(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "generated_at <= ?")
		args = append(args, toMillis(q.Until))
	}
	if q.Period != "" {
		where = append(where, "period = ?")
		args = append(args, q.Period)
	}

	query := "SELECT * FROM reports"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY generated_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var rows []reportRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "list_reports", Err: err}
	}

	out := make([]*ReportRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// SetArchiveKey stores where a report file was archived.
func (s *SQLHistoryStore) SetArchiveKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE reports SET archive_key = ? WHERE id = ?`), key, id)
	if err != nil {
		return &StorageError{Op: "set_archive_key", Key: id, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &StorageError{Op: "set_archive_key", Key: id, Err: sql.ErrNoRows, StatusCode: 404}
	}
	return nil
}

// RecordAttempt stores one delivery attempt. An empty ID is filled with a new UUID.
func (s *SQLHistoryStore) RecordAttempt(ctx context.Context, a *DispatchAttempt) error {
	if a == nil {
		return errors.New("dispatch attempt cannot be nil")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query := s.db.Rebind(`
		INSERT INTO dispatch_attempts (
			id, report_id, period, attempt, method, recipients, success, error, attempted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.ReportID, a.Period, a.Attempt, a.Method,
		strings.Join(a.Recipients, ","), a.Success, a.Error, toMillis(a.At),
	)
	if err != nil {
		return &StorageError{Op: "record_attempt", Key: a.ReportID, Err: err}
	}

	s.logger.Debug("Dispatch attempt recorded",
		monitorlog.String("report_id", a.ReportID),
		monitorlog.Int("attempt", a.Attempt),
		monitorlog.Bool("success", a.Success))
	return nil
}

// ListAttempts returns the attempts for a report in attempt order.
func (s *SQLHistoryStore) ListAttempts(ctx context.Context, reportID string) ([]*DispatchAttempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT * FROM dispatch_attempts WHERE report_id = ? ORDER BY attempt, attempted_at`),
		reportID)
	if err != nil {
		return nil, &StorageError{Op: "list_attempts", Key: reportID, Err: err}
	}

	out := make([]*DispatchAttempt, 0, len(rows))
	for _, r := range rows {
		var recipients []string
		if r.Recipients != "" {
			recipients = strings.Split(r.Recipients, ",")
		}
		out = append(out, &DispatchAttempt{
			ID:         r.ID,
			ReportID:   r.ReportID,
			Period:     r.Period,
			Attempt:    r.Attempt,
			Method:     r.Method,
			Recipients: recipients,
			Success:    r.Success,
			Error:      r.Error,
			At:         fromMillis(r.AttemptedAt),
		})
	}
	return out, nil
}

// HealthCheck pings the database.
func (s *SQLHistoryStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	return nil
}

// Close closes the database connection
func (s *SQLHistoryStore) Close() error {
	return s.db.Close()
}

// Driver returns the normalized driver name.
func (s *SQLHistoryStore) Driver() string { return s.driver }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
