// Package audit keeps a queryable log of orchestrated requests.
//
// Entries carry the request fingerprint, never prompt or response text.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/contentflow/contentflow/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config controls the audit database.
type Config struct {
	DBPath        string
	RetentionDays int
}

// Logger writes and queries audit entries in a dedicated SQLite database.
type Logger struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// New opens the audit SQLite database, creates the schema and starts the
// retention loop when RetentionDays is positive.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:     db,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		request_id         TEXT PRIMARY KEY,
		operation          TEXT NOT NULL,
		requested_provider TEXT NOT NULL,
		provider           TEXT,
		model              TEXT,
		fingerprint        TEXT,
		cached             INTEGER NOT NULL DEFAULT 0,
		fallback           INTEGER NOT NULL DEFAULT 0,
		outcome            TEXT NOT NULL,
		error_kind         TEXT,
		prompt_tokens      INTEGER,
		completion_tokens  INTEGER,
		latency_ms         INTEGER,
		created_at         TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_provider ON audit_log(provider)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`)
	return err
}

// Log inserts an audit entry.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_log
		(request_id, operation, requested_provider, provider, model, fingerprint,
		 cached, fallback, outcome, error_kind,
		 prompt_tokens, completion_tokens, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, string(entry.Operation), string(entry.RequestedProvider),
		string(entry.Provider), entry.Model, entry.Fingerprint,
		entry.Cached, entry.Fallback, string(entry.Outcome), entry.ErrorKind,
		entry.PromptTokens, entry.CompletionTokens, entry.LatencyMs,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	return nil
}

// Query returns audit entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT request_id, operation, requested_provider, provider, model, fingerprint,
		cached, fallback, outcome, error_kind,
		prompt_tokens, completion_tokens, latency_ms, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Provider != "" {
		q += " AND provider = ?"
		args = append(args, string(opts.Provider))
	}
	if opts.Operation != "" {
		q += " AND operation = ?"
		args = append(args, string(opts.Operation))
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, formatTime(opts.Since))
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e                                         models.AuditEntry
			op, requested, outcome, createdAt         string
			provider, model, fingerprint, errorKind   sql.NullString
			promptTokens, completionTokens, latencyMs sql.NullInt64
		)
		if err := rows.Scan(
			&e.RequestID, &op, &requested, &provider, &model, &fingerprint,
			&e.Cached, &e.Fallback, &outcome, &errorKind,
			&promptTokens, &completionTokens, &latencyMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Operation = models.Operation(op)
		e.RequestedProvider = models.Provider(requested)
		e.Provider = models.Provider(provider.String)
		e.Model = model.String
		e.Fingerprint = fingerprint.String
		e.Outcome = models.Outcome(outcome)
		e.ErrorKind = errorKind.String
		e.PromptTokens = int(promptTokens.Int64)
		e.CompletionTokens = int(completionTokens.Int64)
		e.LatencyMs = latencyMs.Int64
		e.CreatedAt, _ = time.ParseInLocation(timeLayout, createdAt, time.UTC)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by serving provider and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT COALESCE(provider, ''), date(created_at) AS day, count(*) AS cnt,
		        SUM(cached), SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END)
		 FROM audit_log GROUP BY provider, day ORDER BY day DESC, provider`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var (
			s        models.AuditStat
			provider string
			day      sql.NullString
		)
		if err := rows.Scan(&provider, &day, &s.Count, &s.Cached, &s.Failed); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Provider = models.Provider(provider)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.logger.Warn("audit retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Debug("audit retention cleanup", "deleted", n)
			}
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
