// Package database persists finished assessment reports in PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/report"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

var ErrReportNotFound = errors.New("report not found")

type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

// ReportFilter narrows ListReports. Zero values match everything.
type ReportFilter struct {
	Target string
	Since  *time.Time
	Limit  int
	Offset int
}

// ReportSummary is one row of the reports table without the JSON body.
type ReportSummary struct {
	ID            string     `db:"id" json:"id"`
	Target        string     `db:"target" json:"target"`
	Mode          string     `db:"mode" json:"mode"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	FinishedAt    *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	RiskScore     int        `db:"risk_score" json:"risk_score"`
	RiskLabel     string     `db:"risk_label" json:"risk_label"`
	EndpointCount int        `db:"endpoint_count" json:"endpoint_count"`
	FindingCount  int        `db:"finding_count" json:"finding_count"`
}

// NewStore connects, sizes the pool and brings the schema up to date.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("database")
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	start := time.Now()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	if cfg.Driver != "postgres" {
		err = fmt.Errorf("unsupported database driver %q", cfg.Driver)
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		err = fmt.Errorf("failed to connect to database: %w", err)
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	migrateStart := time.Now()
	applied, err := NewMigrationRunner(db, log).Run(ctx)
	if err != nil {
		db.Close()
		err = fmt.Errorf("failed to run migrations: %w", err)
		return nil, err
	}
	log.LogDuration(ctx, "database.Migrate", migrateStart,
		"migrations_applied", applied,
	)

	log.WithContext(ctx).Infow("Report store initialized",
		"driver", cfg.Driver,
		"max_connections", cfg.MaxConnections,
	)

	return &Store{db: db, cfg: cfg, logger: log}, nil
}

var dsnPassword = regexp.MustCompile(`(?i)(password=)(\S+)`)

// maskDSN hides the password in either URL or key=value form.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "redacted")
		}
		return u.String()
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}redacted")
}

type findingRow struct {
	types.Finding
	RefsJSON     []byte `db:"refs"`
	MetadataJSON []byte `db:"metadata"`
}

func toFindingRow(f types.Finding) (findingRow, error) {
	row := findingRow{Finding: f}
	if len(f.References) > 0 {
		refs, err := json.Marshal(f.References)
		if err != nil {
			return row, fmt.Errorf("failed to marshal references: %w", err)
		}
		row.RefsJSON = refs
	}
	if len(f.Metadata) > 0 {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return row, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.MetadataJSON = meta
	}
	return row, nil
}

func (r findingRow) toFinding() (types.Finding, error) {
	f := r.Finding
	if len(r.RefsJSON) > 0 {
		if err := json.Unmarshal(r.RefsJSON, &f.References); err != nil {
			return f, fmt.Errorf("failed to unmarshal references: %w", err)
		}
	}
	if len(r.MetadataJSON) > 0 {
		if err := json.Unmarshal(r.MetadataJSON, &f.Metadata); err != nil {
			return f, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return f, nil
}

// SaveReport writes the report and its findings in one transaction. Saving
// the same report ID again replaces the earlier copy.
func (s *Store) SaveReport(ctx context.Context, r *report.Report) error {
	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "database.SaveReport",
		"report_id", r.ID,
		"target", r.Target,
	)
	var err error
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.SaveReport", start, err)
	}()

	body, err := json.Marshal(r)
	if err != nil {
		err = fmt.Errorf("failed to marshal report: %w", err)
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to start transaction: %w", err)
		return err
	}
	defer tx.Rollback()

	var finishedAt *time.Time
	if !r.FinishedAt.IsZero() {
		finishedAt = &r.FinishedAt
	}

	query := `
		INSERT INTO reports (
			id, target, mode, started_at, finished_at, risk_score,
			risk_label, endpoint_count, finding_count, body
		) VALUES (
			:id, :target, :mode, :started_at, :finished_at, :risk_score,
			:risk_label, :endpoint_count, :finding_count, :body
		)
		ON CONFLICT (id) DO UPDATE SET
			target = EXCLUDED.target,
			mode = EXCLUDED.mode,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			risk_score = EXCLUDED.risk_score,
			risk_label = EXCLUDED.risk_label,
			endpoint_count = EXCLUDED.endpoint_count,
			finding_count = EXCLUDED.finding_count,
			body = EXCLUDED.body
	`
	args := map[string]interface{}{
		"id":             r.ID,
		"target":         r.Target,
		"mode":           string(r.Mode),
		"started_at":     r.StartedAt,
		"finished_at":    finishedAt,
		"risk_score":     r.Risk.Score,
		"risk_label":     r.Risk.Label,
		"endpoint_count": len(r.Endpoints),
		"finding_count":  len(r.Findings),
		"body":           string(body),
	}

	queryStart := time.Now()
	result, err := tx.NamedExecContext(ctx, query, args)
	if err != nil {
		err = fmt.Errorf("failed to save report: %w", err)
		return err
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "UPSERT", "reports", rows, time.Since(queryStart),
		"report_id", r.ID,
	)

	if _, err = tx.ExecContext(ctx, "DELETE FROM findings WHERE report_id = $1", r.ID); err != nil {
		err = fmt.Errorf("failed to clear findings: %w", err)
		return err
	}

	if len(r.Findings) > 0 {
		findingRows := make([]findingRow, 0, len(r.Findings))
		for _, f := range r.Findings {
			f.ReportID = r.ID
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			if f.CreatedAt.IsZero() {
				f.CreatedAt = time.Now().UTC()
			}
			row, convErr := toFindingRow(f)
			if convErr != nil {
				err = convErr
				return err
			}
			findingRows = append(findingRows, row)
		}

		insert := `
			INSERT INTO findings (
				id, report_id, tool, type, severity, title, description,
				evidence, solution, endpoint, exploitability, exposure,
				confidence, risk_score, risk_label, refs, metadata, created_at
			) VALUES (
				:id, :report_id, :tool, :type, :severity, :title, :description,
				:evidence, :solution, :endpoint, :exploitability, :exposure,
				:confidence, :risk_score, :risk_label, :refs, :metadata, :created_at
			)
		`
		queryStart = time.Now()
		result, err = tx.NamedExecContext(ctx, insert, findingRows)
		if err != nil {
			err = fmt.Errorf("failed to save findings: %w", err)
			return err
		}
		rows, _ = result.RowsAffected()
		s.logger.LogDatabaseOperation(ctx, "INSERT", "findings", rows, time.Since(queryStart),
			"report_id", r.ID,
		)
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("failed to commit report: %w", err)
		return err
	}

	s.logger.WithContext(ctx).Infow("Report saved",
		"report_id", r.ID,
		"target", r.Target,
		"findings", len(r.Findings),
		"total_duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// GetReport decodes the stored JSON body back into a Report.
func (s *Store) GetReport(ctx context.Context, id string) (*report.Report, error) {
	var body []byte
	err := s.db.GetContext(ctx, &body, "SELECT body FROM reports WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
		}
		return nil, fmt.Errorf("failed to load report: %w", err)
	}

	var r report.Report
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) ListReports(ctx context.Context, filter ReportFilter) ([]ReportSummary, error) {
	query := `
		SELECT id, target, mode, started_at, finished_at, risk_score,
			   risk_label, endpoint_count, finding_count
		FROM reports WHERE 1=1`
	args := map[string]interface{}{}

	if filter.Target != "" {
		query += " AND target = :target"
		args["target"] = filter.Target
	}
	if filter.Since != nil {
		query += " AND started_at >= :since"
		args["since"] = *filter.Since
	}

	query += " ORDER BY started_at DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	query, namedArgs, err := sqlx.Named(query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to build report query: %w", err)
	}
	query = s.db.Rebind(query)

	summaries := []ReportSummary{}
	if err := s.db.SelectContext(ctx, &summaries, query, namedArgs...); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return summaries, nil
}

// FindingsBySeverity returns the findings of one report at the given
// severity, highest risk first. An empty severity returns them all.
func (s *Store) FindingsBySeverity(ctx context.Context, reportID string, severity types.Severity) ([]types.Finding, error) {
	query := `
		SELECT id, report_id, tool, type, severity, title, description,
			   evidence, solution, endpoint, exploitability, exposure,
			   confidence, risk_score, risk_label, refs, metadata, created_at
		FROM findings
		WHERE report_id = $1 AND ($2 = '' OR severity = $2)
		ORDER BY risk_score DESC, id
	`

	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, query, reportID, string(severity)); err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}

	findings := make([]types.Finding, 0, len(rows))
	for _, row := range rows {
		f, err := row.toFinding()
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func (s *Store) DeleteReport(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM reports WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
