// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/pipeline"
	"github.com/netSkope/batch-export/internal/runtime"
	"go.uber.org/zap"
)

const (
	defaultInsertRows = 1000
	pingAttempts      = 3
)

// SQLConfig are the settings of the mysql and sqlserver destinations.
type SQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// Schema is only used by sqlserver.
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
	// BatchRows caps the rows of one INSERT statement.
	BatchRows int `yaml:"batch_rows"`
}

// dialect holds what differs between the SQL engines.
type dialect struct {
	driver string
	// maxParams is the bind parameter limit of one statement.
	maxParams int
	// maxRows is the row limit of one VALUES list, zero when unlimited.
	maxRows     int
	defaultPort int
	dsn         func(c SQLConfig) string
	quote       func(name string) string
	placeholder func(n int) string
	columnType  func(t arrow.DataType) string
	createTable func(table, columns string) string
	errorKind   func(err error) string
}

var mysqlDialect = dialect{
	driver:      "mysql",
	maxParams:   65535,
	defaultPort: 3306,
	dsn: func(c SQLConfig) string {
		cfg := mysql.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		cfg.DBName = c.Database
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN()
	},
	quote: func(name string) string {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	},
	placeholder: func(int) string { return "?" },
	columnType: func(t arrow.DataType) string {
		switch t.ID() {
		case arrow.INT64:
			return "BIGINT"
		case arrow.TIMESTAMP:
			return "DATETIME(6)"
		default:
			return "LONGTEXT"
		}
	},
	createTable: func(table, columns string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, columns)
	},
	errorKind: func(err error) string {
		var myErr *mysql.MySQLError
		if !errors.As(err, &myErr) {
			return ""
		}
		switch myErr.Number {
		case 1044, 1045:
			return "AccessDenied"
		case 1142:
			return "TableAccessDenied"
		case 1146:
			return "UndefinedTable"
		case 1049:
			return "UnknownDatabase"
		}
		return ""
	},
}

var sqlServerDialect = dialect{
	driver:      "sqlserver",
	maxParams:   2000,
	maxRows:     1000,
	defaultPort: 1433,
	dsn: func(c SQLConfig) string {
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(c.User, c.Password),
			Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			RawQuery: url.Values{"database": {c.Database}}.Encode(),
		}
		return u.String()
	},
	quote: func(name string) string {
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	},
	placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
	columnType: func(t arrow.DataType) string {
		switch t.ID() {
		case arrow.INT64:
			return "BIGINT"
		case arrow.TIMESTAMP:
			return "DATETIME2(6)"
		default:
			return "NVARCHAR(MAX)"
		}
	},
	createTable: func(table, columns string) string {
		return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
			strings.ReplaceAll(table, "'", "''"), table, columns)
	},
	errorKind: func(err error) string {
		var msErr mssql.Error
		if !errors.As(err, &msErr) {
			return ""
		}
		switch msErr.Number {
		case 208:
			return "UndefinedTable"
		case 229, 230:
			return "PermissionDenied"
		case 18456:
			return "LoginFailed"
		case 4060:
			return "UnknownDatabase"
		}
		return ""
	},
}

var sqlErrorKinds = []string{
	"AccessDenied", "TableAccessDenied", "UndefinedTable", "UnknownDatabase",
	"PermissionDenied", "LoginFailed",
}

// sqlError carries the kind a SQL engine error maps to.
type sqlError struct {
	kind string
	err  error
}

func (e *sqlError) Error() string { return e.err.Error() }

func (e *sqlError) Unwrap() error { return e.err }

func (e *sqlError) Kind() string { return e.kind }

func (d dialect) classify(err error) error {
	if kind := d.errorKind(err); kind != "" {
		return &sqlError{kind: kind, err: err}
	}
	return err
}

type sqlDestination struct {
	typ      string
	cfg      SQLConfig
	dialect  dialect
	source   export.Source
	pipeline pipeline.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newSQLDestination(typ string, raw map[string]any, deps Deps) (*sqlDestination, error) {
	var cfg SQLConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" || cfg.Database == "" || cfg.Table == "" {
		return nil, export.Errorf("InvalidConfig", "%s destination requires host, database and table", typ)
	}
	d := mysqlDialect
	if typ == TypeSQLServer {
		d = sqlServerDialect
	}
	if cfg.Port == 0 {
		cfg.Port = d.defaultPort
	}
	if cfg.BatchRows <= 0 {
		cfg.BatchRows = defaultInsertRows
	}
	return &sqlDestination{
		typ:      typ,
		cfg:      cfg,
		dialect:  d,
		source:   deps.Source,
		pipeline: deps.Pipeline,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("destination", typ), zap.String("table", cfg.Table)),
	}, nil
}

func (d *sqlDestination) Type() string { return d.typ }

func (d *sqlDestination) NonRetryableErrorKinds() []string { return sqlErrorKinds }

// table is the quoted, schema qualified target table.
func (d *sqlDestination) table() string {
	if d.typ != TypeSQLServer {
		return d.dialect.quote(d.cfg.Table)
	}
	schema := d.cfg.Schema
	if schema == "" {
		schema = "dbo"
	}
	return d.dialect.quote(schema) + "." + d.dialect.quote(d.cfg.Table)
}

// CreateTableSQL returns the statement that creates the target table.
func (d *sqlDestination) CreateTableSQL(fields []arrow.Field) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = d.dialect.quote(f.Name) + " " + d.dialect.columnType(f.Type)
	}
	return d.dialect.createTable(d.table(), strings.Join(cols, ", "))
}

// rowsPerStatement keeps one INSERT under the bind parameter limit.
func (d *sqlDestination) rowsPerStatement(columns int) int {
	rows := d.cfg.BatchRows
	if limit := d.dialect.maxParams / max(columns, 1); rows > limit {
		rows = limit
	}
	if d.dialect.maxRows > 0 && rows > d.dialect.maxRows {
		rows = d.dialect.maxRows
	}
	return max(rows, 1)
}

// InsertSQL returns a multi-row INSERT of rows rows.
func (d *sqlDestination) InsertSQL(columns []string, rows int) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.dialect.quote(c)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", d.table(), strings.Join(quoted, ", "))
	n := 0
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			n++
			sb.WriteString(d.dialect.placeholder(n))
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func (d *sqlDestination) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(d.dialect.driver, d.dialect.dsn(d.cfg))
	if err != nil {
		return nil, export.NewNonRetryable("InvalidConfig", err)
	}
	db.SetMaxOpenConns(1)

	ping := func() error {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if err = d.dialect.classify(err); export.IsNonRetryable(err, sqlErrorKinds) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), pingAttempts-1), ctx)
	err = backoff.RetryNotify(ping, policy, func(err error, wait time.Duration) {
		d.logger.Warn("Destination ping failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", d.typ, err)
	}
	return db, nil
}

// Insert writes every batch with multi-row INSERT statements, one
// transaction per batch, and heartbeats progress after each commit.
func (d *sqlDestination) Insert(ctx context.Context, inputs export.Inputs) (int64, error) {
	logger := d.logger.With(zap.String("export_id", inputs.ExportID), zap.String("run_id", inputs.RunID))

	fields, err := outputFields(inputs)
	if err != nil {
		return 0, err
	}
	q, prev, err := resumeQuery(ctx, inputs, logger)
	if err != nil {
		return 0, err
	}
	done := prev.RecordsCompleted

	db, err := d.open(ctx)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, d.CreateTableSQL(fields)); err != nil {
		return 0, fmt.Errorf("failed to create table: %w", d.dialect.classify(err))
	}

	sink := sinkFunc(func(ctx context.Context, rec arrow.Record, watermark time.Time) error {
		n, err := d.insertBatch(ctx, db, rec)
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", d.dialect.classify(err))
		}
		done += n
		d.metrics.Flushed(d.typ, n, batch.EstimateSize(rec))
		return runtime.RecordHeartbeat(ctx, Progress{LastInsertedAt: watermark, RecordsCompleted: done})
	})

	cfg := d.pipeline
	cfg.Consumers = 1
	if _, err := pipeline.Run(ctx, d.source, q, cfg, []pipeline.Sink{sink}, logger); err != nil {
		return done, err
	}

	logger.Info("Exported interval", zap.Int64("records", done))
	return done, nil
}

func (d *sqlDestination) insertBatch(ctx context.Context, db *sql.DB, rec arrow.Record) (int64, error) {
	rows := int(rec.NumRows())
	if rows == 0 {
		return 0, nil
	}
	columns := batch.ColumnNames(rec)
	per := d.rowsPerStatement(len(columns))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for from := 0; from < rows; from += per {
		to := min(from+per, rows)
		args := make([]any, 0, (to-from)*len(columns))
		for i := from; i < to; i++ {
			values, err := batch.RowValues(rec, i)
			if err != nil {
				return 0, err
			}
			args = append(args, values...)
		}
		if _, err := tx.ExecContext(ctx, d.InsertSQL(columns, to-from), args...); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(rows), nil
}
