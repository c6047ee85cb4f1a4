// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package destination

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/netSkope/batch-export/internal/export"
	"github.com/netSkope/batch-export/internal/metrics"
	"github.com/netSkope/batch-export/internal/pipeline"
	"github.com/netSkope/batch-export/internal/runtime"
	"github.com/netSkope/batch-export/internal/spool"
	"github.com/netSkope/batch-export/internal/writer"
	"go.uber.org/zap"
)

// PostgresConfig are the settings of a postgres destination.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Table    string `yaml:"table"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnString is the URL form of the connection settings.
func (c PostgresConfig) ConnString() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}

// postgresErrorKinds maps SQLSTATE codes a retry cannot fix to error kinds.
var postgresErrorKinds = map[string]string{
	"42501": "InsufficientPrivilege",
	"42P01": "UndefinedTable",
	"3F000": "InvalidSchemaName",
	"3D000": "InvalidCatalogName",
	"28000": "InvalidAuthorizationSpecification",
	"28P01": "InvalidPassword",
}

func classifyPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if kind, ok := postgresErrorKinds[pgErr.Code]; ok {
			return export.NewNonRetryable(kind, err)
		}
	}
	return err
}

type postgresDestination struct {
	cfg      PostgresConfig
	writer   WriterConfig
	source   export.Source
	pipeline pipeline.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newPostgresDestination(raw map[string]any, deps Deps) (*postgresDestination, error) {
	var cfg PostgresConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Host == "" || cfg.Database == "" || cfg.Table == "" {
		return nil, export.Errorf("InvalidConfig", "postgres destination requires host, database and table")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	return &postgresDestination{
		cfg:      cfg,
		writer:   deps.Writer,
		source:   deps.Source,
		pipeline: deps.Pipeline,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With(zap.String("destination", TypePostgres), zap.String("table", cfg.Table)),
	}, nil
}

func (d *postgresDestination) Type() string { return TypePostgres }

func (d *postgresDestination) NonRetryableErrorKinds() []string {
	kinds := make([]string, 0, len(postgresErrorKinds))
	for _, k := range postgresErrorKinds {
		kinds = append(kinds, k)
	}
	return kinds
}

func (d *postgresDestination) connect(ctx context.Context) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(d.cfg.ConnString())
	if err != nil {
		return nil, export.NewNonRetryable("InvalidConfig", err)
	}
	cfg.RuntimeParams["timezone"] = "UTC"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", classifyPostgresError(err))
	}
	return conn, nil
}

func postgresType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT64:
		return "BIGINT"
	case arrow.TIMESTAMP:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// CreateTableSQL returns the statement that creates the target table.
func (c PostgresConfig) CreateTableSQL(fields []arrow.Field) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = pgx.Identifier{f.Name}.Sanitize() + " " + postgresType(f.Type)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{c.Schema, c.Table}.Sanitize(), strings.Join(cols, ", "))
}

// copyNull marks null values in the CSV fed to COPY, so that empty strings
// load as empty strings.
const copyNull = `\N`

// CopySQL returns the COPY statement fed by the CSV spool.
func (c PostgresConfig) CopySQL(fields []arrow.Field) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = pgx.Identifier{f.Name}.Sanitize()
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, NULL '%s')",
		pgx.Identifier{c.Schema, c.Table}.Sanitize(), strings.Join(cols, ", "), copyNull)
}

// Insert spools the interval as CSV and copies every flushed chunk into the
// table. A chunk commits on its own, so progress is heartbeated after each
// COPY and a retried attempt continues from the last committed watermark.
func (d *postgresDestination) Insert(ctx context.Context, inputs export.Inputs) (int64, error) {
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

	conn, err := d.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, d.cfg.CreateTableSQL(fields)); err != nil {
		return 0, fmt.Errorf("failed to create table: %w", classifyPostgresError(err))
	}
	copySQL := d.cfg.CopySQL(fields)

	flush := func(ctx context.Context, f *spool.File, records, bytes int64, lastWatermark time.Time, isLast bool) error {
		r, err := f.Reader()
		if err != nil {
			return err
		}
		tag, err := conn.PgConn().CopyFrom(ctx, r, copySQL)
		if err != nil {
			return fmt.Errorf("failed to copy into postgres: %w", classifyPostgresError(err))
		}
		done += tag.RowsAffected()
		d.metrics.Flushed(TypePostgres, records, bytes)
		return runtime.RecordHeartbeat(ctx, Progress{LastInsertedAt: lastWatermark, RecordsCompleted: done})
	}

	w, err := writer.New(writer.Options{
		Format:     writer.CSV,
		MaxBytes:   d.writer.MaxBytes,
		Dir:        d.writer.Dir,
		NullString: copyNull,
	}, flush)
	if err != nil {
		return 0, err
	}
	if err := w.Open(); err != nil {
		return 0, err
	}

	// one connection, one writer
	cfg := d.pipeline
	cfg.Consumers = 1
	if _, err := pipeline.Run(ctx, d.source, q, cfg, []pipeline.Sink{w}, logger); err != nil {
		_ = w.Abort()
		return done, err
	}
	if err := w.Close(ctx); err != nil {
		return done, err
	}

	logger.Info("Exported interval to postgres", zap.Int64("records", done))
	return done, nil
}
