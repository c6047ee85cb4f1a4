// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package source reads export data as Arrow record batches, either from the
// MySQL-compatible analytics tables or from objects staged in S3.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/memory"
	_ "github.com/go-sql-driver/mysql"
	"github.com/netSkope/batch-export/internal/batch"
	"github.com/netSkope/batch-export/internal/export"
	"go.uber.org/zap"
)

const (
	DefaultPageSize     = 10000
	DefaultQueryTimeout = 10 * time.Minute
	// maxPages stops pagination that fails to advance.
	maxPages = 1000000
)

// Config selects the tables and page size of a DBSource.
type Config struct {
	EventsTable  string        `yaml:"events_table"`
	PersonsTable string        `yaml:"persons_table"`
	PageSize     int           `yaml:"page_size"`
	// QueryTimeout bounds each page query.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.EventsTable == "" {
		c.EventsTable = "events"
	}
	if c.PersonsTable == "" {
		c.PersonsTable = "persons"
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// DBSource pages through a model's table inside one REPEATABLE READ
// transaction, so rows inserted during the export never show up mid-way.
type DBSource struct {
	db     *sql.DB
	cfg    Config
	mem    memory.Allocator
	logger *zap.Logger
}

func NewDBSource(db *sql.DB, cfg Config, mem memory.Allocator, logger *zap.Logger) *DBSource {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &DBSource{db: db, cfg: cfg.withDefaults(), mem: mem, logger: logger}
}

// table describes how a model is paged: rows are ordered by
// (_inserted_at, key) which must be unique per team.
type table struct {
	name     string
	key      string
	filtered bool
}

func (s *DBSource) tableFor(model export.Model) (table, error) {
	switch model {
	case export.ModelEvents, "":
		return table{name: s.cfg.EventsTable, key: "uuid", filtered: true}, nil
	case export.ModelPersons:
		return table{name: s.cfg.PersonsTable, key: "distinct_id"}, nil
	default:
		return table{}, fmt.Errorf("unknown model %q", model)
	}
}

type cursor struct {
	insertedAt time.Time
	key        string
}

// Query streams the rows of q one page per record.
func (s *DBSource) Query(ctx context.Context, q export.Query, fn func(arrow.Record) error) error {
	full, err := batch.SchemaFor(q.Model)
	if err != nil {
		return export.NewNonRetryable("InvalidQuery", err)
	}
	out, err := batch.Project(full, q.Fields)
	if err != nil {
		return export.NewNonRetryable("InvalidQuery", err)
	}
	tbl, err := s.tableFor(q.Model)
	if err != nil {
		return export.NewNonRetryable("InvalidQuery", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// positions of the output columns within the full row
	proj := make([]int, len(out.Fields()))
	for i, f := range out.Fields() {
		proj[i] = full.FieldIndices(f.Name)[0]
	}
	keyIdx := full.FieldIndices(tbl.key)[0]
	wmIdx := full.FieldIndices(export.InsertedAtColumn)[0]

	var (
		cur   *cursor
		total int
		page  int
	)
	for ; page < maxPages; page++ {
		query, args := s.buildQuery(full, tbl, q, cur)
		rows, err := s.fetch(ctx, tx, full, query, args)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		b := batch.NewBuilder(s.mem, out)
		vals := make([]any, len(proj))
		for _, row := range rows {
			for i, idx := range proj {
				vals[i] = row[idx]
			}
			if err := b.Append(vals...); err != nil {
				b.Release()
				return err
			}
		}
		rec := b.NewRecord()
		b.Release()

		last := rows[len(rows)-1]
		wm, _ := last[wmIdx].(time.Time)
		key, _ := last[keyIdx].(string)
		cur = &cursor{insertedAt: wm, key: key}
		total += len(rows)

		s.logger.Debug("Fetched source page",
			zap.Int64("team_id", q.TeamID),
			zap.Int("page", page+1),
			zap.Int("rows", len(rows)),
			zap.Int("total_rows", total))

		if err := fn(rec); err != nil {
			return err
		}
		if len(rows) < s.cfg.PageSize {
			break
		}
	}

	// read-only, but releases the snapshot
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if page >= maxPages {
		s.logger.Warn("Source query hit maximum page limit",
			zap.Int64("team_id", q.TeamID),
			zap.Int("max_pages", maxPages))
	}
	return nil
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *DBSource) buildQuery(full *arrow.Schema, tbl table, q export.Query, cur *cursor) (string, []any) {
	cols := make([]string, len(full.Fields()))
	for i, f := range full.Fields() {
		cols[i] = quote(f.Name)
	}
	wm := quote(export.InsertedAtColumn)
	key := quote(tbl.key)

	conds := []string{"team_id = ?", wm + " >= ?", wm + " < ?"}
	args := []any{q.TeamID, q.Start.UTC(), q.End.UTC()}

	if tbl.filtered && len(q.IncludeEvents) > 0 {
		conds = append(conds, fmt.Sprintf("event IN (%s)", placeholders(len(q.IncludeEvents))))
		for _, e := range q.IncludeEvents {
			args = append(args, e)
		}
	}
	if tbl.filtered && len(q.ExcludeEvents) > 0 {
		conds = append(conds, fmt.Sprintf("event NOT IN (%s)", placeholders(len(q.ExcludeEvents))))
		for _, e := range q.ExcludeEvents {
			args = append(args, e)
		}
	}
	if cur != nil {
		conds = append(conds, fmt.Sprintf("(%s > ? OR (%s = ? AND %s > ?))", wm, wm, key))
		args = append(args, cur.insertedAt, cur.insertedAt, cur.key)
	}
	args = append(args, s.cfg.PageSize)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s, %s LIMIT ?",
		strings.Join(cols, ", "), quote(tbl.name), strings.Join(conds, " AND "), wm, key)
	return query, args
}

// fetch reads one page. QueryTimeout bounds the page query and its scan
// only, not the time fn spends with the previous page.
func (s *DBSource) fetch(ctx context.Context, tx *sql.Tx, full *arrow.Schema, query string, args []any) ([][]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var result [][]any
	for rows.Next() {
		dest := make([]any, len(full.Fields()))
		for i, f := range full.Fields() {
			switch f.Type.ID() {
			case arrow.INT64:
				dest[i] = new(sql.NullInt64)
			case arrow.TIMESTAMP:
				dest[i] = new(sql.NullTime)
			default:
				dest[i] = new(sql.NullString)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]any, len(dest))
		for i, d := range dest {
			switch v := d.(type) {
			case *sql.NullInt64:
				if v.Valid {
					row[i] = v.Int64
				}
			case *sql.NullTime:
				if v.Valid {
					row[i] = v.Time.UTC()
				}
			case *sql.NullString:
				if v.Valid {
					row[i] = v.String
				}
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return result, nil
}
