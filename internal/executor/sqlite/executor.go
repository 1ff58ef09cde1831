// Package sqlite is a default QueryExecutor implementation against a local
// SQLite warehouse database, wired in by default so the service is runnable
// out of the box. Deployments with a real warehouse supply their own
// executor.QueryExecutor and never import this package.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nl2sql/backend/internal/analyzer"
	"github.com/nl2sql/backend/internal/executor"
)

type Executor struct {
	db *sql.DB
}

func New(path string) (*Executor, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open analytics db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping analytics db: %w", err)
	}
	return &Executor{db: db}, nil
}

func (e *Executor) Close() error {
	return e.db.Close()
}

// LoadSchema introspects the warehouse database's tables and columns, for
// feeding the analyzer's table-selection matching at startup.
func (e *Executor) LoadSchema(ctx context.Context) ([]analyzer.TableInfo, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]analyzer.TableInfo, 0, len(names))
	for _, name := range names {
		colRows, err := e.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
		if err != nil {
			return nil, fmt.Errorf("describe table %s: %w", name, err)
		}
		var cols []string
		for colRows.Next() {
			var cid int
			var colName, colType string
			var notNull, pk int
			var dflt sql.NullString
			if err := colRows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
				colRows.Close()
				return nil, err
			}
			cols = append(cols, colName)
		}
		colRows.Close()

		var rowCount int64
		_ = e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", name)).Scan(&rowCount)

		out = append(out, analyzer.TableInfo{Name: name, ColumnNames: cols, RowCount: rowCount})
	}
	return out, nil
}

func (e *Executor) Execute(ctx context.Context, query string) (*executor.Result, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]executor.Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = executor.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	var out executor.Result
	out.Columns = cols
	for rows.Next() {
		scanTargets := make([]any, len(cols))
		scanValues := make([]any, len(cols))
		for i := range scanTargets {
			scanTargets[i] = &scanValues[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}
		row := make(executor.Row, len(cols))
		copy(row, scanValues)
		out.Rows = append(out.Rows, row)
	}
	return &out, rows.Err()
}
