// Copyright 2025 The Vaultsync Authors
// This file is part of Vaultsync.
//
// Vaultsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vaultsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vaultsync. If not, see <http://www.gnu.org/licenses/>.

// Package pgwarehouse drives a Postgres-protocol warehouse through
// pgx/v5. Bulk loads are COPY statements pointed at staged object-store
// files; staging-table merges implement delete-then-upsert.
//
// The pool is sized to one connection: a consumer process may never run
// two warehouse operations in parallel.
package pgwarehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/apply"
	"github.com/vaultsync/vaultsync/manifest"
)

// Config for the warehouse driver.
type Config struct {
	DSN string
	// SourceURI resolves a staging key to the location COPY ingests
	// (e.g. the s3:// URI of the staged file).
	SourceURI func(key string) string
	// CopyOptions is appended verbatim to every COPY statement;
	// typically the credentials clause.
	CopyOptions string
}

type Warehouse struct {
	pool *pgxpool.Pool
	cfg  Config
}

func Open(ctx context.Context, cfg Config) (*Warehouse, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse warehouse dsn")
	}
	pc.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.Wrap(err, "connect warehouse")
	}
	return &Warehouse{pool: pool, cfg: cfg}, nil
}

func (w *Warehouse) Close() { w.pool.Close() }

// TransactionalDDL is true: Postgres DDL participates in transactions,
// so the whole window including schema changes is atomic.
func (w *Warehouse) TransactionalDDL() bool { return true }

func (w *Warehouse) Begin(ctx context.Context) (apply.Tx, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &pgTx{tx: tx, cfg: w.cfg}, nil
}

func (w *Warehouse) ListColumns(ctx context.Context, table string) ([]manifest.Column, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT column_name, data_type, COALESCE(character_maximum_length, 0)
		  FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var cols []manifest.Column
	for rows.Next() {
		var name, dataType string
		var maxLen int
		if err := rows.Scan(&name, &dataType, &maxLen); err != nil {
			return nil, errors.WithStack(err)
		}
		logical := logicalFromPg(dataType)
		whType := strings.ToUpper(dataType)
		if logical == manifest.TypeUTF8 {
			// Text widths participate in the widening diff, so render
			// them the way the manifest schema does.
			if maxLen > 0 {
				whType = fmt.Sprintf("VARCHAR(%d)", maxLen)
			} else {
				whType = "VARCHAR(MAX)"
			}
		}
		cols = append(cols, manifest.Column{
			Name:          name,
			Type:          logical,
			WarehouseType: whType,
			Nullable:      true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return cols, nil // nil when the table does not exist
}

// Auto-committed DDL path, for drivers running against engines without
// transactional DDL; unused here but kept to the contract.

func (w *Warehouse) EnsureTable(ctx context.Context, ts *manifest.TableSchema) error {
	_, err := w.pool.Exec(ctx, ensureTableSQL(ts))
	return errors.WithStack(err)
}

func (w *Warehouse) DropTable(ctx context.Context, table string) error {
	_, err := w.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table)))
	return errors.WithStack(err)
}

func (w *Warehouse) DropColumn(ctx context.Context, table, column string) error {
	_, err := w.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN IF EXISTS %s`,
		quoteIdent(table), quoteIdent(column)))
	return errors.WithStack(err)
}

func (w *Warehouse) AddColumn(ctx context.Context, table string, col manifest.Column) error {
	_, err := w.pool.Exec(ctx, addColumnSQL(table, col))
	return errors.WithStack(err)
}

func (w *Warehouse) AlterColumnType(ctx context.Context, table, column, warehouseType string) error {
	_, err := w.pool.Exec(ctx, alterColumnSQL(table, column, warehouseType))
	return errors.WithStack(err)
}

// pgTx is one window transaction.
type pgTx struct {
	tx  pgx.Tx
	cfg Config
	// stageSeq disambiguates temp tables when one object appears in
	// several manifest rows.
	stageSeq int
}

func (t *pgTx) Commit(ctx context.Context) error {
	return errors.WithStack(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.WithStack(err)
	}
	return nil
}

func (t *pgTx) EnsureTable(ctx context.Context, ts *manifest.TableSchema) error {
	_, err := t.tx.Exec(ctx, ensureTableSQL(ts))
	return errors.WithStack(err)
}

func (t *pgTx) DropTable(ctx context.Context, table string) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table)))
	return errors.WithStack(err)
}

func (t *pgTx) DropColumn(ctx context.Context, table, column string) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN IF EXISTS %s`,
		quoteIdent(table), quoteIdent(column)))
	return errors.WithStack(err)
}

func (t *pgTx) AddColumn(ctx context.Context, table string, col manifest.Column) error {
	_, err := t.tx.Exec(ctx, addColumnSQL(table, col))
	return errors.WithStack(err)
}

func (t *pgTx) AlterColumnType(ctx context.Context, table, column, warehouseType string) error {
	_, err := t.tx.Exec(ctx, alterColumnSQL(table, column, warehouseType))
	return errors.WithStack(err)
}

func (t *pgTx) Truncate(ctx context.Context, table string) error {
	_, err := t.tx.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, quoteIdent(table)))
	return errors.WithStack(err)
}

func (t *pgTx) CopyDirect(ctx context.Context, table string, columns []string, src apply.StagedSource) error {
	_, err := t.tx.Exec(ctx, t.copySQL(table, columns, src))
	return errors.Wrapf(err, "copy into %s", table)
}

func (t *pgTx) DeleteKeys(ctx context.Context, table, keyColumn string, src apply.StagedSource) error {
	stage := t.nextStage(table)
	steps := []string{
		fmt.Sprintf(`CREATE TEMP TABLE %s (%s VARCHAR(255)) ON COMMIT DROP`,
			quoteIdent(stage), quoteIdent(keyColumn)),
		t.copySQL(stage, []string{keyColumn}, src),
		fmt.Sprintf(`DELETE FROM %s USING %s WHERE %s.%s = %s.%s`,
			quoteIdent(table), quoteIdent(stage),
			quoteIdent(table), quoteIdent(keyColumn),
			quoteIdent(stage), quoteIdent(keyColumn)),
	}
	for _, sql := range steps {
		if _, err := t.tx.Exec(ctx, sql); err != nil {
			return errors.Wrapf(err, "delete keys from %s", table)
		}
	}
	return nil
}

func (t *pgTx) MergeUpsert(ctx context.Context, ts *manifest.TableSchema, src apply.StagedSource) error {
	table := ts.Object
	stage := t.nextStage(table)
	cols := quoteList(ts.ColumnNames())
	pk := quoteIdent(ts.PrimaryKey())

	steps := []string{
		fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s) ON COMMIT DROP`,
			quoteIdent(stage), quoteIdent(table)),
		t.copySQL(stage, ts.ColumnNames(), src),
		fmt.Sprintf(`DELETE FROM %s USING %s WHERE %s.%s = %s.%s`,
			quoteIdent(table), quoteIdent(stage),
			quoteIdent(table), pk, quoteIdent(stage), pk),
		fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`,
			quoteIdent(table), cols, cols, quoteIdent(stage)),
	}
	for _, sql := range steps {
		if _, err := t.tx.Exec(ctx, sql); err != nil {
			return errors.Wrapf(err, "merge into %s", table)
		}
	}
	return nil
}

func (t *pgTx) nextStage(table string) string {
	t.stageSeq++
	return fmt.Sprintf("stage_%s_%d", table, t.stageSeq)
}

// copySQL builds the bulk ingest statement. The source URI comes from
// the staging layer; CopyOptions carries the credentials clause.
func (t *pgTx) copySQL(table string, columns []string, src apply.StagedSource) string {
	sql := fmt.Sprintf(`COPY %s (%s) FROM '%s' CSV IGNOREHEADER 1 EMPTYASNULL TIMEFORMAT 'auto'`,
		quoteIdent(table), quoteList(columns), t.cfg.SourceURI(src.Key))
	if t.cfg.CopyOptions != "" {
		sql += " " + t.cfg.CopyOptions
	}
	return sql
}

func ensureTableSQL(ts *manifest.TableSchema) string {
	defs := make([]string, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		def := quoteIdent(c.Name) + " " + c.WarehouseType
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if pk := ts.PrimaryKey(); ts.Column(pk) != nil {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteIdent(pk)))
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`,
		quoteIdent(ts.Object), strings.Join(defs, ", "))
}

func addColumnSQL(table string, col manifest.Column) string {
	return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
		quoteIdent(table), quoteIdent(col.Name), col.WarehouseType)
}

func alterColumnSQL(table, column, warehouseType string) string {
	return fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s`,
		quoteIdent(table), quoteIdent(column), warehouseType)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// logicalFromPg maps information_schema data types back onto logical
// types for the reconciliation diff.
func logicalFromPg(dataType string) manifest.LogicalType {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return manifest.TypeInt64
	case "double precision", "real", "numeric":
		return manifest.TypeFloat64
	case "boolean":
		return manifest.TypeBool
	case "date":
		return manifest.TypeDate
	case "timestamp with time zone", "timestamp without time zone":
		return manifest.TypeTimestamp
	default:
		return manifest.TypeUTF8
	}
}

var _ apply.Warehouse = (*Warehouse)(nil)
