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

package apply

import (
	"context"

	"github.com/vaultsync/vaultsync/manifest"
)

// StagedSource points a bulk operation at one staged data file. Key is
// the staging-layer object key; drivers resolve it to whatever their
// COPY implementation ingests.
type StagedSource struct {
	Key string
}

// DDL is the schema surface of the warehouse. Every operation is
// idempotent (IF EXISTS / IF NOT EXISTS forms) so a crash between DDL
// and apply is recoverable by rerunning.
type DDL interface {
	EnsureTable(ctx context.Context, ts *manifest.TableSchema) error
	DropTable(ctx context.Context, table string) error
	DropColumn(ctx context.Context, table, column string) error
	AddColumn(ctx context.Context, table string, col manifest.Column) error
	AlterColumnType(ctx context.Context, table, column, warehouseType string) error
}

// Loader is the data surface of one window transaction.
type Loader interface {
	// DeleteKeys removes target rows whose primary key appears in the
	// staged key file.
	DeleteKeys(ctx context.Context, table, keyColumn string, src StagedSource) error
	// MergeUpsert stages src, deletes the old version of every staged
	// row, and inserts the staged rows. The delete-then-insert both run
	// inside the enclosing transaction.
	MergeUpsert(ctx context.Context, ts *manifest.TableSchema, src StagedSource) error
	// Truncate empties a table ahead of a full load.
	Truncate(ctx context.Context, table string) error
	// CopyDirect bulk-appends src into the table.
	CopyDirect(ctx context.Context, table string, columns []string, src StagedSource) error
}

// Tx is one warehouse transaction. Rollback after Commit is a no-op, so
// a deferred Rollback is always safe.
type Tx interface {
	DDL
	Loader
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Warehouse is the driver contract (the only component that touches
// data tables is the apply engine, through this interface).
//
// The top-level DDL methods auto-commit; drivers whose DDL can run
// inside a transaction report TransactionalDDL true and the engine
// issues DDL through the Tx instead.
type Warehouse interface {
	DDL
	Begin(ctx context.Context) (Tx, error)
	TransactionalDDL() bool
	// ListColumns returns the live column set of a table in logical
	// form, or nil when the table does not exist.
	ListColumns(ctx context.Context, table string) ([]manifest.Column, error)
}
