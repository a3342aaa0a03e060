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
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/ctlplane"
	"github.com/vaultsync/vaultsync/manifest"
	"github.com/vaultsync/vaultsync/staging"
	"github.com/vaultsync/vaultsync/staging/memblob"
)

// fakeWarehouse records every operation as a flat op string so tests can
// assert on ordering and transaction boundaries.
type fakeWarehouse struct {
	txnDDL bool
	live   map[string][]manifest.Column
	ops    []string // auto-committed DDL path
	tx     *fakeTx
}

func (f *fakeWarehouse) TransactionalDDL() bool { return f.txnDDL }

func (f *fakeWarehouse) ListColumns(ctx context.Context, table string) ([]manifest.Column, error) {
	return f.live[table], nil
}

func (f *fakeWarehouse) Begin(ctx context.Context) (Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakeWarehouse) EnsureTable(ctx context.Context, ts *manifest.TableSchema) error {
	f.ops = append(f.ops, "ensure "+ts.Object)
	return nil
}
func (f *fakeWarehouse) DropTable(ctx context.Context, table string) error {
	f.ops = append(f.ops, "drop_table "+table)
	return nil
}
func (f *fakeWarehouse) DropColumn(ctx context.Context, table, column string) error {
	f.ops = append(f.ops, "drop_column "+table+"."+column)
	return nil
}
func (f *fakeWarehouse) AddColumn(ctx context.Context, table string, col manifest.Column) error {
	f.ops = append(f.ops, "add_column "+table+"."+col.Name)
	return nil
}
func (f *fakeWarehouse) AlterColumnType(ctx context.Context, table, column, warehouseType string) error {
	f.ops = append(f.ops, "alter_column "+table+"."+column+" "+warehouseType)
	return nil
}

type fakeTx struct {
	ops        []string
	failOn     string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) record(op string) error {
	if t.failOn != "" && strings.Contains(op, t.failOn) {
		return errors.Errorf("injected failure on %q", op)
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *fakeTx) EnsureTable(ctx context.Context, ts *manifest.TableSchema) error {
	return t.record("ensure " + ts.Object)
}
func (t *fakeTx) DropTable(ctx context.Context, table string) error {
	return t.record("drop_table " + table)
}
func (t *fakeTx) DropColumn(ctx context.Context, table, column string) error {
	return t.record("drop_column " + table + "." + column)
}
func (t *fakeTx) AddColumn(ctx context.Context, table string, col manifest.Column) error {
	return t.record("add_column " + table + "." + col.Name)
}
func (t *fakeTx) AlterColumnType(ctx context.Context, table, column, warehouseType string) error {
	return t.record("alter_column " + table + "." + column + " " + warehouseType)
}
func (t *fakeTx) DeleteKeys(ctx context.Context, table, keyColumn string, src StagedSource) error {
	return t.record("delete_keys " + table + " " + src.Key)
}
func (t *fakeTx) MergeUpsert(ctx context.Context, ts *manifest.TableSchema, src StagedSource) error {
	return t.record("merge " + ts.Object + " " + src.Key)
}
func (t *fakeTx) Truncate(ctx context.Context, table string) error {
	return t.record("truncate " + table)
}
func (t *fakeTx) CopyDirect(ctx context.Context, table string, columns []string, src StagedSource) error {
	return t.record("copy " + table + " " + src.Key)
}
func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

const testMetadata = `object_name,column_name,type,required,key
document,id,ID,true,true
document,name,String,false,false
document,score,Number,false,false
document,notes,String,false,false
`

func stageWindow(t *testing.T, blobs *memblob.MemBlob, win Window, files map[string]string, manifestCSV string) {
	t.Helper()
	ctx := context.Background()
	for name, body := range files {
		require.NoError(t, blobs.Put(ctx, win.S3Prefix+name, strings.NewReader(body)))
	}
	require.NoError(t, blobs.Put(ctx,
		staging.ManifestKey(win.S3Prefix, win.LoadType), strings.NewReader(manifestCSV)))
}

func incrWindow() Window {
	return Window{
		VaultID:     "v1",
		LoadType:    ctlplane.LoadIncr,
		LogicalTime: time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC),
		S3Prefix:    "vault=v1/incr/stoptime=202401010015/",
	}
}

func TestApplySchemaDriftAllowed(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()

	// Live table lacks "notes" and still has an integer score; the
	// window's data carries fractional scores.
	wh := &fakeWarehouse{
		txnDDL: true,
		live: map[string][]manifest.Column{
			"document": {
				{Name: "id", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(255)"},
				{Name: "name", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
				{Name: "score", Type: manifest.TypeInt64, WarehouseType: "BIGINT"},
			},
		},
	}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv":        testMetadata,
		"document_upsert.csv": "id,name,score,notes\nr1,alpha,1.5,hi\n",
		"document_delete.csv": "id\nr9\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
document,delete,document_delete.csv,fp,1,,,
`)

	engine := NewEngine(blobs, wh, 100)
	require.NoError(t, engine.Apply(ctx, win))

	tx := wh.tx
	require.NotNil(t, tx)
	require.True(t, tx.committed)
	require.Equal(t, []string{
		"alter_column document.score DOUBLE PRECISION",
		"add_column document.notes",
		"delete_keys document " + win.S3Prefix + "document_delete.csv",
		"merge document " + win.S3Prefix + "document_upsert.csv",
	}, tx.ops, "DDL, then delete, then upsert, all inside one transaction")
	require.Empty(t, wh.ops, "nothing auto-committed when DDL is transactional")
}

func TestApplySchemaDriftForbidden(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()

	// Live score is already a double; the window's sample is integral,
	// which would narrow it.
	wh := &fakeWarehouse{
		txnDDL: true,
		live: map[string][]manifest.Column{
			"document": {
				{Name: "id", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(255)"},
				{Name: "name", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
				{Name: "score", Type: manifest.TypeFloat64, WarehouseType: "DOUBLE PRECISION"},
				{Name: "notes", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
			},
		},
	}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv":        testMetadata,
		"document_upsert.csv": "id,name,score,notes\nr1,alpha,2,hi\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
`)

	engine := NewEngine(blobs, wh, 100)
	err := engine.Apply(ctx, win)
	require.ErrorIs(t, err, ErrIncompatibleSchemaChange)
	require.Nil(t, wh.tx, "no transaction begun")
	require.Empty(t, wh.ops, "no DDL issued")
}

func TestApplyDeclarativeAlterValidated(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()
	wh := &fakeWarehouse{txnDDL: true}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv": testMetadata,
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,alter_column,,,0,score,float64,int64
`)

	engine := NewEngine(blobs, wh, 100)
	err := engine.Apply(ctx, win)
	require.ErrorIs(t, err, ErrIncompatibleSchemaChange)
	require.Nil(t, wh.tx)
}

func TestApplyRollsBackOnLoadFailure(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()
	wh := &fakeWarehouse{
		txnDDL: true,
		live: map[string][]manifest.Column{
			"document": {
				{Name: "id", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(255)"},
				{Name: "name", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
				{Name: "score", Type: manifest.TypeInt64, WarehouseType: "BIGINT"},
				{Name: "notes", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
			},
		},
	}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv":        testMetadata,
		"document_upsert.csv": "id,name,score,notes\nr1,alpha,2,hi\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
`)

	engine := NewEngine(blobs, wh, 100)
	require.NoError(t, engine.Apply(ctx, win))
	require.True(t, wh.tx.committed)

	// Same window, injected COPY failure: transaction must roll back.
	failing := &failingBegin{wh: &fakeWarehouse{txnDDL: true, live: wh.live}, failOn: "merge"}
	err := NewEngine(blobs, failing, 100).Apply(ctx, win)
	require.Error(t, err)
	require.True(t, failing.tx.rolledBack)
	require.False(t, failing.tx.committed)
}

// failingBegin wraps fakeWarehouse to hand out transactions that fail on
// a chosen operation.
type failingBegin struct {
	wh     *fakeWarehouse
	failOn string
	tx     *fakeTx
}

func (f *failingBegin) TransactionalDDL() bool { return f.wh.TransactionalDDL() }
func (f *failingBegin) ListColumns(ctx context.Context, table string) ([]manifest.Column, error) {
	return f.wh.ListColumns(ctx, table)
}
func (f *failingBegin) Begin(ctx context.Context) (Tx, error) {
	f.tx = &fakeTx{failOn: f.failOn}
	return f.tx, nil
}
func (f *failingBegin) EnsureTable(ctx context.Context, ts *manifest.TableSchema) error {
	return f.wh.EnsureTable(ctx, ts)
}
func (f *failingBegin) DropTable(ctx context.Context, table string) error {
	return f.wh.DropTable(ctx, table)
}
func (f *failingBegin) DropColumn(ctx context.Context, table, column string) error {
	return f.wh.DropColumn(ctx, table, column)
}
func (f *failingBegin) AddColumn(ctx context.Context, table string, col manifest.Column) error {
	return f.wh.AddColumn(ctx, table, col)
}
func (f *failingBegin) AlterColumnType(ctx context.Context, table, column, warehouseType string) error {
	return f.wh.AlterColumnType(ctx, table, column, warehouseType)
}

func TestApplyFullLoadTruncatesThenCopies(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := Window{
		VaultID:     "v1",
		LoadType:    ctlplane.LoadFull,
		LogicalTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		S3Prefix:    "vault=v1/full/date=20240101/",
	}
	wh := &fakeWarehouse{
		txnDDL: true,
		live: map[string][]manifest.Column{
			"document": {
				{Name: "id", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(255)"},
				{Name: "name", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
				{Name: "score", Type: manifest.TypeInt64, WarehouseType: "BIGINT"},
				{Name: "notes", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
			},
		},
	}

	stageWindow(t, blobs, win, map[string]string{
		"metadata_full.csv": testMetadata,
		"document.csv":      "id,name,score,notes\nr1,alpha,2,hi\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document.csv,fp,1,,,
`)

	engine := NewEngine(blobs, wh, 100)
	require.NoError(t, engine.Apply(ctx, win))
	require.Equal(t, []string{
		"truncate document",
		"copy document " + win.S3Prefix + "document.csv",
	}, wh.tx.ops)
	require.True(t, wh.tx.committed)
}

func TestApplyMissingDataFile(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()
	wh := &fakeWarehouse{txnDDL: true}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv": testMetadata,
		// document_upsert.csv intentionally absent
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
`)

	err := NewEngine(blobs, wh, 100).Apply(ctx, win)
	require.ErrorIs(t, err, ErrMissingDataFile)
	require.Nil(t, wh.tx)
}

func TestApplyNonTransactionalDDLPrecedesTx(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()

	wh := &fakeWarehouse{
		txnDDL: false,
		live: map[string][]manifest.Column{
			"document": {
				{Name: "id", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(255)"},
				{Name: "name", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
				{Name: "score", Type: manifest.TypeInt64, WarehouseType: "BIGINT"},
			},
		},
	}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv":        testMetadata,
		"document_upsert.csv": "id,name,score,notes\nr1,alpha,2,hi\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
`)

	require.NoError(t, NewEngine(blobs, wh, 100).Apply(ctx, win))
	require.Equal(t, []string{"add_column document.notes"}, wh.ops,
		"DDL auto-committed ahead of the transaction")
	require.Equal(t, []string{
		"merge document " + win.S3Prefix + "document_upsert.csv",
	}, wh.tx.ops)
}

func TestApplyCreatesMissingTable(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()
	wh := &fakeWarehouse{txnDDL: true, live: map[string][]manifest.Column{}}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv":        testMetadata,
		"document_upsert.csv": "id,name,score,notes\nr1,alpha,2,hi\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
`)

	require.NoError(t, NewEngine(blobs, wh, 100).Apply(ctx, win))
	require.Equal(t, "ensure document", wh.tx.ops[0])
}

func TestApplyTextWidening(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()

	// "name" was created back when the vendor classed it as a Reference;
	// the window's metadata now calls it a String, so the column must
	// widen to VARCHAR(MAX).
	wh := &fakeWarehouse{
		txnDDL: true,
		live: map[string][]manifest.Column{
			"document": {
				{Name: "id", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(255)"},
				{Name: "name", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(255)"},
				{Name: "score", Type: manifest.TypeInt64, WarehouseType: "BIGINT"},
				{Name: "notes", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
			},
		},
	}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv":        testMetadata,
		"document_upsert.csv": "id,name,score,notes\nr1,alpha,2,hi\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
`)

	require.NoError(t, NewEngine(blobs, wh, 100).Apply(ctx, win))
	require.Equal(t, []string{
		"alter_column document.name VARCHAR(MAX)",
		"merge document " + win.S3Prefix + "document_upsert.csv",
	}, wh.tx.ops)
}

func TestApplyTextNarrowingForbidden(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()

	// "id" is unbounded in the warehouse but the metadata says
	// Reference: a VARCHAR(MAX) -> VARCHAR(255) narrowing.
	wh := &fakeWarehouse{
		txnDDL: true,
		live: map[string][]manifest.Column{
			"document": {
				{Name: "id", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
				{Name: "name", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
				{Name: "score", Type: manifest.TypeInt64, WarehouseType: "BIGINT"},
				{Name: "notes", Type: manifest.TypeUTF8, WarehouseType: "VARCHAR(MAX)"},
			},
		},
	}

	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv":        testMetadata,
		"document_upsert.csv": "id,name,score,notes\nr1,alpha,2,hi\n",
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,upsert,document_upsert.csv,fp,1,,,
`)

	err := NewEngine(blobs, wh, 100).Apply(ctx, win)
	require.ErrorIs(t, err, ErrIncompatibleSchemaChange)
	require.Nil(t, wh.tx)
}

func TestApplyDeclarativeRowsIssueDDL(t *testing.T) {
	ctx := context.Background()
	blobs := memblob.New()
	win := incrWindow()
	wh := &fakeWarehouse{txnDDL: true}

	// Schema-only window: no data operations, so the live diff never
	// visits the object and the declarative rows alone carry the DDL.
	stageWindow(t, blobs, win, map[string]string{
		"metadata.csv": testMetadata,
	}, `object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type
document,alter_column,,,0,owner,utf8(255),utf8
document,add_column,,,0,tags,,utf8
`)

	require.NoError(t, NewEngine(blobs, wh, 100).Apply(ctx, win))
	require.Equal(t, []string{
		"alter_column document.owner VARCHAR(MAX)",
		"add_column document.tags",
	}, wh.tx.ops)
	require.True(t, wh.tx.committed)
}
