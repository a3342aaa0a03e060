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

// Package apply loads one window into the warehouse: schema
// reconciliation followed by a single transaction carrying the
// delete-then-upsert and bulk COPY work. One window, one transaction;
// if the transaction does not commit, the warehouse shows nothing of
// the window.
package apply

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/ctlplane"
	"github.com/vaultsync/vaultsync/manifest"
	"github.com/vaultsync/vaultsync/staging"
)

// ErrIncompatibleSchemaChange - the manifest asks for a narrowing or
// otherwise destructive type change. The window fails before any DDL is
// issued.
var ErrIncompatibleSchemaChange = errors.New("incompatible schema change")

// ErrMissingDataFile - the manifest references a staged file that does
// not exist. Protocol error: the staging invariant was violated.
var ErrMissingDataFile = errors.New("manifest references missing data file")

// Window identifies the unit of one apply.
type Window struct {
	VaultID     string
	LoadType    ctlplane.LoadType
	LogicalTime time.Time
	S3Prefix    string
	Epoch       uint64
}

type Engine struct {
	blobs  staging.ObjectStore
	wh     Warehouse
	logger *log.Entry

	// decimalSample bounds fractional detection per column.
	decimalSample int
}

func NewEngine(blobs staging.ObjectStore, wh Warehouse, decimalSample int) *Engine {
	if decimalSample <= 0 {
		decimalSample = 1000
	}
	return &Engine{
		blobs:         blobs,
		wh:            wh,
		logger:        log.WithField("component", "apply"),
		decimalSample: decimalSample,
	}
}

// Apply executes one window. Phase order:
//
//  1. fetch and parse the manifest; verify every referenced file exists
//  2. build the window's schema registry and validate every type
//     transition (nothing is issued if any transition is forbidden)
//  3. run DDL: drops, adds, widenings - inside the window transaction
//     when the driver supports it, in idempotent auto-committed form
//     otherwise
//  4. inside the transaction: pre-load cleanup (INCR), truncate (FULL)
//  5. bulk load every staged file
//  6. commit
//
// Any failure after BEGIN rolls back and propagates; the caller decides
// what the failure means for the queue entry.
func (e *Engine) Apply(ctx context.Context, win Window) error {
	logger := e.logger.WithFields(log.Fields{
		"vault":        win.VaultID,
		"load_type":    win.LoadType,
		"logical_time": win.LogicalTime,
	})
	start := time.Now()

	m, reg, err := e.loadWindow(ctx, win)
	if err != nil {
		return err
	}

	plan, err := e.reconcile(ctx, m, reg)
	if err != nil {
		return err
	}

	if !e.wh.TransactionalDDL() && len(plan) > 0 {
		// Idempotent pre-transaction DDL: a crash after this point is
		// safe, the next run observes the new columns and proceeds.
		for _, step := range plan {
			if err := step(ctx, e.wh); err != nil {
				return errors.Wrap(err, "ddl")
			}
		}
		plan = nil
	}

	tx, err := e.wh.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, step := range plan {
		if err := step(ctx, tx); err != nil {
			return errors.Wrap(err, "ddl")
		}
	}

	if err := e.loadData(ctx, tx, win, m, reg); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	committed = true

	logger.WithFields(log.Fields{
		"objects":  len(m.Objects()),
		"rows":     m.TotalRows(),
		"duration": time.Since(start),
	}).Info("window applied")
	return nil
}

// loadWindow fetches the manifest, checks the staging invariant, and
// builds the schema registry with fractional detection applied.
func (e *Engine) loadWindow(ctx context.Context, win Window) (*manifest.Manifest, manifest.Registry, error) {
	rc, err := staging.ReadManifest(ctx, e.blobs, win.S3Prefix, win.LoadType)
	if err != nil {
		return nil, nil, err
	}
	m, err := manifest.Parse(rc)
	rc.Close()
	if err != nil {
		return nil, nil, err
	}

	staged, err := e.blobs.List(ctx, win.S3Prefix)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list staged files")
	}
	have := make(map[string]bool, len(staged))
	for _, key := range staged {
		have[key] = true
	}
	for _, u := range m.Upserts {
		if !have[win.S3Prefix+u.FilePath] {
			return nil, nil, errors.Wrapf(ErrMissingDataFile, "%s", u.FilePath)
		}
	}
	for _, d := range m.Deletes {
		if !have[win.S3Prefix+d.FilePath] {
			return nil, nil, errors.Wrapf(ErrMissingDataFile, "%s", d.FilePath)
		}
	}

	reg, err := e.registry(ctx, win, m)
	if err != nil {
		return nil, nil, err
	}
	return m, reg, nil
}

func (e *Engine) registry(ctx context.Context, win Window, m *manifest.Manifest) (manifest.Registry, error) {
	var reg manifest.Registry
	for _, name := range []string{staging.MetadataName, staging.MetadataFullName} {
		rc, err := e.blobs.Get(ctx, win.S3Prefix+name)
		if err != nil {
			continue
		}
		reg, err = manifest.BuildRegistry(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		break
	}
	if reg == nil {
		return nil, errors.Wrapf(manifest.ErrMalformed, "window %s carries no column metadata", win.S3Prefix)
	}

	for _, u := range m.Upserts {
		rc, err := e.blobs.Get(ctx, win.S3Prefix+u.FilePath)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %s", u.FilePath)
		}
		err = reg.DetectFractional(u.Object, rc, e.decimalSample)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// ddlStep is one reconciliation action, deferred so validation can
// finish before anything executes.
type ddlStep func(context.Context, DDL) error

// reconcile diffs the live schema of every touched object against the
// window's schema and assembles the DDL plan. Validation is complete
// before the first step runs: a forbidden transition anywhere fails the
// window with no DDL issued.
func (e *Engine) reconcile(ctx context.Context, m *manifest.Manifest, reg manifest.Registry) ([]ddlStep, error) {
	var plan []ddlStep

	for _, t := range m.DropTables {
		table := t.Object
		plan = append(plan, func(ctx context.Context, d DDL) error {
			return d.DropTable(ctx, table)
		})
	}
	for _, c := range m.DropColumns {
		table, column := c.Object, c.Column
		plan = append(plan, func(ctx context.Context, d DDL) error {
			return d.DropColumn(ctx, table, column)
		})
	}

	// Declarative schema rows are the authoritative intent and execute
	// as-is; the live diff below fills in whatever the manifest did not
	// spell out. covered keeps the two sources from double-issuing.
	covered := map[string]bool{}
	for _, c := range m.AlterColumns {
		if !manifest.AllowedSpecTransition(c.From, c.To) {
			return nil, errors.Wrapf(ErrIncompatibleSchemaChange, "%s.%s: %s -> %s",
				c.Object, c.Column, c.From, c.To)
		}
		table, column, whType := c.Object, c.Column, c.To.WarehouseType()
		plan = append(plan, func(ctx context.Context, d DDL) error {
			return d.AlterColumnType(ctx, table, column, whType)
		})
		covered[c.Object+"."+c.Column] = true
	}
	for _, c := range m.AddColumns {
		table := c.Object
		col := manifest.Column{
			Name:          c.Column,
			Type:          c.To.Logical,
			WarehouseType: c.To.WarehouseType(),
			Nullable:      true,
		}
		plan = append(plan, func(ctx context.Context, d DDL) error {
			return d.AddColumn(ctx, table, col)
		})
		covered[c.Object+"."+c.Column] = true
	}

	dropped := map[string]bool{}
	for _, c := range m.DropColumns {
		dropped[c.Object+"."+c.Column] = true
	}

	for _, object := range m.Objects() {
		ts := reg[object]
		if ts == nil {
			return nil, errors.Wrapf(manifest.ErrMalformed, "no metadata for object %s", object)
		}
		live, err := e.wh.ListColumns(ctx, object)
		if err != nil {
			return nil, errors.Wrapf(err, "describe %s", object)
		}
		if live == nil {
			schema := ts
			plan = append(plan, func(ctx context.Context, d DDL) error {
				return d.EnsureTable(ctx, schema)
			})
			continue
		}

		liveByName := map[string]manifest.Column{}
		for _, c := range live {
			liveByName[c.Name] = c
		}
		for _, want := range ts.Columns {
			if dropped[object+"."+want.Name] || covered[object+"."+want.Name] {
				continue
			}
			cur, ok := liveByName[want.Name]
			if !ok {
				table, col := object, want
				plan = append(plan, func(ctx context.Context, d DDL) error {
					return d.AddColumn(ctx, table, col)
				})
				continue
			}
			// Widths matter: utf8(255) and utf8(max) are distinct types,
			// so a vendor column reclassified Reference -> String widens
			// here instead of silently keeping the narrow column.
			curSpec, wantSpec := cur.Spec(), want.Spec()
			if curSpec == wantSpec {
				continue
			}
			if !manifest.AllowedSpecTransition(curSpec, wantSpec) {
				return nil, errors.Wrapf(ErrIncompatibleSchemaChange, "%s.%s: %s -> %s",
					object, want.Name, curSpec, wantSpec)
			}
			table, col, whType := object, want.Name, want.WarehouseType
			plan = append(plan, func(ctx context.Context, d DDL) error {
				return d.AlterColumnType(ctx, table, col, whType)
			})
		}
	}
	return plan, nil
}

// loadData runs phases 4 and 5 inside the transaction.
func (e *Engine) loadData(ctx context.Context, tx Tx, win Window, m *manifest.Manifest, reg manifest.Registry) error {
	switch win.LoadType {
	case ctlplane.LoadFull:
		// Full replacement: truncate every object in the snapshot, then
		// bulk load. Objects recreated by the DDL plan are already empty.
		for _, u := range m.Upserts {
			if err := tx.Truncate(ctx, u.Object); err != nil {
				return errors.Wrapf(err, "truncate %s", u.Object)
			}
		}
		for _, u := range m.Upserts {
			ts := reg[u.Object]
			if err := tx.CopyDirect(ctx, u.Object, ts.ColumnNames(), StagedSource{Key: win.S3Prefix + u.FilePath}); err != nil {
				return errors.Wrapf(err, "copy %s", u.FilePath)
			}
		}
		return nil

	case ctlplane.LoadLog:
		// Log windows append; there is no old version to delete.
		for _, u := range m.Upserts {
			ts := reg[u.Object]
			if err := tx.CopyDirect(ctx, u.Object, ts.ColumnNames(), StagedSource{Key: win.S3Prefix + u.FilePath}); err != nil {
				return errors.Wrapf(err, "copy %s", u.FilePath)
			}
		}
		return nil

	default: // INCR
		for _, d := range m.Deletes {
			ts := reg[d.Object]
			if err := tx.DeleteKeys(ctx, d.Object, ts.PrimaryKey(), StagedSource{Key: win.S3Prefix + d.FilePath}); err != nil {
				return errors.Wrapf(err, "delete from %s", d.Object)
			}
		}
		for _, u := range m.Upserts {
			ts := reg[u.Object]
			if err := tx.MergeUpsert(ctx, ts, StagedSource{Key: win.S3Prefix + u.FilePath}); err != nil {
				return errors.Wrapf(err, "upsert %s", u.FilePath)
			}
		}
		return nil
	}
}
