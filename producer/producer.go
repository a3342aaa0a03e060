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

// Package producer pulls available windows from the vendor, stages them
// to the object store and registers READY entries in the control plane.
//
// The producer is stateless and idempotent: it never advances a
// watermark, never blocks on downstream state, and a crash at any point
// before registration leaves nothing behind but staged objects that no
// queue entry references. Registration is the last step of a
// window and re-registration with the same checksum is a no-op.
package producer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/alert"
	"github.com/vaultsync/vaultsync/ctlplane"
	"github.com/vaultsync/vaultsync/manifest"
	"github.com/vaultsync/vaultsync/staging"
	"github.com/vaultsync/vaultsync/vaultcfg"
	"github.com/vaultsync/vaultsync/vendorapi"
)

type Producer struct {
	cfg    vaultcfg.Config
	store  ctlplane.Store
	blobs  staging.ObjectStore
	vendor vendorapi.Client
	alerts alert.Alerter
	logger *log.Entry
}

func New(cfg vaultcfg.Config, store ctlplane.Store, blobs staging.ObjectStore, vendor vendorapi.Client, alerts alert.Alerter) *Producer {
	return &Producer{
		cfg:    cfg.Normalize(),
		store:  store,
		blobs:  blobs,
		vendor: vendor,
		alerts: alerts,
		logger: log.WithFields(log.Fields{"component": "producer", "vault": cfg.VaultID}),
	}
}

// Run performs one producer tick: list available windows past the
// watermark and stage-and-register each in ascending order. The first
// window that fails to stage stops the tick; later windows must not
// register ahead of an earlier one that is still missing, or the
// consumer's watermark would pass over it for good.
func (p *Producer) Run(ctx context.Context) error {
	st, err := p.vaultState(ctx)
	if err != nil {
		return err
	}

	watermark := p.watermark(st)
	now := time.Now().UTC()

	windows, err := p.vendor.ListWindows(ctx, p.cfg.ExtractType, watermark, now)
	if err != nil {
		return errors.Wrap(err, "list windows")
	}

	for _, wd := range windows {
		if wd.RecordCount == 0 {
			p.logger.WithField("logical_time", wd.LogicalTime).Debug("skipping empty window")
			continue
		}
		if !wd.LogicalTime.After(watermark) {
			continue
		}
		if err := p.stageWindow(ctx, st, wd); err != nil {
			if ctlplane.IsProtocol(err) {
				p.alerts.Emit(ctx, alert.Alert{
					VaultID:  p.cfg.VaultID,
					SortKey:  ctlplane.SortKey(wd.LoadType, wd.LogicalTime),
					Severity: alert.SeverityCritical,
					Message:  "window registration conflicts with an existing entry",
					Err:      err,
				})
				return err
			}
			// Staging failures are silent by design: nothing was
			// registered, the next tick retries from the same watermark.
			p.logger.WithError(err).WithField("logical_time", wd.LogicalTime).
				Warn("window staging failed, will retry next tick")
			return nil
		}
	}
	return nil
}

// vaultState reads the vault record, seeding it on first contact.
func (p *Producer) vaultState(ctx context.Context) (*ctlplane.VaultState, error) {
	var st *ctlplane.VaultState
	err := ctlplane.RetryTransient(ctx, func() error {
		var err error
		st, err = p.store.GetVaultState(ctx, p.cfg.VaultID)
		return err
	})
	if errors.Is(err, ctlplane.ErrNotFound) {
		st = &ctlplane.VaultState{
			VaultID: p.cfg.VaultID,
			Mode:    ctlplane.ModeIncremental,
		}
		if err := p.store.InitVaultState(ctx, st); err != nil {
			return nil, errors.Wrap(err, "seed vault state")
		}
		return st, nil
	}
	return st, err
}

// watermark picks the request start time: the load type's applied
// watermark, or the dynamic lookback on a fresh vault.
func (p *Producer) watermark(st *ctlplane.VaultState) time.Time {
	wm := st.LastAppliedStoptime
	if p.cfg.ExtractType == ctlplane.LoadLog {
		wm = st.LastAppliedLogDate
	}
	if wm.IsZero() && p.cfg.UseDynamicWindow {
		wm = time.Now().UTC().Add(-time.Duration(p.cfg.DynamicLookbackHours) * time.Hour)
	}
	return wm
}

// stageWindow downloads, extracts, optionally converts, and registers
// one window. Every step before registration is invisible to the
// consumer.
func (p *Producer) stageWindow(ctx context.Context, st *ctlplane.VaultState, wd vendorapi.WindowDescriptor) error {
	logger := p.logger.WithFields(log.Fields{
		"load_type":    wd.LoadType,
		"logical_time": wd.LogicalTime,
	})
	start := time.Now()

	w := staging.NewWindowWriter(p.blobs, p.cfg.VaultID, wd.LoadType, wd.LogicalTime)
	manifestName := staging.ManifestName(wd.LoadType)

	var manifestRaw []byte
	for _, part := range wd.Parts {
		rc, err := p.vendor.FetchPart(ctx, wd, part)
		if err != nil {
			return errors.Wrapf(err, "fetch part %s", part.Name)
		}
		err = staging.ExtractArchive(ctx, rc, func(name string, r io.Reader) error {
			if name == manifestName {
				// The manifest seals the prefix; hold it for last.
				raw, rerr := io.ReadAll(r)
				manifestRaw = raw
				return rerr
			}
			return w.PutData(ctx, name, r)
		})
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "extract part %s", part.Name)
		}
	}
	if manifestRaw == nil {
		return errors.Errorf("archive for %s carries no %s", wd.LogicalTime, manifestName)
	}

	if p.cfg.ConvertToColumnar {
		if err := p.convertWindow(ctx, w, manifestRaw); err != nil {
			return errors.Wrap(err, "convert window")
		}
	}

	if err := w.Commit(ctx, manifestRaw); err != nil {
		return errors.Wrap(err, "commit manifest")
	}

	sum := sha256.Sum256(manifestRaw)
	entry := &ctlplane.Entry{
		VaultID:     p.cfg.VaultID,
		LoadType:    wd.LoadType,
		LogicalTime: wd.LogicalTime,
		Status:      ctlplane.StatusReady,
		S3Prefix:    w.Prefix(),
		Checksum:    hex.EncodeToString(sum[:]),
		Epoch:       st.CurrentEpoch,
	}
	err := ctlplane.RetryTransient(ctx, func() error {
		return p.store.PutIfAbsent(ctx, entry)
	})
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"prefix":   w.Prefix(),
		"records":  wd.RecordCount,
		"duration": time.Since(start),
	}).Info("window staged")
	return nil
}

// convertWindow normalizes every staged data file referenced by the
// manifest, in bounded row chunks, using the window's metadata schema.
func (p *Producer) convertWindow(ctx context.Context, w *staging.WindowWriter, manifestRaw []byte) error {
	m, err := manifest.Parse(bytes.NewReader(manifestRaw))
	if err != nil {
		return err
	}
	reg, err := p.windowRegistry(ctx, w.Prefix())
	if err != nil || reg == nil {
		return err
	}

	convert := func(object, filePath string) error {
		rc, err := p.blobs.Get(ctx, w.Prefix()+filePath)
		if err != nil {
			return err
		}
		defer rc.Close()

		// Pipe the normalized rows straight into the replacement upload
		// so a wide file never sits in memory whole.
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(NormalizeCSV(pw, rc, reg[object], ConvertChunkRows))
		}()
		if err := w.PutData(ctx, filePath, pr); err != nil {
			return errors.Wrapf(err, "normalize %s", filePath)
		}
		return nil
	}

	for _, u := range m.Upserts {
		if err := convert(u.Object, u.FilePath); err != nil {
			return err
		}
	}
	for _, d := range m.Deletes {
		if err := convert(d.Object, d.FilePath); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) windowRegistry(ctx context.Context, prefix string) (manifest.Registry, error) {
	for _, name := range []string{staging.MetadataName, staging.MetadataFullName} {
		rc, err := p.blobs.Get(ctx, prefix+name)
		if err != nil {
			continue
		}
		defer rc.Close()
		return manifest.BuildRegistry(rc)
	}
	// No metadata staged: conversion is skipped, the raw CSVs load as-is.
	return nil, nil
}
