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

// Package staging is the object staging layer (C2): durable write/read
// of one window's manifest and data files, keyed by
// (vault, load_type, logical_time).
//
// A prefix is durable once its manifest exists: writers stage every data
// file first and the manifest last, and readers never look at a prefix
// without one. There is no other coordination between producer and
// consumer at this layer.
package staging

import (
	"archive/tar"
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/ctlplane"
)

// ObjectStore is the durable blob contract. Put must not be observable
// under List/Get until complete (multipart semantics).
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// WindowWriter stages one window. Data files go in through PutData;
// Commit writes the manifest last, making the prefix visible to the
// consumer.
type WindowWriter struct {
	store    ObjectStore
	loadType ctlplane.LoadType
	prefix   string

	committed bool
}

func NewWindowWriter(store ObjectStore, vaultID string, lt ctlplane.LoadType, logical time.Time) *WindowWriter {
	return &WindowWriter{
		store:    store,
		loadType: lt,
		prefix:   WindowPrefix(vaultID, lt, logical),
	}
}

// Prefix returns the staging prefix the writer targets.
func (w *WindowWriter) Prefix() string { return w.prefix }

// PutData stages one data file under the window prefix.
func (w *WindowWriter) PutData(ctx context.Context, name string, r io.Reader) error {
	if w.committed {
		return errors.New("window already committed")
	}
	if name == ManifestName(w.loadType) {
		return errors.Errorf("%s is reserved for Commit", name)
	}
	return w.store.Put(ctx, w.prefix+name, r)
}

// Commit writes the manifest, sealing the window. The prefix is not
// durable until Commit returns nil.
func (w *WindowWriter) Commit(ctx context.Context, manifest []byte) error {
	if w.committed {
		return nil
	}
	if err := w.store.Put(ctx, ManifestKey(w.prefix, w.loadType), strings.NewReader(string(manifest))); err != nil {
		return err
	}
	w.committed = true
	return nil
}

// ReadManifest opens a committed window's manifest.
func ReadManifest(ctx context.Context, store ObjectStore, prefix string, lt ctlplane.LoadType) (io.ReadCloser, error) {
	rc, err := store.Get(ctx, ManifestKey(prefix, lt))
	if err != nil {
		return nil, errors.Wrapf(err, "manifest missing under %s", prefix)
	}
	return rc, nil
}

// ExtractArchive walks a tar stream and hands each regular file to put.
// The archive is never buffered whole: each file is streamed straight out
// of the tar reader, so memory stays bounded by the store's part size.
func ExtractArchive(ctx context.Context, r io.Reader, put func(name string, r io.Reader) error) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar header")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Base(hdr.Name)
		if name == "" || name == "." {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := put(name, tr); err != nil {
			return errors.Wrapf(err, "stage %s", name)
		}
	}
}
