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

// Package memstore is an in-memory ctlplane.Store for tests and local
// runs. It implements the full conditional-write and change-stream
// semantics of the contract under a single mutex.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/ctlplane"
)

type MemStore struct {
	mu      sync.Mutex
	entries map[ctlplane.EntryKey]*ctlplane.Entry
	states  map[string]*ctlplane.VaultState
	leases  map[string]lease
	subs    []chan ctlplane.Event
}

type lease struct {
	owner   string
	expires time.Time
}

func New() *MemStore {
	return &MemStore{
		entries: map[ctlplane.EntryKey]*ctlplane.Entry{},
		states:  map[string]*ctlplane.VaultState{},
		leases:  map[string]lease{},
	}
}

func (m *MemStore) PutIfAbsent(ctx context.Context, e *ctlplane.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.Key()
	now := time.Now().UTC()
	if cur, ok := m.entries[key]; ok {
		switch {
		case e.Checksum == cur.Checksum || e.Checksum == "":
			return nil
		case cur.Checksum == "":
			// Placeholder from a full-load trigger: complete the
			// registration in place.
			cur.Checksum = e.Checksum
			cur.S3Prefix = e.S3Prefix
			cur.UpdatedAt = now
			m.notify(key)
			return nil
		default:
			return errors.Wrapf(ctlplane.ErrDuplicateChecksum, "entry %s/%s", key.VaultID, key.SortKey)
		}
	}

	cp := *e
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.entries[key] = &cp
	m.notify(key)
	return nil
}

func (m *MemStore) Get(ctx context.Context, key ctlplane.EntryKey) (*ctlplane.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, errors.Wrapf(ctlplane.ErrNotFound, "entry %s/%s", key.VaultID, key.SortKey)
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) ConditionalUpdate(ctx context.Context, key ctlplane.EntryKey, expect ctlplane.Status, upd ctlplane.EntryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return errors.Wrapf(ctlplane.ErrNotFound, "entry %s/%s", key.VaultID, key.SortKey)
	}
	if e.Status != expect {
		return errors.Wrapf(ctlplane.ErrPreconditionFailed, "entry %s/%s is %s, want %s",
			key.VaultID, key.SortKey, e.Status, expect)
	}
	if upd.Status != "" {
		e.Status = upd.Status
	}
	if upd.IncrementAttempt {
		e.AttemptCount++
	}
	if upd.LastError != "" {
		e.LastError = upd.LastError
	}
	if upd.Epoch != nil {
		e.Epoch = *upd.Epoch
	}
	e.UpdatedAt = time.Now().UTC()
	m.notify(key)
	return nil
}

func (m *MemStore) ScanForward(ctx context.Context, vaultID string, lt ctlplane.LoadType, startExclusive string, limit int) ([]*ctlplane.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := string(lt) + "#"
	var out []*ctlplane.Entry
	for key, e := range m.entries {
		if key.VaultID != vaultID || !strings.HasPrefix(key.SortKey, prefix) {
			continue
		}
		if startExclusive != "" && key.SortKey <= prefix+startExclusive {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey() < out[j].SortKey() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) GetVaultState(ctx context.Context, vaultID string) (*ctlplane.VaultState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[vaultID]
	if !ok {
		return nil, errors.Wrapf(ctlplane.ErrNotFound, "vault %s", vaultID)
	}
	cp := *st
	if l, ok := m.leases[vaultID]; ok {
		cp.LockOwner = l.owner
		cp.LockExpiresAt = l.expires
	}
	return &cp, nil
}

func (m *MemStore) InitVaultState(ctx context.Context, st *ctlplane.VaultState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.VaultID]; ok {
		return nil
	}
	cp := *st
	m.states[st.VaultID] = &cp
	return nil
}

func (m *MemStore) UpdateVaultState(ctx context.Context, vaultID string, expectedEpoch uint64, upd ctlplane.StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[vaultID]
	if !ok {
		return errors.Wrapf(ctlplane.ErrNotFound, "vault %s", vaultID)
	}
	if st.CurrentEpoch != expectedEpoch {
		return errors.Wrapf(ctlplane.ErrPreconditionFailed, "vault %s epoch %d, want %d",
			vaultID, st.CurrentEpoch, expectedEpoch)
	}
	if upd.Mode != nil {
		st.Mode = *upd.Mode
	}
	if upd.LastAppliedStoptime != nil {
		st.LastAppliedStoptime = *upd.LastAppliedStoptime
	}
	if upd.LastAppliedLogDate != nil {
		st.LastAppliedLogDate = *upd.LastAppliedLogDate
	}
	if upd.CurrentEpoch != nil {
		st.CurrentEpoch = *upd.CurrentEpoch
	}
	if upd.FullLoadStartedAt != nil {
		st.FullLoadStartedAt = *upd.FullLoadStartedAt
	}
	return nil
}

func (m *MemStore) AcquireLease(ctx context.Context, leaseID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if l, ok := m.leases[leaseID]; ok && l.owner != owner && now.Before(l.expires) {
		return errors.Wrapf(ctlplane.ErrLeaseHeld, "lease %s owned by %s", leaseID, l.owner)
	}
	m.leases[leaseID] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *MemStore) RenewLease(ctx context.Context, leaseID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok || l.owner != owner || time.Now().After(l.expires) {
		return errors.Wrapf(ctlplane.ErrLeaseLost, "lease %s", leaseID)
	}
	l.expires = time.Now().Add(ttl)
	m.leases[leaseID] = l
	return nil
}

func (m *MemStore) ReleaseLease(ctx context.Context, leaseID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok || l.owner != owner {
		return errors.Wrapf(ctlplane.ErrLeaseLost, "lease %s", leaseID)
	}
	delete(m.leases, leaseID)
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context) (<-chan ctlplane.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan ctlplane.Event, 64)
	m.subs = append(m.subs, ch)
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.subs {
			if c == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// notify fans an event out to all subscribers. Callers hold m.mu. Slow
// subscribers drop events; the stream is a wakeup, not a log.
func (m *MemStore) notify(key ctlplane.EntryKey) {
	ev := ctlplane.Event{VaultID: key.VaultID, SortKey: key.SortKey}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

var _ ctlplane.Store = (*MemStore)(nil)
