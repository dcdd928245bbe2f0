// Copyright 2024 The corechain Authors
// This file is part of corechain.
//
// corechain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// corechain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with corechain. If not, see <http://www.gnu.org/licenses/>.

// Package fingerprint implements the monotonic-version-counter pattern
// spec §3 requires for InvalidBlocks and that §5 also needs for the open
// reader/iterator registries: a map guarded by a counter that increments
// on insertion (never on removal/GC), so consumers can cheaply detect
// "has anything changed" without diffing the whole map.
package fingerprint

import "sync"

// T is a monotonically increasing version number.
type T uint64

// Map is a map guarded by a fingerprint that increments on every
// insertion (not on deletion/GC, per spec §3). Zero value is usable.
type Map[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
	fp T
}

// NewMap constructs an empty fingerprinted map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

// Insert adds or overwrites k->v and bumps the fingerprint. Overwriting an
// existing key still bumps it, matching "incremented on every insertion".
func (m *Map[K, V]) Insert(k K, v V) T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[k] = v
	m.fp++
	return m.fp
}

// Delete removes k without bumping the fingerprint (GC is fingerprint-
// invisible per spec §3).
func (m *Map[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, k)
}

// Get returns the value for k and whether it was present.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[k]
	return v, ok
}

// Len returns the number of entries currently held.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Fingerprint returns the current fingerprint.
func (m *Map[K, V]) Fingerprint() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fp
}

// Snapshot is an immutable view of the map paired with the fingerprint it
// was read at, used by consumers that want to cache decisions against a
// fixed version (spec §6's WithFingerprint accessor).
type Snapshot[K comparable, V any] struct {
	Fingerprint T
	Entries     map[K]V
}

// SnapshotAll copies the whole map out alongside its current fingerprint.
func (m *Map[K, V]) SnapshotAll() Snapshot[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make(map[K]V, len(m.m))
	for k, v := range m.m {
		cp[k] = v
	}
	return Snapshot[K, V]{Fingerprint: m.fp, Entries: cp}
}

// WithFingerprint pairs any value with the fingerprint it was produced
// under, matching spec §6's getIsInvalidBlock() -> WithFingerprint<...>.
type WithFingerprint[T any] struct {
	Fingerprint T2
	Value       T
}

// T2 avoids shadowing the generic parameter name T above while keeping the
// fingerprint package's own fingerprint type name short at call sites.
type T2 = T
