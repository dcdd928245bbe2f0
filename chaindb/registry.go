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

package chaindb

import "sync"

// registry tracks the close functions of every Reader and Iterator handed
// out by a ChainDB, so Close can force them all shut instead of leaking
// goroutines or open ImmutableDB chunk iterators (spec §5 resource
// registry). Mirrors chainsel.Engine's own id-keyed notifier map.
type registry struct {
	mu     sync.Mutex
	next   int
	closes map[int]func()
}

func newRegistry() *registry {
	return &registry{closes: map[int]func(){}}
}

// add records fn and returns an unregister function, handed to Reader/
// Iterator constructors as the registry callback parameter.
func (r *registry) add(fn func()) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.closes[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.closes, id)
		r.mu.Unlock()
	}
}

// closeAll invokes every still-registered close function. Safe to call
// once during ChainDB.Close; individual close funcs are expected to be
// idempotent (Reader.Close and Iterator.Close both are).
func (r *registry) closeAll() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.closes))
	for _, fn := range r.closes {
		fns = append(fns, fn)
	}
	r.closes = map[int]func(){}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
