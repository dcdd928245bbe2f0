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

package chainsel

import (
	"context"
	"sync"

	"github.com/erigontech/corechain/point"
)

// Future is a single-assignment value resolved exactly once, matching the
// promise semantics of spec §4.4 (written_to_disk / processed).
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AddBlockPromise is the two-future handle returned by Engine.AddBlock
// (spec §4.4's public contract).
type AddBlockPromise struct {
	WrittenToDisk *Future[bool]
	Processed     *Future[point.Point]
}

func newAddBlockPromise() AddBlockPromise {
	return AddBlockPromise{
		WrittenToDisk: newFuture[bool](),
		Processed:     newFuture[point.Point](),
	}
}
