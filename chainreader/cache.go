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

package chainreader

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

// cacheKey identifies one decoded component read, shared by every Reader
// and Iterator drawing on the same Cache so a block followed by several
// readers at once is only ever decoded from its ImmutableDB chunk once.
type cacheKey struct {
	p    point.Point
	comp chain.Component
}

// Cache is a bounded LRU of recently streamed components (spec §4.6,
// "coroutine-style iterators" note in §9 on avoiding repeat decodes for
// readers following the tip).
type Cache struct {
	lru *lru.Cache[cacheKey, chain.ComponentValue]
}

// NewCache builds a Cache holding up to size decoded components.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	l, err := lru.New[cacheKey, chain.ComponentValue](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

func (c *Cache) get(p point.Point, comp chain.Component) (chain.ComponentValue, bool) {
	if c == nil {
		return chain.ComponentValue{}, false
	}
	return c.lru.Get(cacheKey{p, comp})
}

func (c *Cache) put(p point.Point, comp chain.Component, v chain.ComponentValue) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey{p, comp}, v)
}
