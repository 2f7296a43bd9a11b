// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package metacache is the FS-Object Metadata Cache (spec.md §4.D):
// an in-memory, process-lifetime store of path -> status, directory
// -> children, and path -> existence, so repeated stats/listings of
// the same remote object don't round-trip through the bridge.
//
// Stat data for a single file is stored on its parent directory's
// entry as child metadata; directory listings are stored on the
// directory entry itself. There is no eviction: entries live until
// the process exits or a caller explicitly invalidates them.
package metacache

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/impalatogo/dfscache/fsadapter"
)

// Existence is the tri-state existence result spec.md §4.D requires.
type Existence int

const (
	Unknown Existence = iota
	Exists
	DoesNotExist
)

type dirEntry struct {
	// self is this directory's own FileStatus, if known.
	self      fsadapter.FileStatus
	haveSelf  bool
	existence Existence

	// children holds per-child FileStatus, keyed by base name,
	// populated either by a ListStatus or by individual
	// GetFileStatus calls.
	children map[string]fsadapter.FileStatus
	// listed is true once a full ListStatus has populated children
	// (so Children() can distinguish "we haven't listed" from "we
	// listed and it's empty").
	listed bool
}

// Cache is a metadata cache scoped to one (descriptor routing key,
// path) namespace. The registry keeps one Cache per routed
// FilesystemDescriptor, matching spec.md's "(descriptor, path)" key.
//
// Writers use the coarser per-Cache lock for structural updates
// (inserting a new directory entry); readers that only touch an
// existing entry's fields take the same lock, since the entry
// contents are small and contention is expected to be low relative
// to the network round-trips this cache exists to avoid.
type Cache struct {
	mu    sync.RWMutex
	dirs  map[string]*dirEntry
}

// New creates an empty metadata cache.
func New() *Cache {
	return &Cache{dirs: make(map[string]*dirEntry)}
}

func dirOf(path string) (dir, base string) {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func (c *Cache) entry(dir string, create bool) *dirEntry {
	c.mu.RLock()
	e := c.dirs[dir]
	c.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e = c.dirs[dir]
	if e == nil {
		e = &dirEntry{children: make(map[string]fsadapter.FileStatus)}
		c.dirs[dir] = e
	}
	return e
}

// PutStatus records a successful GetFileStatus result for path,
// attaching it as child metadata of path's parent directory.
func (c *Cache) PutStatus(path string, st fsadapter.FileStatus) {
	dir, base := dirOf(path)
	e := c.entry(dir, true)
	c.mu.Lock()
	e.children[base] = st
	c.mu.Unlock()

	// the path itself, if it denotes a directory, also gets its own
	// entry so that a later ListStatus(path) has somewhere to land.
	if st.IsDir {
		self := c.entry(path, true)
		c.mu.Lock()
		self.self = st
		self.haveSelf = true
		self.existence = Exists
		c.mu.Unlock()
	}
}

// PutExistence records the existence (or non-existence) of path.
func (c *Cache) PutExistence(path string, ex Existence) {
	e := c.entry(path, true)
	c.mu.Lock()
	e.existence = ex
	c.mu.Unlock()
}

// PutListing records the result of a ListStatus(dir) call, replacing
// any previously-cached children of dir.
func (c *Cache) PutListing(dir string, children []fsadapter.FileStatus) {
	e := c.entry(dir, true)
	fresh := make(map[string]fsadapter.FileStatus, len(children))
	for _, st := range children {
		_, base := dirOf(st.Path)
		fresh[base] = st
	}
	c.mu.Lock()
	e.children = fresh
	e.listed = true
	e.existence = Exists
	c.mu.Unlock()
}

// Status returns the cached FileStatus for path, if any.
func (c *Cache) Status(path string) (fsadapter.FileStatus, bool) {
	dir, base := dirOf(path)
	e := c.entry(dir, false)
	if e == nil {
		return fsadapter.FileStatus{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := e.children[base]
	return st, ok
}

// ExistenceOf returns the cached tri-state existence of path.
func (c *Cache) ExistenceOf(path string) Existence {
	e := c.entry(path, false)
	if e == nil {
		return Unknown
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.existence
}

// Listing returns the cached directory listing for dir, if a full
// ListStatus has populated it.
func (c *Cache) Listing(dir string) ([]fsadapter.FileStatus, bool) {
	e := c.entry(dir, false)
	if e == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !e.listed {
		return nil, false
	}
	out := make([]fsadapter.FileStatus, 0, len(e.children))
	for _, st := range e.children {
		out = append(out, st)
	}
	// e.children is a map; listStatus callers need a stable order
	// across repeated calls for the same directory.
	slices.SortFunc(out, func(a, b fsadapter.FileStatus) bool {
		return a.Path < b.Path
	})
	return out, true
}

// Invalidate drops all cached metadata under path (inclusive),
// forcing the next access to force=true semantics in fsbridge.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirs, path)
	prefix := path + "/"
	for k := range c.dirs {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(c.dirs, k)
		}
	}
	dir, base := dirOf(path)
	if e := c.dirs[dir]; e != nil {
		delete(e.children, base)
	}
}
