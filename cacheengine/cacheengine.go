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

// Package cacheengine implements the weighted LRU admission/eviction
// engine over ManagedFiles (spec.md §4.G).
//
// The teacher's tenant/evict.go selects eviction candidates by walking
// the cache directory on disk and keeping a bounded max-heap of the
// least-recently-used files it has seen so far, because the tenant
// manager has no in-memory index of every cached file. This engine
// already maintains a complete in-process index (byPath), so it builds
// the eviction heap directly from the READY, unpinned entries in that
// index rather than sampling a directory walk -- the same ascending
// least-recently-used ordering, using the same heap package, against
// an index instead of the filesystem.
package cacheengine

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/impalatogo/dfscache/cachefile"
	"github.com/impalatogo/dfscache/heap"
)

// candidate is one entry considered for eviction: the file plus the
// lastAccessTick observed when the candidate list was built. The heap
// orders on that snapshot; a touch after the snapshot neither reorders
// nor skips the candidate.
type candidate struct {
	file *cachefile.ManagedFile
	tick int64
}

func byTickAscending(x, y candidate) bool { return x.tick < y.tick }

// Engine is the process-wide (per-registry) weighted LRU cache over
// ManagedFiles. The zero value is not usable; construct with New.
type Engine struct {
	logger    *log.Logger
	hardLimit int64
	timeslice time.Duration

	tick int64 // atomic, monotonically increasing

	mu        sync.Mutex
	byPath    map[string]*cachefile.ManagedFile
	used      int64 // sum of Size() over READY+EVICTING files
	overshoot bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Engine with the given hard size limit (bytes) and
// periodic background-sweep cadence.
func New(hardLimit int64, timeslice time.Duration, logger *log.Logger) *Engine {
	return &Engine{
		logger:    logger,
		hardLimit: hardLimit,
		timeslice: timeslice,
		byPath:    make(map[string]*cachefile.ManagedFile),
	}
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// NextTick returns a freshly-incremented, process-wide monotonic
// access tick. Callers (the handle API) call this on every successful
// open/read and pass the result to ManagedFile.Touch.
func (e *Engine) NextTick() int64 {
	return atomic.AddInt64(&e.tick, 1)
}

// Find performs an O(1) lookup by local path, touching the file's
// lastAccessTick on a hit.
func (e *Engine) Find(localPath string) (*cachefile.ManagedFile, bool) {
	e.mu.Lock()
	f, ok := e.byPath[localPath]
	e.mu.Unlock()
	if ok {
		f.Touch(e.NextTick())
	}
	return f, ok
}

// Add inserts a new ManagedFile in state NEW keyed by localPath if
// none exists, or returns the existing entry (in whatever state) with
// admitted=false if one is already present. This is the admission
// half of the single-flight loader's step 1.
func (e *Engine) Add(localPath string, origin cachefile.RemoteOrigin, nature cachefile.Nature) (f *cachefile.ManagedFile, admitted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.byPath[localPath]; ok {
		return existing, false
	}
	f = cachefile.NewFile(origin, localPath, nature)
	e.byPath[localPath] = f
	return f, true
}

// AccountReady is called once a producer has transitioned a file to
// READY (cachefile.ManagedFile.CompleteDownload). It reconciles the
// engine's size accounting and, if the hard limit is breached, evicts
// in ascending lastAccessTick order until enough space is reclaimed
// or the feasible set is exhausted (spec.md §4.G: admission still
// succeeds even if it can't fully recover -- the overshoot is flagged,
// not refused).
func (e *Engine) AccountReady(f *cachefile.ManagedFile) {
	e.mu.Lock()
	e.used += f.Size()
	over := e.used - e.hardLimit
	if over <= 0 {
		e.overshoot = false
	}
	e.mu.Unlock()
	if over > 0 {
		e.makeRoom(over, f)
	}
}

// makeRoom evicts candidates (READY, unpinned, not `keep`) in
// ascending lastAccessTick order until needed bytes have been
// reclaimed or no more candidates remain.
func (e *Engine) makeRoom(needed int64, keep *cachefile.ManagedFile) {
	e.mu.Lock()
	cands := make([]candidate, 0, len(e.byPath))
	for _, f := range e.byPath {
		if f == keep || f.Pinned() || f.State() != cachefile.Ready {
			continue
		}
		cands = append(cands, candidate{file: f, tick: f.LastAccessTick()})
	}
	e.mu.Unlock()

	heap.OrderSlice(cands, byTickAscending)
	for needed > 0 && len(cands) > 0 {
		c := heap.PopSlice(&cands, byTickAscending)
		if c.file.Pinned() || c.file.State() != cachefile.Ready {
			continue
		}
		size := c.file.Size()
		if !c.file.BeginEviction() {
			continue
		}
		if c.file.Pinned() {
			// raced with a new reader between the checks above
			// and BeginEviction; leave it EVICTING, the sweep
			// will finish it once unpinned, but it doesn't
			// count toward the bytes we reclaimed right now.
			continue
		}
		if err := os.Remove(c.file.LocalPath); err != nil && !os.IsNotExist(err) {
			e.logf("cacheengine: evict %s: %v", c.file.LocalPath, err)
			continue
		}
		c.file.FinishEviction()
		e.mu.Lock()
		delete(e.byPath, c.file.LocalPath)
		e.used -= size
		e.mu.Unlock()
		needed -= size
	}
	e.mu.Lock()
	e.overshoot = needed > 0
	e.mu.Unlock()
}

// Remove implements spec.md §4.G's remove(localPath, physical). If
// physical is false, the file is simply unlinked from the index
// (its bytes remain on disk, untracked). If physical is true,
// eviction is reserved immediately (BeginEviction) and completed
// synchronously if the file happens to be unpinned already;
// otherwise the background sweep finishes it once refCount reaches
// zero.
func (e *Engine) Remove(localPath string, physical bool) bool {
	e.mu.Lock()
	f, ok := e.byPath[localPath]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if !physical {
		e.mu.Lock()
		delete(e.byPath, localPath)
		e.mu.Unlock()
		return true
	}
	switch f.State() {
	case cachefile.Ready:
		if !f.BeginEviction() {
			return false
		}
	case cachefile.Evicting:
		// already reserved by a previous call
	default:
		// NEW/DOWNLOADING/FAILED/DELETED: nothing on disk to
		// physically remove yet; just drop the index entry.
		e.mu.Lock()
		delete(e.byPath, localPath)
		e.mu.Unlock()
		return true
	}
	e.finishIfUnpinned(f)
	return true
}

func (e *Engine) finishIfUnpinned(f *cachefile.ManagedFile) bool {
	if f.State() != cachefile.Evicting || f.Pinned() {
		return false
	}
	size := f.Size()
	if err := os.Remove(f.LocalPath); err != nil && !os.IsNotExist(err) {
		e.logf("cacheengine: remove %s: %v", f.LocalPath, err)
		return false
	}
	f.FinishEviction()
	e.mu.Lock()
	delete(e.byPath, f.LocalPath)
	e.used -= size
	e.mu.Unlock()
	return true
}

// Discard unconditionally drops localPath's index entry, regardless
// of the ManagedFile's state. It is used by the single-flight loader
// after a producer cancels a download before any reader attached
// (ManagedFile.CancelDownload): the file is already DELETED, but the
// index entry must go too so a subsequent Open can admit a fresh one.
func (e *Engine) Discard(localPath string) {
	e.mu.Lock()
	delete(e.byPath, localPath)
	e.mu.Unlock()
}

// DeletePath performs a best-effort bulk removal of every entry whose
// local path has localPrefix as a path prefix, mirroring the
// teacher's Manager.clean directory-reset helper.
func (e *Engine) DeletePath(localPrefix string) bool {
	e.mu.Lock()
	matches := make([]*cachefile.ManagedFile, 0)
	for path, f := range e.byPath {
		if hasPathPrefix(path, localPrefix) {
			matches = append(matches, f)
		}
	}
	e.mu.Unlock()

	ok := true
	for _, f := range matches {
		if f.State() == cachefile.Ready {
			f.BeginEviction()
		}
		if !e.finishIfUnpinned(f) {
			ok = false
		}
	}
	return ok
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

// Used returns the currently-accounted byte total across READY and
// EVICTING files.
func (e *Engine) Used() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

// Overshoot reports whether the most recent admission could not fully
// reclaim enough space to satisfy the hard limit.
func (e *Engine) Overshoot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overshoot
}

// Sweep runs one pass of the periodic background eviction sweep: it
// finishes any EVICTING file that has since become unpinned, and, if
// usage still exceeds the hard limit, evicts further candidates.
func (e *Engine) Sweep() {
	e.mu.Lock()
	pending := make([]*cachefile.ManagedFile, 0)
	for _, f := range e.byPath {
		if f.State() == cachefile.Evicting {
			pending = append(pending, f)
		}
	}
	over := e.used - e.hardLimit
	e.mu.Unlock()

	for _, f := range pending {
		e.finishIfUnpinned(f)
	}
	if over > 0 {
		e.makeRoom(over, nil)
	}
}

// Start launches the periodic background sweep goroutine. Stop must
// be called to release it.
func (e *Engine) Start() {
	if e.timeslice <= 0 || e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(e.timeslice)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				e.Sweep()
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop halts the background sweep goroutine started by Start.
func (e *Engine) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.stop = nil
}
