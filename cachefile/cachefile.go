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

// Package cachefile defines ManagedFile, the unit of cache residency
// (spec.md §3): a local path, its remote origin, the size once known,
// a state machine, and a reference count of live scan handles.
//
// ManagedFile owns its local on-disk artifacts; handles elsewhere
// (handle.Handle) hold only a reservation (IncRef/DecRef) against it,
// not a back-pointer, per the cyclic-ownership redesign note in
// spec.md §9.
package cachefile

import (
	"sync"
	"time"
)

// State is the ManagedFile lifecycle state from spec.md §3.
type State int

const (
	New State = iota
	Downloading
	Ready
	Evicting
	Failed
	Deleted
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Downloading:
		return "DOWNLOADING"
	case Ready:
		return "READY"
	case Evicting:
		return "EVICTING"
	case Failed:
		return "FAILED"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Nature distinguishes a physically-downloaded cache entry from one
// backing a CREATE TABLE AS SELECT write in progress.
type Nature int

const (
	Physical Nature = iota
	CreateFromSelect
)

// RemoteOrigin identifies what a ManagedFile is a local copy of.
type RemoteOrigin struct {
	DFSType      string
	Host         string
	Port         int
	RemotePath   string
	TransformCmd string
}

// ManagedFile is the cache citizen described in spec.md §3. All
// mutable fields are guarded by mu; callers must use the accessor
// methods below rather than touching fields directly (the zero value
// is not usable; construct with NewFile).
type ManagedFile struct {
	Origin    RemoteOrigin
	LocalPath string
	Nature    Nature

	mu             sync.Mutex
	cond           sync.Cond
	state          State
	sizeBytes      int64
	checksum       [32]byte
	refCount       int
	dirty          bool
	lastAccessTick int64
	failedUntil    time.Time
	failErr        error
}

// NewFile constructs a ManagedFile in state NEW for the given origin
// and local path. Callers normally go through loader.Loader rather
// than constructing one directly, since the loader is what enforces
// the single-producer invariant.
func NewFile(origin RemoteOrigin, localPath string, nature Nature) *ManagedFile {
	f := &ManagedFile{
		Origin:    origin,
		LocalPath: localPath,
		Nature:    nature,
	}
	f.cond.L = &f.mu
	return f
}

// State returns the current lifecycle state.
func (f *ManagedFile) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Size returns sizeBytes; only meaningful once State() >= Ready.
func (f *ManagedFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizeBytes
}

// RefCount returns the current live-handle count.
func (f *ManagedFile) RefCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refCount
}

// Pinned reports whether the file currently has live references and
// is therefore ineligible for physical removal (invariant 4).
func (f *ManagedFile) Pinned() bool {
	return f.RefCount() > 0
}

// LastAccessTick returns the monotonic tick of the most recent
// successful open/read, used by the eviction engine's LRU ordering
// (invariant 5: ticks are totally ordered, not wall-clock based).
func (f *ManagedFile) LastAccessTick() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAccessTick
}

// Touch bumps lastAccessTick to tick if tick is larger than the
// current value (ticks only move forward).
func (f *ManagedFile) Touch(tick int64) {
	f.mu.Lock()
	if tick > f.lastAccessTick {
		f.lastAccessTick = tick
	}
	f.mu.Unlock()
}

// IncRef increments the reference count, pinning the file.
func (f *ManagedFile) IncRef() {
	f.mu.Lock()
	f.refCount++
	f.mu.Unlock()
}

// DecRef decrements the reference count. It panics on an unbalanced
// DecRef, since that indicates a double-close somewhere upstream.
func (f *ManagedFile) DecRef() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refCount == 0 {
		panic("cachefile: DecRef of unreferenced ManagedFile")
	}
	f.refCount--
}

// MarkDirty flags that the remote side is believed to have changed;
// the next open should trigger a re-download.
func (f *ManagedFile) MarkDirty() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// Dirty reports (and, if clear is true, clears) the dirty flag.
func (f *ManagedFile) Dirty(clear bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.dirty
	if clear {
		f.dirty = false
	}
	return d
}

// TryBeginRedownload atomically checks the dirty flag on a READY file
// and, if set, clears it and transitions to DOWNLOADING, electing the
// caller as producer of a fresh download -- the "next open triggers
// re-download" half of spec.md §3's dirtyFlag description. It reports
// whether the caller won that election, so concurrent openers of the
// same dirty file never both become producers.
func (f *ManagedFile) TryBeginRedownload() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Ready || !f.dirty {
		return false
	}
	f.dirty = false
	f.state = Downloading
	return true
}

// BeginDownload transitions NEW -> DOWNLOADING. It is only valid for
// the loader's elected producer to call this; it panics if the file
// is not in state NEW.
func (f *ManagedFile) BeginDownload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != New {
		panic("cachefile: BeginDownload from non-NEW state " + f.state.String())
	}
	f.state = Downloading
}

// CompleteDownload transitions DOWNLOADING -> READY, records the
// final size, and wakes every waiter blocked in WaitReady.
func (f *ManagedFile) CompleteDownload(size int64) {
	f.CompleteDownloadChecksum(size, [32]byte{})
}

// CompleteDownloadChecksum is CompleteDownload plus a content checksum
// computed by the caller over the bytes just written to LocalPath,
// recorded so a later re-open can detect silent on-disk corruption or
// a remote origin that changed out from under an unevicted cache
// entry. A zero checksum means none was computed (e.g. tests that
// don't care).
func (f *ManagedFile) CompleteDownloadChecksum(size int64, sum [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Downloading {
		panic("cachefile: CompleteDownload from non-DOWNLOADING state " + f.state.String())
	}
	f.sizeBytes = size
	f.checksum = sum
	f.state = Ready
	f.cond.Broadcast()
}

// Checksum returns the blake2b-256 digest recorded by
// CompleteDownloadChecksum, or the zero digest if none was recorded.
func (f *ManagedFile) Checksum() [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checksum
}

// FailDownload transitions DOWNLOADING -> FAILED with a cooldown
// deadline, publishing cause to every current and future waiter until
// the cooldown elapses (spec.md §4.H step 5).
func (f *ManagedFile) FailDownload(cause error, cooldown time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Downloading {
		panic("cachefile: FailDownload from non-DOWNLOADING state " + f.state.String())
	}
	f.state = Failed
	f.failErr = cause
	f.failedUntil = time.Now().Add(cooldown)
	f.cond.Broadcast()
}

// CancelDownload transitions DOWNLOADING -> DELETED when the
// producer is cancelled before any reader attached (spec.md §4.H
// step 6).
func (f *ManagedFile) CancelDownload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Downloading {
		panic("cachefile: CancelDownload from non-DOWNLOADING state " + f.state.String())
	}
	f.state = Deleted
	f.cond.Broadcast()
}

// FailError returns the cause recorded by FailDownload, if any.
func (f *ManagedFile) FailError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failErr
}

// CooldownExpired reports whether a FAILED file's cooldown has
// elapsed, meaning the next requester may reset it to NEW and retry.
func (f *ManagedFile) CooldownExpired(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Failed && !now.Before(f.failedUntil)
}

// ResetForRetry transitions FAILED -> NEW after the cooldown has
// elapsed, so a new producer can be elected.
func (f *ManagedFile) ResetForRetry() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Failed {
		panic("cachefile: ResetForRetry from non-FAILED state " + f.state.String())
	}
	f.state = New
	f.failErr = nil
}

// TryRestartFromFailure atomically checks whether a FAILED file's
// cooldown has elapsed and, if so, transitions it directly to
// DOWNLOADING and elects the caller as the new producer. It reports
// whether the caller won that election, so concurrent retriers after
// the same cooldown never both become producers.
func (f *ManagedFile) TryRestartFromFailure(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Failed || now.Before(f.failedUntil) {
		return false
	}
	f.state = Downloading
	f.failErr = nil
	return true
}

// BeginEviction transitions READY -> EVICTING. It is a reservation,
// not a deletion: per invariant 4, physical removal is deferred until
// RefCount reaches zero, so this may succeed even on a pinned file
// (the cache engine's candidate selection is what skips pinned files
// when it wants space freed immediately; a caller that explicitly
// wants a path gone, e.g. deletePath, may still reserve it now). It
// is a no-op (returns false) if the file is not currently READY.
func (f *ManagedFile) BeginEviction() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Ready {
		return false
	}
	f.state = Evicting
	return true
}

// FinishEviction transitions EVICTING -> DELETED. Callers must only
// call this once RefCount() == 0; it panics otherwise.
func (f *ManagedFile) FinishEviction() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Evicting {
		panic("cachefile: FinishEviction from non-EVICTING state " + f.state.String())
	}
	if f.refCount > 0 {
		panic("cachefile: FinishEviction of a pinned file")
	}
	f.state = Deleted
}

// WaitReady blocks until the file leaves DOWNLOADING, or until
// cancel fires (spec.md §5: "all per-file condition waits must accept
// a deadline"). It returns the terminal state observed. Waiting does
// not mutate the file's state -- cancellation only unblocks the
// caller, the producer continues unless it is itself the one being
// cancelled.
func (f *ManagedFile) WaitReady(cancel <-chan struct{}) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Downloading {
		return f.state
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-cancel:
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		case <-stop:
		}
	}()
	for f.state == Downloading {
		select {
		case <-cancel:
			return Downloading
		default:
		}
		f.cond.Wait()
	}
	return f.state
}
