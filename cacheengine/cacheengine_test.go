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

package cacheengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/impalatogo/dfscache/cachefile"
)

func populate(t *testing.T, e *Engine, dir, name string, size int64) *cachefile.ManagedFile {
	t.Helper()
	local := filepath.Join(dir, name)
	if err := os.WriteFile(local, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	f, admitted := e.Add(local, cachefile.RemoteOrigin{RemotePath: "/" + name}, cachefile.Physical)
	if !admitted {
		t.Fatalf("expected fresh admission for %s", name)
	}
	f.BeginDownload()
	f.CompleteDownload(size)
	e.AccountReady(f)
	return f
}

func TestFindTouchesAccessTick(t *testing.T) {
	dir := t.TempDir()
	e := New(1<<20, 0, nil)
	f := populate(t, e, dir, "a", 10)
	before := f.LastAccessTick()
	if _, ok := e.Find(f.LocalPath); !ok {
		t.Fatal("expected Find to locate the file")
	}
	if f.LastAccessTick() <= before {
		t.Fatal("expected Find to advance lastAccessTick")
	}
}

func TestAddIsIdempotentAcrossConcurrentWinners(t *testing.T) {
	dir := t.TempDir()
	e := New(1<<20, 0, nil)
	local := filepath.Join(dir, "a")
	f1, admitted1 := e.Add(local, cachefile.RemoteOrigin{RemotePath: "/a"}, cachefile.Physical)
	f2, admitted2 := e.Add(local, cachefile.RemoteOrigin{RemotePath: "/a"}, cachefile.Physical)
	if !admitted1 || admitted2 {
		t.Fatal("expected exactly one admission winner")
	}
	if f1 != f2 {
		t.Fatal("expected both callers to observe the same ManagedFile")
	}
}

func TestEvictionPicksOldestUnpinnedFirst(t *testing.T) {
	dir := t.TempDir()
	e := New(35, 0, nil)

	oldest := populate(t, e, dir, "oldest", 10)
	e.Find(oldest.LocalPath) // tick 1
	middle := populate(t, e, dir, "middle", 10)
	e.Find(middle.LocalPath) // tick 2
	pinned := populate(t, e, dir, "pinned", 10)
	pinned.IncRef()
	defer pinned.DecRef()

	// admitting a 4th file breaches the hard limit of 35 bytes;
	// oldest should be evicted first, skipping the pinned file.
	populate(t, e, dir, "newest", 10)

	if oldest.State() != cachefile.Deleted {
		t.Fatalf("expected oldest to be evicted, got %s", oldest.State())
	}
	if pinned.State() == cachefile.Deleted {
		t.Fatal("pinned file must never be physically removed")
	}
	if _, err := os.Stat(oldest.LocalPath); !os.IsNotExist(err) {
		t.Fatal("expected oldest's local file to be removed from disk")
	}
}

func TestOvershootFlaggedWhenNoFeasibleCandidates(t *testing.T) {
	dir := t.TempDir()
	e := New(5, 0, nil)
	f := populate(t, e, dir, "a", 10)
	f.IncRef()
	defer f.DecRef()

	if !e.Overshoot() {
		t.Fatal("expected overshoot to be flagged when no other file can be evicted")
	}
	if f.State() != cachefile.Ready {
		t.Fatalf("expected the pinned file to remain READY, got %s", f.State())
	}
}

func TestRemoveNonPhysicalOnlyUnlinksIndex(t *testing.T) {
	dir := t.TempDir()
	e := New(1<<20, 0, nil)
	f := populate(t, e, dir, "a", 10)

	if !e.Remove(f.LocalPath, false) {
		t.Fatal("expected Remove to succeed")
	}
	if _, err := os.Stat(f.LocalPath); err != nil {
		t.Fatal("non-physical Remove must not delete the on-disk file")
	}
	if _, ok := e.Find(f.LocalPath); ok {
		t.Fatal("expected the index entry to be gone")
	}
}

func TestRemovePhysicalDeletesUnpinnedFile(t *testing.T) {
	dir := t.TempDir()
	e := New(1<<20, 0, nil)
	f := populate(t, e, dir, "a", 10)

	if !e.Remove(f.LocalPath, true) {
		t.Fatal("expected physical Remove to succeed")
	}
	if f.State() != cachefile.Deleted {
		t.Fatalf("expected DELETED, got %s", f.State())
	}
	if _, err := os.Stat(f.LocalPath); !os.IsNotExist(err) {
		t.Fatal("expected the on-disk file to be removed")
	}
}

func TestDeletePathBulkRemoval(t *testing.T) {
	dir := t.TempDir()
	e := New(1<<20, 0, nil)
	sub := filepath.Join(dir, "prefix")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	a := populate(t, e, sub, "a", 10)
	b := populate(t, e, sub, "b", 10)
	other := populate(t, e, dir, "unrelated", 10)

	if !e.DeletePath(sub) {
		t.Fatal("expected DeletePath to report full success")
	}
	if a.State() != cachefile.Deleted || b.State() != cachefile.Deleted {
		t.Fatal("expected both prefixed files to be deleted")
	}
	if other.State() == cachefile.Deleted {
		t.Fatal("expected the unrelated file to survive")
	}
}

func TestSweepFinishesEvictingFileOnceUnpinned(t *testing.T) {
	dir := t.TempDir()
	e := New(1<<20, 0, nil)
	f := populate(t, e, dir, "a", 10)
	f.IncRef()
	f.BeginEviction()

	e.Sweep()
	if f.State() != cachefile.Evicting {
		t.Fatalf("expected EVICTING to persist while pinned, got %s", f.State())
	}

	f.DecRef()
	e.Sweep()
	if f.State() != cachefile.Deleted {
		t.Fatalf("expected DELETED once unpinned and swept, got %s", f.State())
	}
}
