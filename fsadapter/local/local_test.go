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

package local

import (
	"context"
	"io"
	"testing"

	"github.com/impalatogo/dfscache/fsadapter"
)

func dial(t *testing.T) fsadapter.Adapter {
	t.Helper()
	a, err := Dial(context.Background(), fsadapter.Descriptor{
		DFSType:     fsadapter.Local,
		Credentials: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return a
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	a := dial(t)

	f, err := a.Open(ctx, "/data.txt", fsadapter.Create, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open(Create): %v", err)
	}
	if _, err := f.Write([]byte("hello cache")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err = a.Open(ctx, "/data.txt", fsadapter.ReadOnly, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open(ReadOnly): %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello cache" {
		t.Fatalf("got %q, want %q", got, "hello cache")
	}
}

func TestGetFileStatusReportsSize(t *testing.T) {
	ctx := context.Background()
	a := dial(t)

	f, err := a.Open(ctx, "/sized.bin", fsadapter.Create, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.Write(make([]byte, 4096)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	st, err := a.GetFileStatus(ctx, "/sized.bin")
	if err != nil {
		t.Fatalf("GetFileStatus: %v", err)
	}
	if st.Size != 4096 {
		t.Fatalf("got size %d, want 4096", st.Size)
	}
	if st.IsDir {
		t.Fatal("a regular file reported IsDir true")
	}
}

func TestListDirectoryAndDelete(t *testing.T) {
	ctx := context.Background()
	a := dial(t)

	if err := a.CreateDirectory(ctx, "/sub"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	for _, name := range []string{"/sub/a", "/sub/b"} {
		f, err := a.Open(ctx, name, fsadapter.Create, 0, 0, 0)
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		f.Close()
	}

	entries, err := a.ListStatus(ctx, "/sub")
	if err != nil {
		t.Fatalf("ListStatus: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	if err := a.Delete(ctx, "/sub", true); err != nil {
		t.Fatalf("Delete(recursive): %v", err)
	}
	exists, err := a.Exists(ctx, "/sub")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("directory still exists after recursive delete")
	}
}

func TestRenameMovesFile(t *testing.T) {
	ctx := context.Background()
	a := dial(t)

	f, err := a.Open(ctx, "/old.txt", fsadapter.Create, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Write([]byte("x"))
	f.Close()

	if err := a.Rename(ctx, "/old.txt", "/new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if ok, _ := a.Exists(ctx, "/old.txt"); ok {
		t.Fatal("source still exists after rename")
	}
	if ok, _ := a.Exists(ctx, "/new.txt"); !ok {
		t.Fatal("destination missing after rename")
	}
}

func TestCopyLeavesSourceIntact(t *testing.T) {
	ctx := context.Background()
	a := dial(t)

	f, err := a.Open(ctx, "/src.txt", fsadapter.Create, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Write([]byte("copy me"))
	f.Close()

	if err := a.Copy(ctx, "/src.txt", "/dst.txt"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	for _, name := range []string{"/src.txt", "/dst.txt"} {
		f, err := a.Open(ctx, name, fsadapter.ReadOnly, 0, 0, 0)
		if err != nil {
			t.Fatalf("Open(%s): %v", name, err)
		}
		got, _ := io.ReadAll(f)
		f.Close()
		if string(got) != "copy me" {
			t.Fatalf("%s: got %q, want %q", name, got, "copy me")
		}
	}
}
