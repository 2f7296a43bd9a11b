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

package s3

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/impalatogo/dfscache/fsadapter"
)

// dial builds a live adapter against AWS_TEST_BUCKET, the same
// environment variable the teacher's aws/s3 integration test reads.
// Skipped under -short or when no bucket is configured, since this
// talks to real S3.
func dial(t *testing.T) (fsadapter.Adapter, string) {
	t.Helper()
	bucket := os.Getenv("AWS_TEST_BUCKET")
	if testing.Short() || bucket == "" {
		t.Skip("skipping S3-specific test")
	}
	a, err := Dial(context.Background(), fsadapter.Descriptor{
		DFSType: fsadapter.S3A,
		Host:    bucket,
	})
	if err != nil {
		t.Skipf("skipping; couldn't dial bucket: %s", err)
	}
	r := rand.New(rand.NewSource(time.Now().Unix()))
	prefix := fmt.Sprintf("/go-test-%d", r.Int())
	return a, prefix
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	a, prefix := dial(t)
	ctx := context.Background()
	key := prefix + "/data.txt"

	f, err := a.Open(ctx, key, fsadapter.Create, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open(Create): %v", err)
	}
	if _, err := f.Write([]byte("hello s3")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	defer a.Delete(ctx, key, false)

	f, err = a.Open(ctx, key, fsadapter.ReadOnly, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open(ReadOnly): %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello s3" {
		t.Fatalf("got %q, want %q", got, "hello s3")
	}
}

func TestExistsAndDelete(t *testing.T) {
	a, prefix := dial(t)
	ctx := context.Background()
	key := prefix + "/exists.txt"

	if ok, _ := a.Exists(ctx, key); ok {
		t.Fatal("object exists before it was ever written")
	}
	f, err := a.Open(ctx, key, fsadapter.Create, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Write([]byte("x"))
	f.Close()

	if ok, err := a.Exists(ctx, key); err != nil || !ok {
		t.Fatalf("Exists after write: ok=%v err=%v", ok, err)
	}
	if err := a.Delete(ctx, key, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := a.Exists(ctx, key); ok {
		t.Fatal("object still exists after Delete")
	}
}

func TestCopyProducesIndependentObject(t *testing.T) {
	a, prefix := dial(t)
	ctx := context.Background()
	src, dst := prefix+"/src.txt", prefix+"/dst.txt"

	f, err := a.Open(ctx, src, fsadapter.Create, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Write([]byte("copy me"))
	f.Close()
	defer a.Delete(ctx, src, false)

	if err := a.Copy(ctx, src, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	defer a.Delete(ctx, dst, false)

	f, err = a.Open(ctx, dst, fsadapter.ReadOnly, 0, 0, 0)
	if err != nil {
		t.Fatalf("Open(dst): %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "copy me" {
		t.Fatalf("got %q, want %q", got, "copy me")
	}
}
