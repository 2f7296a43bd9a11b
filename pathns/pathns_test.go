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

package pathns

import (
	"strings"
	"testing"
)

// TestStability is spec property #7: re-running the derivation
// anywhere yields the same string.
func TestStability(t *testing.T) {
	a := Local("/cache", "hdfs", "nn1", 8020, "/a/b/c.parq", "")
	b := Local("/cache", "hdfs", "nn1", 8020, "/a/b/c.parq", "")
	if a != b {
		t.Fatalf("not stable: %q != %q", a, b)
	}
}

func TestDistinctInputsDistinctPaths(t *testing.T) {
	base := Local("/cache", "hdfs", "nn1", 8020, "/a/b/c.parq", "")
	cases := []string{
		Local("/cache", "s3n", "nn1", 8020, "/a/b/c.parq", ""),
		Local("/cache", "hdfs", "nn2", 8020, "/a/b/c.parq", ""),
		Local("/cache", "hdfs", "nn1", 8021, "/a/b/c.parq", ""),
		Local("/cache", "hdfs", "nn1", 8020, "/a/b/d.parq", ""),
		Local("/cache", "hdfs", "nn1", 8020, "/a/b/c.parq", "zstd"),
	}
	for _, c := range cases {
		if c == base {
			t.Fatalf("expected distinct path, got collision: %q", c)
		}
	}
}

func TestLongComponentFallsBackToDigest(t *testing.T) {
	long := strings.Repeat("x", 512)
	p := Local("/cache", "s3a", "bucket", 0, "/"+long, "")
	for _, comp := range strings.Split(p, "/") {
		if len(comp) > maxEscapedComponent {
			t.Fatalf("component too long and not digested: %d bytes", len(comp))
		}
	}
}

func TestLocalHostDenotesLocalFilesystem(t *testing.T) {
	p := Local("/cache", "local", "", 0, "/tmp/x", "")
	if !strings.HasPrefix(p, "/cache/local/local/") {
		t.Fatalf("expected the empty host to map to a local host component, got %q", p)
	}
}
