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

// Package pathns computes the deterministic local path under which a
// remote object is cached. The mapping is a pure function of
// (fsType, host, port, remotePath, transform): it never consults
// wall-clock time, the process id, or access order, so the same
// remote object always lands at the same local path on every node in
// the cluster (spec property #7).
package pathns

import (
	"encoding/hex"
	"path"
	"strconv"
	"strings"

	"github.com/dchest/siphash"
)

// maxEscapedComponent bounds the length of the escaped-remote-path
// component of the local path. Object keys in remote stores can be
// arbitrarily long (S3 allows up to 1024 bytes); once the escaped
// form would cross this bound we fall back to a fixed-length keyed
// digest instead, so the cache root never needs path components long
// enough to risk ENAMETOOLONG.
const maxEscapedComponent = 180

// digestKey0/digestKey1 are the fixed siphash key halves used to
// digest remote paths that are too long to escape literally. They
// are process-wide constants (not randomized at startup) precisely
// so that Local(...) is stable across processes, per the package
// invariant above.
const (
	digestKey0 = 0x696d70616c61746f // "impalato"
	digestKey1 = 0x676f646663616368 // "godfcach"
)

// Local computes the local cache path for a remote object identified
// by (fsType, host, port, remotePath, transform), rooted at root.
// transform may be empty; a non-empty transform contributes an
// additional path component so that two different transforms of the
// same remote object are cached independently (they are, after all,
// different byte sequences on disk).
func Local(root, fsType, host string, port int, remotePath, transform string) string {
	hostPort := host
	if port != 0 {
		hostPort = host + ":" + strconv.Itoa(port)
	}
	if host == "" {
		hostPort = "local"
	}
	parts := []string{root, escape(fsType), escape(hostPort), escapePath(remotePath)}
	if transform != "" {
		parts = append(parts, transformHash(transform))
	}
	return path.Join(parts...)
}

// escape replaces path separators and other filesystem-hostile
// characters in a single path component.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteByte('_')
		case r < 0x20:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// escapePath escapes a remote path (which may contain internal '/'
// separators we want to preserve as real directory nesting) one
// component at a time, falling back to a keyed digest for any
// component that would otherwise be too long.
func escapePath(remotePath string) string {
	remotePath = strings.TrimPrefix(remotePath, "/")
	if remotePath == "" {
		return "_"
	}
	segs := strings.Split(remotePath, "/")
	for i, s := range segs {
		e := escape(s)
		if len(e) > maxEscapedComponent {
			e = "h-" + digestHex(s)
		}
		segs[i] = e
	}
	return path.Join(segs...)
}

func transformHash(transform string) string {
	return "t-" + digestHex(transform)
}

func digestHex(s string) string {
	lo, hi := siphash.Hash128(digestKey0, digestKey1, []byte(s))
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(lo >> (8 * i))
		buf[8+i] = byte(hi >> (8 * i))
	}
	return hex.EncodeToString(buf[:])
}

// Fingerprint returns the tuple key identifying a cacheable artifact,
// suitable for use as a map key in the single-flight loader and
// weighted LRU index. It is simply the local path, since Local above
// already folds every identity-relevant input into that string.
func Fingerprint(root, fsType, host string, port int, remotePath, transform string) string {
	return Local(root, fsType, host, port, remotePath, transform)
}

// Split attempts to reconstruct the (root, suffix) components of a
// local path, used when enumerating an existing cache directory at
// startup. It is only as reliable as path.Join's behavior and is
// intended for diagnostics, not as an inverse of Local (Local is not
// required to be invertible once a digest fallback has been taken).
func Split(root, local string) (suffix string, ok bool) {
	rel := strings.TrimPrefix(local, root)
	if rel == local {
		return "", false
	}
	return strings.TrimPrefix(rel, "/"), true
}
