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

// Package heap implements generic binary-heap operations over a plain
// slice, so the cache engine's eviction candidate list (cacheengine)
// can keep ownership of its backing array instead of going through
// container/heap's interface boxing.
package heap

// FixSlice restores the heap invariant around x[index] after its
// value has changed in place.
func FixSlice[T any](x []T, index int, less func(x, y T) bool) {
	siftDown(x, index, less)
	siftUp(x, index, less)
}

// PopSlice removes and returns the root element (the "smallest" by
// less), shrinking x by one and re-establishing the heap invariant.
func PopSlice[T any](x *[]T, less func(x, y T) bool) T {
	ret := (*x)[0]
	(*x)[0], *x = (*x)[len(*x)-1], (*x)[:len(*x)-1]
	if len(*x) > 0 {
		siftDown((*x), 0, less)
	}
	return ret
}

// PushSlice appends item to x and restores the heap invariant.
func PushSlice[T any](x *[]T, item T, less func(x, y T) bool) {
	*x = append(*x, item)
	siftUp(*x, len(*x)-1, less)
}

// OrderSlice heapifies x in place so that x[0] is the "smallest"
// element according to less.
func OrderSlice[T any](x []T, less func(x, y T) bool) {
	for i := len(x) - 1; i >= 0; i-- {
		siftDown(x, i, less)
		siftUp(x, i, less)
	}
}

func siftUp[T any](x []T, index int, less func(x, y T) bool) {
	for index > 0 {
		p := (index - 1) / 2
		if less(x[p], x[index]) {
			break
		}
		x[p], x[index] = x[index], x[p]
		index = p
	}
}

func siftDown[T any](x []T, index int, less func(x, y T) bool) {
	for {
		left := (index * 2) + 1
		right := left + 1
		if left >= len(x) {
			break
		}
		c := left
		if len(x) > right && less(x[right], x[left]) {
			c = right
		}
		if less(x[index], x[c]) {
			break
		}
		x[c], x[index] = x[index], x[c]
		index = c
	}
}
