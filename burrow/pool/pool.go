// Package pool hands out size-classed byte slices for frame encoding and
// outbound buffering, so the hot send/receive path does not allocate per
// frame.
package pool

import (
	"sync"
)

const SIZE_TINY = 64      // header-sized allocs
const SIZE_SMALL = 512    // typical method frames
const SIZE_MEDIUM = 4096  // message bodies
const SIZE_LARGE = 65536  // read buffers, large bodies

var poolTiny = &sync.Pool{
	New: func() any {
		b := [SIZE_TINY]byte{}
		return &b
	},
}

var poolSmall = &sync.Pool{
	New: func() any {
		b := [SIZE_SMALL]byte{}
		return &b
	},
}

var poolMedium = &sync.Pool{
	New: func() any {
		b := [SIZE_MEDIUM]byte{}
		return &b
	},
}

var poolLarge = &sync.Pool{
	New: func() any {
		b := [SIZE_LARGE]byte{}
		return &b
	},
}

// Get returns a zero-length slice with at least sz bytes of capacity.
// Requests above SIZE_LARGE fall back to a plain allocation and are not
// pooled on Put.
func Get(sz int) []byte {
	switch {
	case sz <= SIZE_TINY:
		return poolTiny.Get().(*[SIZE_TINY]byte)[:0]
	case sz <= SIZE_SMALL:
		return poolSmall.Get().(*[SIZE_SMALL]byte)[:0]
	case sz <= SIZE_MEDIUM:
		return poolMedium.Get().(*[SIZE_MEDIUM]byte)[:0]
	case sz <= SIZE_LARGE:
		return poolLarge.Get().(*[SIZE_LARGE]byte)[:0]
	default:
		return make([]byte, 0, sz)
	}
}

// Put returns a slice obtained from Get. Slices with foreign capacities are
// dropped.
func Put(b []byte) {
	switch cap(b) {
	case SIZE_TINY:
		poolTiny.Put((*[SIZE_TINY]byte)(b[0:SIZE_TINY]))
	case SIZE_SMALL:
		poolSmall.Put((*[SIZE_SMALL]byte)(b[0:SIZE_SMALL]))
	case SIZE_MEDIUM:
		poolMedium.Put((*[SIZE_MEDIUM]byte)(b[0:SIZE_MEDIUM]))
	case SIZE_LARGE:
		poolLarge.Put((*[SIZE_LARGE]byte)(b[0:SIZE_LARGE]))
	default:
	}
}
