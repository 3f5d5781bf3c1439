//go:build arm64

package backend

import "unsafe"

// cacheFlush is implemented in cache_clear_arm64.s: DC CVAU over the
// range, DSB ISH, then IC IVAU and a final ISB.
func cacheFlush(begin, end uintptr)

// cacheClean is implemented in cache_clear_arm64.s: DC CVAU plus a
// DSB ISH, without instruction-cache invalidation.
func cacheClean(begin, end uintptr)

// ClearICache invalidates the instruction cache for a code range.
func ClearICache(b []byte) {
	if len(b) == 0 {
		return
	}
	begin := uintptr(unsafe.Pointer(&b[0]))
	cacheFlush(begin, begin+uintptr(len(b)))
}

// ClearDCache cleans the data cache for a code range.
func ClearDCache(b []byte) {
	if len(b) == 0 {
		return
	}
	begin := uintptr(unsafe.Pointer(&b[0]))
	cacheClean(begin, begin+uintptr(len(b)))
}
