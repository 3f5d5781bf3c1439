//go:build !arm64

package backend

// ClearICache invalidates the instruction cache for a code range. Only
// the arm64 host needs explicit maintenance; elsewhere this is a
// no-op.
func ClearICache(b []byte) {}

// ClearDCache cleans the data cache for a code range.
func ClearDCache(b []byte) {}
