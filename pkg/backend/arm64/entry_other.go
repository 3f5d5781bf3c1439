//go:build !arm64

package arm64

import "j5.nz/svm/pkg/backend"

// Invoke is unavailable when cross-translating from a non-arm64 host.
func (t *Trampolines) Invoke(state *backend.State, cache uintptr) backend.HaltReason {
	panic("arm64: cannot enter translated code on a non-arm64 host")
}

// CanInvoke reports that emitted code cannot run in this process.
func (t *Trampolines) CanInvoke() bool { return false }
