//go:build arm64

package arm64

import "j5.nz/svm/pkg/backend"

// nativeCall enters the runtime-entry trampoline; implemented in
// entry_arm64.s. The trampoline saves and restores every callee-saved
// register, including the goroutine register, before guest code runs.
func nativeCall(entry, state, cache uintptr) uint32

// Invoke enters translated code and returns its halt reason.
func (t *Trampolines) Invoke(state *backend.State, cache uintptr) backend.HaltReason {
	return backend.HaltReason(nativeCall(t.runtimeEntry, uintptr(state.Ptr()), cache))
}

// CanInvoke reports that this process can branch into emitted code.
func (t *Trampolines) CanInvoke() bool { return true }
