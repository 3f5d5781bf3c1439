package riscv64

import (
	"github.com/pkg/errors"

	"j5.nz/svm/pkg/backend"
	"j5.nz/svm/pkg/ir"
	"j5.nz/svm/pkg/ir/passes"
)

// ErrNotWired marks the parts of this backend that do not generate
// code yet.
var ErrNotWired = errors.New("riscv64 backend is not wired for code generation")

type hostBackend struct{}

func init() {
	backend.RegisterBackend(hostBackend{})
}

// ISA identifies the backend.
func (hostBackend) ISA() backend.ISA { return backend.ISARiscv64 }

// NewTrampolines is not available yet; configuring riscv64 with the
// JIT enabled fails at address-space creation and callers run the
// interpreter instead.
func (hostBackend) NewTrampolines(cfg *backend.Config, module *backend.Module) (backend.Trampolines, error) {
	return nil, ErrNotWired
}

// TranslateBlock is not available yet.
func (hostBackend) TranslateBlock(module *backend.Module, tramp backend.Trampolines, block *ir.Block, ra *passes.RegAlloc) (uint16, backend.CodeBuffer, error) {
	return backend.InvalidCacheID, backend.CodeBuffer{}, ErrNotWired
}

// TranslateFunction is not available yet.
func (hostBackend) TranslateFunction(module *backend.Module, tramp backend.Trampolines, fn *ir.HIRFunction, ra *passes.RegAlloc) (uint16, backend.CodeBuffer, error) {
	return backend.InvalidCacheID, backend.CodeBuffer{}, ErrNotWired
}
