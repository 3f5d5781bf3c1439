package arm64

import (
	"github.com/pkg/errors"

	"j5.nz/svm/pkg/backend"
	"j5.nz/svm/pkg/ir"
	"j5.nz/svm/pkg/ir/passes"
)

// hostBackend wires the arm64 code generator into the backend
// registry.
type hostBackend struct{}

func init() {
	backend.RegisterBackend(hostBackend{})
}

// ISA identifies the backend.
func (hostBackend) ISA() backend.ISA { return backend.ISAArm64 }

// NewTrampolines builds the shared trampolines in the module's cache.
func (hostBackend) NewTrampolines(cfg *backend.Config, module *backend.Module) (backend.Trampolines, error) {
	return newTrampolines(cfg, module)
}

// TranslateBlock lowers one block into the module's code cache.
// Lowering panics on malformed IR; those panics surface as errors so
// the host loop can report IllegalCode.
func (hostBackend) TranslateBlock(module *backend.Module, tramp backend.Trampolines, block *ir.Block, ra *passes.RegAlloc) (id uint16, buf backend.CodeBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, buf, err = backend.InvalidCacheID, backend.CodeBuffer{}, errors.Errorf("arm64 lowering: %v", r)
		}
	}()

	ctx := NewJitContext(module, ra)
	NewTranslator(ctx).TranslateBlock(block)
	ctx.Finish()

	id, buf, err = module.AllocCodeCache(ctx.BufferSize())
	if err != nil {
		return backend.InvalidCacheID, backend.CodeBuffer{}, err
	}
	if _, err = ctx.Flush(buf); err != nil {
		return backend.InvalidCacheID, backend.CodeBuffer{}, err
	}
	return id, buf, nil
}

// TranslateFunction lowers a whole HIR function as one artifact with
// in-function label branches between its blocks.
func (hostBackend) TranslateFunction(module *backend.Module, tramp backend.Trampolines, fn *ir.HIRFunction, ra *passes.RegAlloc) (id uint16, buf backend.CodeBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, buf, err = backend.InvalidCacheID, backend.CodeBuffer{}, errors.Errorf("arm64 lowering: %v", r)
		}
	}()

	ctx := NewJitContext(module, ra)
	ctx.SetCurrentFunction(fn.Function())
	tr := NewTranslator(ctx)
	for _, hb := range fn.BlocksRPO() {
		block := hb.Block()
		if !block.StartLocation().Valid() {
			continue
		}
		tr.TranslateBlock(block)
	}
	ctx.Finish()

	id, buf, err = module.AllocCodeCache(ctx.BufferSize())
	if err != nil {
		return backend.InvalidCacheID, backend.CodeBuffer{}, err
	}
	if _, err = ctx.Flush(buf); err != nil {
		return backend.InvalidCacheID, backend.CodeBuffer{}, err
	}
	return id, buf, nil
}
