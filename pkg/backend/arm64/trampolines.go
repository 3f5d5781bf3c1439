package arm64

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"j5.nz/svm/pkg/backend"
	"j5.nz/svm/pkg/ir"
)


// Trampolines is the arm64 bridge between the host ABI and translated
// code: the runtime entry with the embedded L1/L2 dispatcher, the
// return-to-host tail, and call-host thunks.
type Trampolines struct {
	cfg    *backend.Config
	module *backend.Module
	buf    backend.CodeBuffer

	runtimeEntry uintptr
	returnHost   uintptr

	gprs ir.RegMask
	fprs ir.RegMask

	mu             sync.Mutex
	callHostTramps map[ir.Location]uintptr
	sigTramps      map[uint64]uintptr
}

func newTrampolines(cfg *backend.Config, module *backend.Module) (*Trampolines, error) {
	t := &Trampolines{
		cfg:            cfg,
		module:         module,
		callHostTramps: make(map[ir.Location]uintptr),
		sigTramps:      make(map[uint64]uintptr),
	}

	var statics []uint8
	for _, desc := range cfg.BuffersStaticAlloc {
		if !desc.IsFloat {
			statics = append(statics, desc.Reg)
		}
	}
	var staticFPRs []uint8
	for _, desc := range cfg.BuffersStaticAlloc {
		if desc.IsFloat {
			staticFPRs = append(staticFPRs, desc.Reg)
		}
	}
	t.gprs = allocatableGPRs(statics)
	t.fprs = allocatableFPRs(staticFPRs)
	if cfg.EnableAsmInterp {
		t.gprs.Clear(regArgs)
		t.gprs.Clear(regArg)
		t.gprs.Clear(regHandle)
	}

	asm := NewAssembler()
	entry := asm.NewLabel()
	retHost := asm.NewLabel()
	t.buildRuntimeEntry(asm, entry, retHost)
	asm.Finalize()

	_, buf, err := module.AllocCodeCache(asm.Size())
	if err != nil {
		return nil, errors.Wrap(err, "alloc trampoline cache")
	}
	copy(buf.RW, asm.Code())
	buf.Flush()
	t.buf = buf
	t.runtimeEntry = buf.ExecAddr() + uintptr(entry.offset)
	t.returnHost = buf.ExecAddr() + uintptr(retHost.offset)
	return t, nil
}

// RuntimeEntry returns the entry address.
func (t *Trampolines) RuntimeEntry() uintptr { return t.runtimeEntry }

// GPRRegs returns the allocatable GPR bank.
func (t *Trampolines) GPRRegs() ir.RegMask { return t.gprs }

// FPRRegs returns the allocatable FPR bank.
func (t *Trampolines) FPRRegs() ir.RegMask { return t.fprs }

// TempGPRs returns the reserved scratch GPRs.
func (t *Trampolines) TempGPRs() []ir.HostGPR { return tempGPRs() }

// TempFPRs returns the reserved scratch FPRs.
func (t *Trampolines) TempFPRs() []ir.HostFPR { return tempFPRs() }

// buildRuntimeEntry emits the entry/dispatcher/return-host block.
//
// Entry: save host callee-saves, pin the fixed registers from State,
// and either branch to the supplied cache pointer or fall into the
// dispatcher. Dispatcher: hash the current PC, probe L1 then L2,
// write back L2 hits into L1, and run the hit; a miss returns
// CacheMiss to the host.
func (t *Trampolines) buildRuntimeEntry(a *Assembler, entry, retHost *Label) {
	const (
		locIndex = regIP0
		l1Cache  = regIP1
		l1Index  = regIP2
		l1Start  = regIP3
		l2Index  = regIP4
		l2Start  = regIP5
		forward  = regIP7
	)

	goGuest := a.NewLabel()
	dispatcher := a.NewLabel()
	cacheMiss := a.NewLabel()

	a.Bind(entry)
	t.buildSaveHostCallee(a)

	a.Mov(regState, X0)
	a.Mov(forward, X1)
	a.Ldr(regCache, regState, backend.StateOffL2CodeCache)
	if t.cfg.PageTable != 0 || t.cfg.MemoryBase != 0 {
		a.Ldr(regPT, regState, backend.StateOffPageTable)
	}
	a.Ldr(regFlags, regState, backend.StateOffHostFlags)
	if t.cfg.HasLocalOperation {
		a.Ldr(regLocal, regState, backend.StateOffLocalBuffer)
	}
	if t.cfg.GlobalOpts.Has(backend.OptReturnStackBuffer) {
		a.Ldr(regRSBPtr, regState, backend.StateOffRSBPointer)
	}
	a.Cbnz(forward, goGuest)

	t.buildRestoreStaticUniform(a)

	a.Bind(dispatcher)
	a.Ldr(regLoc, regState, backend.StateOffCurrentLoc)
	a.LsrImm(locIndex, regLoc, 2)

	// L1 probe.
	a.Ldr(l1Cache, regState, backend.StateOffL1CodeCache)
	a.EorShifted(l1Index, locIndex, locIndex, ShiftLSR, backend.L1CacheBits)
	a.Ubfx(l1Index, l1Index, 0, backend.L1CacheBits)
	a.AddShifted(l1Start, l1Cache, l1Index, ShiftLSL, 4)

	query1 := a.NewLabel()
	query2 := a.NewLabel()
	query3 := a.NewLabel()

	a.Bind(query1)
	a.LdrPost(l1Index, l1Start, 0x10)
	a.Cbz(l1Index, query2)
	a.SubRR(l1Index, l1Index, regLoc)
	a.Cbnz(l1Index, query1)
	a.Ldr(forward, l1Start, -0x8)
	a.Cbnz(forward, goGuest)

	// L2 probe.
	a.Bind(query2)
	a.EorShifted(l2Index, locIndex, locIndex, ShiftLSR, backend.L2CacheBits)
	a.Ubfx(l2Index, l2Index, 0, backend.L2CacheBits)
	a.AddShifted(l2Start, regCache, l2Index, ShiftLSL, 4)

	a.Bind(query3)
	a.LdrPost(l2Index, l2Start, 0x10)
	a.Cbz(l2Index, cacheMiss)
	a.SubRR(l2Index, l2Index, regLoc)
	a.Cbnz(l2Index, query3)
	a.Ldr(forward, l2Start, -0x8)
	a.Cbz(forward, cacheMiss)

	// Write the hit back into L1 unless the slot is occupied.
	a.Ldr(l2Index, l1Start, -0x8)
	a.AddImm(l2Index, l2Index, 1)
	a.Cbz(l2Index, goGuest)
	a.SubImm(l1Start, l1Start, 0x10)
	a.Stp(regLoc, forward, l1Start, 0)

	a.Bind(goGuest)
	if t.cfg.EnableAsmInterp {
		// Bit 63 tags an interpreter entry: {argument, handler} pairs
		// instead of code. Run the handler, strip the tag, and fall
		// through to the guest branch.
		jumpGuest := a.NewLabel()
		a.Tbz(forward, 63, jumpGuest)
		a.LdpPost(regArg, regHandle, forward, 16)
		a.Blr(regHandle)
		a.Bfc(forward, 63, 1)
		a.Bind(jumpGuest)
	}
	a.Blr(forward)

	// Back from a block: loop unless it reported a halt.
	a.LdrW(X0, regState, backend.StateOffHaltReason)
	a.Cbz(X0, dispatcher)

	a.Bind(retHost)
	a.StrW(XZR, regState, backend.StateOffHaltReason)
	if t.cfg.GlobalOpts.Has(backend.OptReturnStackBuffer) {
		a.Str(regRSBPtr, regState, backend.StateOffRSBPointer)
	}
	a.Str(regFlags, regState, backend.StateOffHostFlags)
	t.buildSaveStaticUniform(a)
	t.buildRestoreHostCallee(a)
	a.Ret()

	a.Bind(cacheMiss)
	a.MovZ(X0, uint16(backend.HaltCacheMiss), 0)
	a.B(retHost)
}

func (t *Trampolines) buildSaveHostCallee(a *Assembler) {
	a.StpPre(X19, X20, SP, -16)
	a.StpPre(X21, X22, SP, -16)
	a.StpPre(X23, X24, SP, -16)
	a.StpPre(X25, X26, SP, -16)
	a.StpPre(X27, X28, SP, -16)
	a.StpPre(FP, LR, SP, -16)

	a.StpQPre(8, 9, SP, -32)
	a.StpQPre(10, 11, SP, -32)
	a.StpQPre(12, 13, SP, -32)
	a.StpQPre(14, 15, SP, -32)
}

func (t *Trampolines) buildRestoreHostCallee(a *Assembler) {
	a.LdpQPost(14, 15, SP, 32)
	a.LdpQPost(12, 13, SP, 32)
	a.LdpQPost(10, 11, SP, 32)
	a.LdpQPost(8, 9, SP, 32)

	a.LdpPost(FP, LR, SP, 16)
	a.LdpPost(X27, X28, SP, 16)
	a.LdpPost(X25, X26, SP, 16)
	a.LdpPost(X23, X24, SP, 16)
	a.LdpPost(X21, X22, SP, 16)
	a.LdpPost(X19, X20, SP, 16)
}

// buildSaveStaticUniform stores the pinned guest registers back into
// the uniform buffer, pairing adjacent 8-byte general-purpose entries.
func (t *Trampolines) buildSaveStaticUniform(a *Assembler) {
	t.walkStaticUniform(a, true)
}

// buildRestoreStaticUniform loads the pinned guest registers from the
// uniform buffer.
func (t *Trampolines) buildRestoreStaticUniform(a *Assembler) {
	t.walkStaticUniform(a, false)
}

func (t *Trampolines) walkStaticUniform(a *Assembler, store bool) {
	descs := t.cfg.BuffersStaticAlloc
	for i := 0; i < len(descs); {
		cur := descs[i]
		base := backend.StateOffUniformBuffer + int(cur.Offset)
		if i+1 < len(descs) {
			next := descs[i+1]
			div := next.Offset - cur.Offset
			pairable := div == cur.Size && div == next.Size &&
				cur.IsFloat == next.IsFloat && !cur.IsFloat &&
				div == 8 && IsImmLSPair(int64(base), 8)
			if pairable {
				if store {
					a.Stp(int(cur.Reg), int(next.Reg), regState, base)
				} else {
					a.Ldp(int(cur.Reg), int(next.Reg), regState, base)
				}
				i += 2
				continue
			}
		}
		switch {
		case cur.IsFloat && cur.Size == 16:
			if store {
				a.StrQ(int(cur.Reg), regState, base)
			} else {
				a.LdrQ(int(cur.Reg), regState, base)
			}
		case cur.IsFloat && cur.Size == 8:
			if store {
				a.StrD(int(cur.Reg), regState, base)
			} else {
				a.LdrD(int(cur.Reg), regState, base)
			}
		case cur.Size == 8:
			if store {
				a.Str(int(cur.Reg), regState, base)
			} else {
				a.Ldr(int(cur.Reg), regState, base)
			}
		case cur.Size == 4:
			if store {
				a.StrW(int(cur.Reg), regState, base)
			} else {
				a.LdrW(int(cur.Reg), regState, base)
			}
		default:
			panic("arm64: unsupported static uniform size")
		}
		i++
	}
}

// linkPatchBytes is the stub prefix a link patch may overwrite.
const linkPatchBytes = 5 * 4

// linkPatch writes the direct-branch sequence for source→target into
// the RW view. It reports false when a PIC link cannot reach.
func (t *Trampolines) linkPatch(source, target uintptr, sourceRW []byte, pic bool) bool {
	const (
		_128MB = int64(1) << 27
		_4GB   = int64(1) << 32
	)
	offset := int64(target) - int64(source)
	abs := offset
	if abs < 0 {
		abs = -abs
	}

	var insts []uint32
	switch {
	case abs >= _4GB:
		if pic {
			return false
		}
		insts = encodeLoadImm64(regIP, uint64(target))
		insts = append(insts, 0xD61F0000|reg(regIP)<<5) // BR ip
	case abs >= _128MB:
		// ADRP ip, target; ADD ip, ip, #pageoff; BR ip
		pageDelta := int64(target>>12) - int64(source>>12)
		adrp := uint32(0x90000000) | reg(regIP)
		adrp |= (uint32(pageDelta) & 0x3) << 29
		adrp |= (uint32(pageDelta>>2) & 0x7FFFF) << 5
		add := uint32(0x91000000) | uint32(target&0xFFF)<<10 | reg(regIP)<<5 | reg(regIP)
		insts = []uint32{adrp, add, 0xD61F0000 | reg(regIP)<<5}
	default:
		insts = []uint32{EncodeB(offset)}
	}

	if len(insts)*4 > len(sourceRW) {
		return false
	}
	for i, inst := range insts {
		binary.LittleEndian.PutUint32(sourceRW[i*4:], inst)
	}
	return true
}

// LinkBlock patches a linkage stub into a direct branch. Patching
// writes the RW alias, then flushes both views before the branch can
// execute.
func (t *Trampolines) LinkBlock(source, target uintptr, sourceRW []byte, pic bool) bool {
	if !t.linkPatch(source, target, sourceRW, pic) {
		return false
	}
	execView := unsafe.Slice((*byte)(unsafe.Pointer(source)), linkPatchBytes)
	backend.ClearDCache(sourceRW[:linkPatchBytes])
	backend.ClearDCache(execView)
	backend.ClearICache(execView)
	return true
}

// GetCallHost builds (or reuses) the thunk that parks the guest at the
// function address and halts into the host with CallHost.
func (t *Trampolines) GetCallHost(fn *backend.HostFunction, frontend backend.ISA) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr, ok := t.callHostTramps[fn.Addr]; ok {
		return addr, nil
	}

	sig := fn.SignatureHash()
	asm := NewAssembler()
	asm.MovZ(regIP, uint16(backend.HaltCallHost), 0)
	asm.StrW(regIP, regState, backend.StateOffHaltReason)
	asm.LoadImm64(regIP0, uint64(fn.Addr))
	asm.Str(regIP0, regState, backend.StateOffCurrentLoc)
	asm.MovZ(X0, uint16(backend.HaltCallHost), 0)
	asm.LoadImm64(regIP1, uint64(t.returnHost))
	asm.Br(regIP1)
	asm.Finalize()

	_, buf, err := t.module.AllocCodeCache(asm.Size())
	if err != nil {
		return 0, errors.Wrap(err, "alloc call-host trampoline")
	}
	copy(buf.RW, asm.Code())
	buf.Flush()

	addr := buf.ExecAddr()
	t.callHostTramps[fn.Addr] = addr
	t.sigTramps[sig] = addr
	return addr, nil
}

// encodeLoadImm64 returns the fixed MOVZ/MOVK sequence as raw words.
func encodeLoadImm64(rd int, val uint64) []uint32 {
	return []uint32{
		0xD2800000 | uint32(uint16(val))<<5 | reg(rd),
		0xF2800000 | 1<<21 | uint32(uint16(val>>16))<<5 | reg(rd),
		0xF2800000 | 2<<21 | uint32(uint16(val>>32))<<5 | reg(rd),
		0xF2800000 | 3<<21 | uint32(uint16(val>>48))<<5 | reg(rd),
	}
}
