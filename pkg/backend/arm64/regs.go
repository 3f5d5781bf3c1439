package arm64

import "j5.nz/svm/pkg/ir"

// === Fixed register plan ===
// Registers the trampolines pin for the whole of translated
// execution. loc/pt and rsb/local alias pairwise: loc is dispatcher
// scratch that dies before guest code runs, and local operations and
// the RSB are mutually exclusive configurations.
const (
	regState  = X28
	regCache  = X27 // L2 table base
	regFlags  = X26 // software flags register
	regRSBPtr = X25
	regLocal  = X25
	regLoc    = X24 // dispatcher-internal
	regPT     = X24

	// Asm-interpreter hybrid registers: tagged cache pointers carry
	// interpreter handler/argument pairs instead of code.
	regArgs   = X23
	regArg    = X22
	regHandle = X21

	// Scratch registers shared by the dispatcher and the translator.
	regIP  = X11
	regIP0 = X16
	regIP1 = X17
	regIP2 = X14
	regIP3 = X15
	regIP4 = X11
	regIP5 = X12
	regIP6 = X9
	regIP7 = X10
)

// Scratch vector registers.
const (
	regIPV0 = 11
	regIPV1 = 12
	regIPV2 = 13
	regIPV3 = 14
)

// allocatableGPRs returns the GPR bank left for the register
// allocator after the fixed plan and the static-uniform pins.
func allocatableGPRs(statics []uint8) ir.RegMask {
	mask := ir.NewRegMask(0x7FFFFFFF) // x0..x30
	for _, r := range []uint8{
		FP, LR, X18, // frame, link, platform register
		regState, regCache, regFlags, regRSBPtr, regLoc,
		regIP, regIP0, regIP1, regIP2, regIP3, regIP5, regIP6, regIP7,
	} {
		mask.Clear(r)
	}
	for _, r := range statics {
		mask.Clear(r)
	}
	return mask
}

// allocatableFPRs returns the FPR bank left for the allocator.
func allocatableFPRs(statics []uint8) ir.RegMask {
	mask := ir.NewRegMask(0xFFFFFFFF)
	for _, r := range []uint8{regIPV0, regIPV1, regIPV2, regIPV3} {
		mask.Clear(r)
	}
	for _, r := range statics {
		mask.Clear(r)
	}
	return mask
}

// tempGPRs are handed to the translator for scratch use.
func tempGPRs() []ir.HostGPR {
	return []ir.HostGPR{{ID: regIP}, {ID: regIP2}, {ID: regIP3}, {ID: regIP6}}
}

// tempFPRs are the scratch vector registers.
func tempFPRs() []ir.HostFPR {
	return []ir.HostFPR{{ID: regIPV0}, {ID: regIPV1}, {ID: regIPV2}, {ID: regIPV3}}
}
