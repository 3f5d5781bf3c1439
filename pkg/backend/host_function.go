package backend

import (
	"unsafe"

	"github.com/go-faster/city"

	"j5.nz/svm/pkg/ir"
)

// ParamType describes one slot of a host-function signature. The
// numeric values are wire-stable: they feed the signature hash.
type ParamType uint32

const (
	ParamVoid ParamType = iota
	ParamPoint
	ParamUint8
	ParamUint16
	ParamUint32
	ParamUint64
	ParamInt8
	ParamInt16
	ParamInt32
	ParamInt64
	ParamFloat8
	ParamFloat16
	ParamFloat32
	ParamFloat64
	ParamFloat128
	ParamStruct
)

// StructSize recovers the byte size encoded into a struct param type.
func StructSize(t ParamType) uint32 { return uint32(t) - uint32(ParamStruct) }

// HostFunctionImpl receives the marshaled guest arguments and returns
// the value written back to the guest return slot.
type HostFunctionImpl func(args []uint64) uint64

// HostFunction binds a guest location to a host implementation. The
// first signature entry is the return type.
type HostFunction struct {
	Module     string
	Name       string
	Signatures []ParamType
	Addr       ir.Location
	Impl       HostFunctionImpl
}

// SignatureHash is the CityHash64 of the contiguous signature bytes;
// equal signatures hash equal.
func (f *HostFunction) SignatureHash() uint64 {
	if len(f.Signatures) == 0 {
		return city.Hash64(nil)
	}
	data := unsafe.Slice(
		(*byte)(unsafe.Pointer(&f.Signatures[0])),
		len(f.Signatures)*int(unsafe.Sizeof(ParamType(0))))
	return city.Hash64(data)
}
