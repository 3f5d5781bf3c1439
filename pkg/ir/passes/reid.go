package passes

import "j5.nz/svm/pkg/ir"

// ReID renumbers instruction ids densely in reverse post order so
// later passes can index vectors by id.
type ReID struct{}

// Run renumbers every function in the builder.
func (p ReID) Run(hb *ir.HIRBuilder) {
	for _, f := range hb.Functions() {
		p.RunFunction(f)
	}
}

// RunFunction renumbers one function.
func (p ReID) RunFunction(f *ir.HIRFunction) {
	f.IDByRPO()
}
