package contractrt

import "github.com/dop251/goja"

// deterministicMathFns is the allowlisted subset of Math exposed to
// contract code: each is a pure function of its inputs. Math functions
// not listed here (Math.random among them) are not available.
var deterministicMathFns = []string{
	"abs", "ceil", "floor", "round", "trunc", "sign",
	"min", "max", "pow", "sqrt", "cbrt", "log", "log2", "log10", "exp",
}

// newSandbox builds a fresh goja.Runtime with every non-deterministic
// host facility removed: no Date (wall clock), no Math.random, no
// network or filesystem bindings (goja never wires those in, so there
// is nothing to remove there). One runtime per transaction execution —
// no state survives across calls (spec.md section 4.B: "the Contract
// Runtime owns no state between transactions").
func newSandbox() *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	global := vm.GlobalObject()
	global.Delete("Date")

	if mathObj := vm.Get("Math"); mathObj != nil {
		if original, ok := mathObj.(*goja.Object); ok {
			safe := vm.NewObject()
			for _, name := range deterministicMathFns {
				safe.Set(name, original.Get(name))
			}
			vm.Set("Math", safe)
		}
	}

	return vm
}
