package backport

import "github.com/eliteGoblin/focusd/patchd/pkg/hook"

// Builtin returns the fixes shipped with the engine.
func Builtin() []*Backport {
	return []*Backport{BindFix()}
}

// BindFix stops the default keybind set from being written over custom
// bindings on load. Engines 210.0.0 through 210.1.0 are affected.
func BindFix() *Backport {
	return &Backport{
		Name:         "BindFix",
		TargetType:   "Robust.Client.Input.InputManager",
		TargetMethod: "LoadKeyFile",
		Kind:         hook.Rewrite,
		Patch:        hook.Transpiler(negateBindingFlag),
		Constraints: Constraints{
			Min: MustVersion("210.0.0"),
			Max: MustVersion("210.1.0"),
		},
	}
}

// negateBindingFlag inverts the flag argument passed to RegisterBinding.
func negateBindingFlag(body []hook.Instruction) ([]hook.Instruction, error) {
	out := make([]hook.Instruction, 0, len(body)+2)
	for i := 0; i < len(body); i++ {
		out = append(out, body[i])
		if i+1 < len(body) && isArg(body[i], 2) && isCall(body[i+1], "RegisterBinding") {
			out = append(out,
				hook.Instruction{Op: OpLoadConst, Operand: false},
				hook.Instruction{Op: OpCompareEq})
		}
	}
	return out, nil
}

// Instruction opcodes understood by the host's key file loader.
const (
	OpLoadArg   = "ldarg"
	OpLoadConst = "ldc"
	OpCompareEq = "ceq"
	OpCall      = "call"
)

func isArg(in hook.Instruction, n int) bool {
	idx, ok := in.Operand.(int)
	return in.Op == OpLoadArg && ok && idx == n
}

func isCall(in hook.Instruction, name string) bool {
	s, ok := in.Operand.(string)
	return in.Op == OpCall && ok && s == name
}
