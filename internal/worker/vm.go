// Package worker implements the OS-isolated worker side of the
// protocol: a goja VM with dangerous globals removed, a host-call
// bridge for ToolCall/ToolResponse round trips, and the stdin/stdout
// message loop cmd/sandbox-worker drives.
package worker

import (
	"encoding/json"

	"github.com/dop251/goja"
)

// newSandboxedVM creates a goja VM exposing only safe globals: no
// filesystem, no network, no `require`, no access to the host process.
func newSandboxedVM() *goja.Runtime {
	vm := goja.New()

	vm.Set("JSON", map[string]interface{}{
		"parse": func(s string) (interface{}, error) {
			var v interface{}
			err := json.Unmarshal([]byte(s), &v)
			return v, err
		},
		"stringify": func(v interface{}) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	})

	vm.Set("Math", map[string]interface{}{
		"abs":    absFunc,
		"ceil":   ceilFunc,
		"floor":  floorFunc,
		"max":    maxFunc,
		"min":    minFunc,
		"pow":    powFunc,
		"random": randomFunc,
		"round":  roundFunc,
		"sqrt":   sqrtFunc,
	})

	vm.Set("String", map[string]interface{}{
		"fromCharCode": fromCharCodeFunc,
	})

	vm.Set("Array", map[string]interface{}{
		"isArray": isArrayFunc,
	})

	return vm
}

func absFunc(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func ceilFunc(x float64) float64 {
	if x == float64(int64(x)) {
		return x
	}
	if x > 0 {
		return float64(int64(x) + 1)
	}
	return float64(int64(x))
}

func floorFunc(x float64) float64 {
	return float64(int64(x))
}

func maxFunc(args ...float64) float64 {
	if len(args) == 0 {
		return 0
	}
	m := args[0]
	for _, v := range args[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minFunc(args ...float64) float64 {
	if len(args) == 0 {
		return 0
	}
	m := args[0]
	for _, v := range args[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func powFunc(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// randomFunc is deterministic: sandboxed code has no business relying
// on real entropy from the host, and determinism makes executions
// reproducible.
func randomFunc() float64 {
	return 0.5
}

func roundFunc(x float64) float64 {
	if x < 0 {
		return float64(int64(x - 0.5))
	}
	return float64(int64(x + 0.5))
}

func sqrtFunc(x float64) float64 {
	if x < 0 {
		return 0
	}
	z := x / 2
	for i := 0; i < 20; i++ {
		z = z - (z*z-x)/(2*z)
	}
	return z
}

func fromCharCodeFunc(codes ...int) string {
	runes := make([]rune, len(codes))
	for i, c := range codes {
		runes[i] = rune(c)
	}
	return string(runes)
}

func isArrayFunc(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}
