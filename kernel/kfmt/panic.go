package kfmt

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
