//go:build !linux

package tap

import "github.com/shiiinji/wasabi/kernel"

var errUnsupported = &kernel.Error{Module: "tap", Message: "TAP interfaces are only supported on linux"}

func init() {
	openFn = func(string) (int, *kernel.Error) { return -1, errUnsupported }
	readFn = func(int, []byte) (int, *kernel.Error) { return 0, errReadFailed }
	writeFn = func(int, []byte) *kernel.Error { return errUnsupported }
	closeFn = func(int) {}
}
