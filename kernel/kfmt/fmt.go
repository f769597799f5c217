// Package kfmt implements the kernel message log.
//
// All kernel output goes through Printf (or Fprintf with a nil writer). The
// output is retained in a ring buffer that can be dumped with Dmesg and is
// forwarded to the output sink registered via SetOutputSink. Output produced
// before a sink is attached is replayed into the sink when it is registered.
package kfmt

import (
	"fmt"
	"io"

	"github.com/shiiinji/wasabi/kernel/sync"
)

var (
	// msgBuffer retains the most recent kernel output.
	msgBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output is only kept in msgBuffer.
	outputSink io.Writer

	// msgLock serializes writes to msgBuffer and outputSink. Device
	// goroutines may log concurrently with the CPU.
	msgLock sync.Spinlock

	// kernelLog is the io.Writer backing Printf.
	kernelLog io.Writer = logWriter{}
)

// logWriter is an io.Writer that appends to the kernel message buffer and
// forwards the data to the active output sink.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	msgLock.Acquire()
	defer msgLock.Release()

	msgBuffer.Write(p)
	if outputSink == nil {
		return len(p), nil
	}

	msgBuffer.consumeAll()
	outputSink.Write(p)
	return len(p), nil
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any output that has not been delivered to a sink yet.
func SetOutputSink(w io.Writer) {
	msgLock.Acquire()
	defer msgLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, &msgBuffer)
	}
}

// Output returns the io.Writer that backs Printf. It is used as the sink for
// PrefixWriters that tag subsystem output.
func Output() io.Writer {
	return kernelLog
}

// Dmesg copies the retained kernel message buffer to w.
func Dmesg(w io.Writer) {
	msgLock.Acquire()
	defer msgLock.Release()

	msgBuffer.dump(w)
}

// Printf formats according to a format specifier and writes to the kernel log.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(kernelLog, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the kernel log.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = kernelLog
	}
	fmt.Fprintf(w, format, args...)
}

// reset discards the message buffer and detaches the output sink. It is
// used by tests.
func reset() {
	msgLock.Acquire()
	defer msgLock.Release()

	msgBuffer = ringBuffer{}
	outputSink = nil
}
