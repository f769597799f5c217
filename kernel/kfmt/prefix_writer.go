package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// NewPrefixWriter returns a PrefixWriter that tags every line sent to the
// kernel log with "[module] ".
func NewPrefixWriter(module string) *PrefixWriter {
	return &PrefixWriter{
		Sink:   Output(),
		Prefix: []byte("[" + module + "] "),
	}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The PrefixWriter keeps track of the
// beginning of new lines and injects the configured prefix at each new line.
// The injected prefix is not included in the number of written bytes returned
// by this method.
//
// Each line is forwarded to the sink with a single Write call so that lines
// from different writers sharing a sink never interleave.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written    int
		startIndex int
		line       []byte
	)

	for curIndex := 0; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		line = w.appendLine(line[:0], p[startIndex:curIndex+1])
		n, err := w.Sink.Write(line)
		written += w.payloadLen(n, curIndex+1-startIndex)
		if err != nil {
			return written, err
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < len(p) {
		line = w.appendLine(line[:0], p[startIndex:])
		n, err := w.Sink.Write(line)
		payload := w.payloadLen(n, len(p)-startIndex)
		written += payload
		w.bytesAfterPrefix += payload
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// appendLine appends the prefix (if p starts a new line) followed by p to dst.
func (w *PrefixWriter) appendLine(dst, p []byte) []byte {
	if w.bytesAfterPrefix == 0 {
		dst = append(dst, w.Prefix...)
	}
	return append(dst, p...)
}

// payloadLen converts the number of bytes written to the sink into the
// number of payload bytes written, excluding any injected prefix.
func (w *PrefixWriter) payloadLen(n, max int) int {
	if w.bytesAfterPrefix == 0 {
		n -= len(w.Prefix)
	}
	switch {
	case n < 0:
		return 0
	case n > max:
		return max
	}
	return n
}
