package kernel

import (
	"errors"
	"fmt"
	"testing"
)

var (
	errTest  = &Error{Module: "test", Message: "out of frames"}
	errOther = &Error{Module: "test", Message: "out of frames"}
)

// asError returns a kernel error through the error interface the way the
// launcher hands configuration errors to its caller.
func asError(err *Error) error {
	if err == nil {
		return nil
	}
	return err
}

func TestKernelError(t *testing.T) {
	specs := []struct {
		err     error
		exp     *Error
		expText string
	}{
		{asError(errTest), errTest, "out of frames"},
		{fmt.Errorf("boot: %w", errTest), errTest, "boot: out of frames"},
		{asError(errOther), errOther, "out of frames"},
	}

	for specIndex, spec := range specs {
		if got := spec.err.Error(); got != spec.expText {
			t.Errorf("[spec %d] expected Error() to return %q; got %q", specIndex, spec.expText, got)
		}

		var kerr *Error
		if !errors.As(spec.err, &kerr) || kerr != spec.exp {
			t.Errorf("[spec %d] expected to recover the kernel error %p; got %p", specIndex, spec.exp, kerr)
		}
	}

	// Errors are compared by identity, not by message.
	if errors.Is(asError(errOther), errTest) {
		t.Fatal("expected errors with the same message to be distinct")
	}

	if err := asError(nil); err != nil {
		t.Fatalf("expected a nil kernel error to convert to a nil error; got %v", err)
	}
}
