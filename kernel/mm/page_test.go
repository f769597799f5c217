package mm

import (
	"testing"

	"github.com/shiiinji/wasabi/kernel"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestFrameAllocator(t *testing.T) {
	var (
		allocOwner, freeOwner Owner
		freedFrame            Frame
	)
	customAlloc := func(owner Owner) (Frame, *kernel.Error) {
		allocOwner = owner
		return FrameFromAddress(0xbadf00), nil
	}
	customFree := func(frame Frame, owner Owner) {
		freedFrame, freeOwner = frame, owner
	}

	defer SetFrameAllocator(nil, nil)
	SetFrameAllocator(customAlloc, customFree)

	frame, err := AllocFrame(Owner(7))
	if err != nil {
		t.Fatal(err)
	}

	if allocOwner != Owner(7) {
		t.Fatalf("expected custom allocator to be invoked with owner 7; got %d", allocOwner)
	}

	FreeFrame(frame, Owner(7))
	if freedFrame != frame || freeOwner != Owner(7) {
		t.Fatalf("expected custom releaser to be invoked with frame %d and owner 7; got %d, %d", frame, freedFrame, freeOwner)
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint64
	}{
		{0, 0},
		{1, 1},
		{4 * Kb, 1},
		{4*Kb + 1, 2},
		{2 * Mb, 512},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.expPages, got)
		}
	}
}
