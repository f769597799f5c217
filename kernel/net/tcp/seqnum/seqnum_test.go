package seqnum

import "testing"

func TestCompare(t *testing.T) {
	specs := []struct {
		v, w        Value
		expLess     bool
		expLessOrEq bool
	}{
		{1, 2, true, true},
		{2, 1, false, false},
		{5, 5, false, true},
		{0xffffffff, 0, true, true},
		{0xfffffff0, 0x10, true, true},
		{0x10, 0xfffffff0, false, false},
		{0, 0x7fffffff, true, true},
		{0, 0x80000001, false, false},
	}

	for specIndex, spec := range specs {
		if got := spec.v.LessThan(spec.w); got != spec.expLess {
			t.Errorf("[spec %d] expected %d < %d to be %t", specIndex, spec.v, spec.w, spec.expLess)
		}

		if got := spec.v.LessThanEq(spec.w); got != spec.expLessOrEq {
			t.Errorf("[spec %d] expected %d <= %d to be %t", specIndex, spec.v, spec.w, spec.expLessOrEq)
		}
	}
}

func TestRanges(t *testing.T) {
	specs := []struct {
		v        Value
		first    Value
		size     Size
		expInWin bool
	}{
		{10, 10, 5, true},
		{14, 10, 5, true},
		{15, 10, 5, false},
		{9, 10, 5, false},
		{2, 0xfffffffe, 8, true},
		{0xffffffff, 0xfffffffe, 8, true},
		{6, 0xfffffffe, 8, false},
		{10, 10, 0, false},
	}

	for specIndex, spec := range specs {
		if got := spec.v.InWindow(spec.first, spec.size); got != spec.expInWin {
			t.Errorf("[spec %d] expected InWindow(%d, %d, %d) to be %t", specIndex, spec.v, spec.first, spec.size, spec.expInWin)
		}
	}

	if got := Value(0xfffffffe).Size(3); got != 5 {
		t.Fatalf("expected size across the wrap to be 5; got %d", got)
	}

	v := Value(0xffffffff)
	v.UpdateForward(2)
	if v != 1 {
		t.Fatalf("expected value to wrap to 1; got %d", v)
	}

	if Max(0xffffffff, 1) != 1 || Max(1, 0xffffffff) != 1 {
		t.Fatal("expected Max to honour wraparound")
	}

	if !Overlap(0xfffffff0, 0x20, 5, 1) || Overlap(10, 5, 15, 5) || !Overlap(10, 6, 15, 5) {
		t.Fatal("unexpected Overlap result")
	}
}
