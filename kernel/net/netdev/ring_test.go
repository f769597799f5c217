package netdev

import (
	"sync"
	"testing"
)

func TestRingBounds(t *testing.T) {
	specs := []struct {
		size   int
		expCap int
	}{
		{1, 1},
		{3, 4},
		{8, 8},
		{100, 128},
	}

	for specIndex, spec := range specs {
		r := NewRing(spec.size)
		if got := r.Cap(); got != spec.expCap {
			t.Errorf("[spec %d] expected capacity %d; got %d", specIndex, spec.expCap, got)
			continue
		}

		for i := 0; i < spec.expCap; i++ {
			if !r.Push([]byte{byte(i)}) {
				t.Errorf("[spec %d] push %d failed", specIndex, i)
			}
		}

		if r.Push([]byte{0xff}) {
			t.Errorf("[spec %d] expected push into a full ring to fail", specIndex)
		}

		if got := r.Len(); got != spec.expCap {
			t.Errorf("[spec %d] expected len %d; got %d", specIndex, spec.expCap, got)
		}

		for i := 0; i < spec.expCap; i++ {
			frame, ok := r.Pop()
			if !ok || frame[0] != byte(i) {
				t.Errorf("[spec %d] expected to pop frame %d; got %v, %t", specIndex, i, frame, ok)
			}
		}

		if _, ok := r.Pop(); ok {
			t.Errorf("[spec %d] expected pop from an empty ring to fail", specIndex)
		}
	}
}

func TestRingConcurrentProducer(t *testing.T) {
	const frames = 10000

	r := NewRing(16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; {
			if r.Push([]byte{byte(i), byte(i >> 8)}) {
				i++
			}
		}
	}()

	for i := 0; i < frames; {
		frame, ok := r.Pop()
		if !ok {
			continue
		}

		if got := int(frame[0]) | int(frame[1])<<8; got != i&0xffff {
			t.Fatalf("expected frame %d; got %d", i, got)
		}
		i++
	}

	wg.Wait()
}
