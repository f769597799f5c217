// Package seqnum implements TCP sequence number arithmetic modulo 2^32.
package seqnum

// Value is a TCP sequence number.
type Value uint32

// Size is the length of a range of sequence numbers.
type Size uint32

// LessThan returns true if v precedes w in sequence space.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v precedes or equals w in sequence space.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange returns true if a <= v < b.
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow returns true if v lies in the window of the given size that
// starts at first.
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add returns v advanced by s.
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size returns the distance from v to w.
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// UpdateForward advances v by s in place.
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// Overlap returns true if the ranges [a, a+b) and [x, x+y) intersect.
func Overlap(a Value, b Size, x Value, y Size) bool {
	return a.LessThan(x.Add(y)) && x.LessThan(a.Add(b))
}

// Max returns the later of v and w in sequence space.
func Max(v, w Value) Value {
	if v.LessThan(w) {
		return w
	}
	return v
}
