// Package seqnum provides 32-bit TCP sequence number arithmetic with
// wraparound semantics.
package seqnum

// Value is a TCP sequence number.
type Value uint32

// Size is the length of a sequence number window.
type Size uint32

// LessThan returns true if v precedes w, accounting for wraparound.
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v == w or v precedes w.
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange returns true if v is in [a, b).
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow returns true if v is in [first, first+size).
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// Add returns v + s.
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size returns the size of [v, w).
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// Overlap returns true if [a, a+b) and [x, x+y) intersect.
func Overlap(a Value, b Size, x Value, y Size) bool {
	return a.LessThan(x.Add(y)) && x.LessThan(a.Add(b))
}
