package domain

import "math"

// MaxTimestamp is the largest Lamport timestamp. Fields never advance past it.
const MaxTimestamp = math.MaxUint64

// EncodedValue is the transport-safe, type-tagged representation of a field value.
type EncodedValue string

// Field is the replicated unit: a value plus the last-writer-wins metadata that produced it.
type Field struct {
	Value     EncodedValue `json:"value"`
	Timestamp uint64       `json:"ts"`
	Origin    string       `json:"origin"`
}

// Newer reports whether f wins over other under last-writer-wins.
// Higher timestamps win; on a tie the lexicographically larger origin wins.
func (f Field) Newer(other Field) bool {
	if f.Timestamp != other.Timestamp {
		return f.Timestamp > other.Timestamp
	}
	return f.Origin > other.Origin
}

// NextTimestamp returns the timestamp a local write over ts carries.
// It saturates at MaxTimestamp instead of wrapping to zero.
func NextTimestamp(ts uint64) uint64 {
	if ts >= MaxTimestamp {
		return MaxTimestamp
	}
	return ts + 1
}

// Size is the number of bytes the field contributes to the aggregate object size.
func (f Field) Size(key string) int {
	return len(key) + len(f.Value)
}
