// Package seqspace converts between 32-bit wire sequence numbers and 64-bit
// absolute stream positions.
package seqspace

import (
	"github.com/google/netstack/tcpip/seqnum"
)

const (
	span = uint64(1) << 32
	half = uint64(1) << 31
)

// Wrap maps absolute position n onto the wire, given the initial sequence
// number isn.
func Wrap(n uint64, isn seqnum.Value) seqnum.Value {
	return isn.Add(seqnum.Size(uint32(n)))
}

// Unwrap returns the absolute position that wraps to v and lies closest to
// checkpoint. An exact tie goes to the smaller candidate.
func Unwrap(v, isn seqnum.Value, checkpoint uint64) uint64 {
	offset := uint64(uint32(v - isn))
	candidate := (checkpoint &^ (span - 1)) | offset

	if candidate > checkpoint {
		if candidate-checkpoint >= half && candidate >= span {
			candidate -= span
		}
	} else if checkpoint-candidate > half && candidate <= ^uint64(0)-span {
		candidate += span
	}
	return candidate
}
