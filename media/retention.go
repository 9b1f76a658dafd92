// SPDX-License-Identifier: MPL-2.0

package media

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Retention ring capacities must come from this set so slot lookup is a
// mask.
var validRingCapacities = map[int]bool{
	1024: true, 2048: true, 4096: true, 8192: true, 16384: true, 32768: true, 65536: true,
}

// DefaultRetentionCapacity is the stock ring size.
const DefaultRetentionCapacity = 4096

// RetentionRing keeps the last N sent RTP packets indexed by sequence
// number so sink NACKs can be serviced. Slots are overwritten on
// wrap-around; extraction is best effort.
//
// Single writer (the payloader send path), single reader (the
// retransmit path); one lock over the ring is fine at these sizes.
type RetentionRing struct {
	mu    sync.Mutex
	slots [][]byte
	mask  uint16

	resendSeq     uint16
	packetsResent uint64
}

// NewRetentionRing allocates a ring. Capacity must be a power of two
// between 1024 and 65536; zero selects the default.
func NewRetentionRing(capacity int) (*RetentionRing, error) {
	if capacity == 0 {
		capacity = DefaultRetentionCapacity
	}
	if !validRingCapacities[capacity] {
		return nil, fmt.Errorf("media: invalid retention capacity %d", capacity)
	}
	return &RetentionRing{
		slots: make([][]byte, capacity),
		mask:  uint16(capacity - 1),
	}, nil
}

// Capacity returns the slot count.
func (r *RetentionRing) Capacity() int {
	return len(r.slots)
}

// Insert stores a marshaled RTP packet at seq mod capacity. The buffer
// is copied so callers may reuse theirs. Never blocks, never fails;
// runts below a full RTP header are dropped.
func (r *RetentionRing) Insert(seq uint16, pkt []byte) {
	if len(pkt) < 12 {
		return
	}
	stored := make([]byte, len(pkt))
	copy(stored, pkt)

	r.mu.Lock()
	r.slots[seq&r.mask] = stored
	r.mu.Unlock()
}

// Extract clones the retained packet for seq in retransmission wire
// form: the outer sequence number is freshly generated and the original
// sequence is carried in the first two payload bytes. Returns the new
// outer sequence and the framed packet, or false when the slot was
// evicted or never filled.
//
// Layout of the output buffer:
//
//	[0:2]   first 2 RTP header bytes, unchanged
//	[2:4]   fresh resend sequence number
//	[4:12]  timestamp and SSRC, unchanged
//	[12:14] original sequence number (OSN)
//	[14:]   original payload
func (r *RetentionRing) Extract(seq uint16) (uint16, []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.slots[seq&r.mask]
	if stored == nil {
		return 0, nil, false
	}
	// Slot may hold a different packet after eviction; verify the
	// stored sequence.
	if binary.BigEndian.Uint16(stored[2:4]) != seq {
		return 0, nil, false
	}

	out := make([]byte, len(stored)+2)
	copy(out[0:2], stored[0:2])
	r.resendSeq++
	binary.BigEndian.PutUint16(out[2:4], r.resendSeq)
	copy(out[4:12], stored[4:12])
	binary.BigEndian.PutUint16(out[12:14], seq)
	copy(out[14:], stored[12:])

	r.packetsResent++
	metricPacketsResent.Inc()

	return r.resendSeq, out, true
}

// PacketsResent returns the lifetime resend counter. The UDP rate
// controller cross-checks RTCP loss claims against it.
func (r *RetentionRing) PacketsResent() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packetsResent
}
