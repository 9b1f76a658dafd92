// SPDX-License-Identifier: MPL-2.0

package media

import (
	"net"
	"time"

	"github.com/pion/rtcp"
)

// Sequence validation bounds, RFC 3550 appendix A.1.
const (
	maxDropout  = 3000
	maxMisorder = 100
	seqMod      = 1 << 16
)

// seqTracker follows the extended highest sequence of one source and
// runs the probation count for new sources.
type seqTracker struct {
	maxSeq    uint16
	cycles    uint32
	baseSeq   uint16
	badSeq    uint32 // seq+1 of a suspected restart, or seqInvalid
	probation int
	received  uint64
}

const seqInvalid = uint32(1) << 20

func (t *seqTracker) init(seq uint16) {
	t.baseSeq = seq
	t.maxSeq = seq
	t.badSeq = seqInvalid
	t.cycles = 0
	t.received = 0
}

// update processes one arriving sequence number. Returns whether the
// packet is acceptable and whether probation just completed.
func (t *seqTracker) update(seq uint16, probationRequired int) (ok bool, validated bool) {
	udelta := seq - t.maxSeq

	if t.probation > 0 {
		if seq == t.maxSeq+1 {
			t.probation--
			t.maxSeq = seq
			if t.probation == 0 {
				t.init(seq)
				t.received++
				return true, true
			}
		} else {
			t.probation = probationRequired - 1
			t.maxSeq = seq
		}
		return false, false
	}

	switch {
	case udelta < maxDropout:
		if seq < t.maxSeq {
			t.cycles += seqMod
		}
		t.maxSeq = seq
	case udelta <= seqMod-maxMisorder:
		// Large jump
		if uint32(seq) == t.badSeq {
			// Two sequential packets: the other side restarted
			t.init(seq)
		} else {
			t.badSeq = uint32(seq+1) & (seqMod - 1)
			return false, false
		}
	default:
		// Duplicate or reordered, count it anyway
	}
	t.received++
	return true, false
}

func (t *seqTracker) extendedHighest() uint32 {
	return t.cycles + uint32(t.maxSeq)
}

// fbKey identifies a feedback packet for duplicate suppression inside
// the retention window.
type fbKey struct {
	kind string
	seq  uint16
}

type fbEntry struct {
	key  fbKey
	time time.Time
}

// Source is one RTP party in the session, keyed by SSRC. Internal
// sources are ours (we send their RTP); external sources are learned
// from arriving packets.
type Source struct {
	SSRC     uint32
	Internal bool

	// Sender means RTP seen within the recent reporting window.
	Sender    bool
	Validated bool

	Addr      net.Addr
	conflicts map[string]time.Time

	lastActivity    time.Time
	lastRTPActivity time.Time

	ByeMarked bool
	ByeReason string
	byeTime   time.Time

	sdes map[rtcp.SDESType]string

	// receive side
	seq       seqTracker
	clockRate uint32

	jitter        float64
	lastRTPTime   time.Time
	lastTimestamp uint32

	lastSRNTP  uint64
	lastSRTime time.Time

	// snapshots taken at each report generation, RFC 3550 A.3
	expectedPrior uint32
	receivedPrior uint64

	// send side, only meaningful for internal sources
	packetsSent   uint32
	octetsSent    uint32
	lastSentTime  time.Time
	lastSentRTPTS uint32

	// pending feedback to attach on the next compound
	wantFIR   bool
	firSeqNr  uint8
	wantPLI   bool
	nacks     []uint16
	recentFB  []fbEntry
	retained  []rtcp.Packet // bounded queue of received RTCP for inspection
	retainMax int
}

func newSource(ssrc uint32, internal bool) *Source {
	return &Source{
		SSRC:      ssrc,
		Internal:  internal,
		Validated: internal,
		conflicts: map[string]time.Time{},
		sdes:      map[rtcp.SDESType]string{},
		retainMax: 16,
	}
}

// Active is the liveness predicate used in membership counting.
func (s *Source) Active() bool {
	return s.Sender && !s.ByeMarked
}

func (s *Source) markBye(now time.Time, reason string) {
	if s.ByeMarked {
		return
	}
	s.ByeMarked = true
	s.ByeReason = reason
	if now.Before(s.lastActivity) {
		now = s.lastActivity
	}
	s.byeTime = now
}

// initReceive seeds the receive side statistics from a first packet.
func (s *Source) initReceive(seq uint16, probation int) {
	s.seq.init(seq)
	s.seq.probation = probation
	s.seq.maxSeq = seq - 1
}

// updateJitter runs the RFC 3550 interarrival jitter estimator.
func (s *Source) updateJitter(arrival time.Time, rtpTS uint32) {
	if s.clockRate == 0 || s.lastRTPTime.IsZero() {
		s.lastRTPTime = arrival
		s.lastTimestamp = rtpTS
		return
	}
	transitDelta := arrival.Sub(s.lastRTPTime).Seconds()*float64(s.clockRate) - float64(rtpTS-s.lastTimestamp)
	if transitDelta < 0 {
		transitDelta = -transitDelta
	}
	s.jitter += (transitDelta - s.jitter) / 16
	s.lastRTPTime = arrival
	s.lastTimestamp = rtpTS
}

// reportBlock produces this source's reception report block for an RR
// or SR, advancing the interval snapshots.
func (s *Source) reportBlock(now time.Time) rtcp.ReceptionReport {
	extended := s.seq.extendedHighest()
	expected := extended - uint32(s.seq.baseSeq) + 1

	lost := int64(expected) - int64(s.seq.received)
	// Clamp to the 24 bit signed range of the field
	if lost > 0x7fffff {
		lost = 0x7fffff
	} else if lost < -0x800000 {
		lost = -0x800000
	}

	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.seq.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.seq.received

	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	var fraction uint8
	if expectedInterval > 0 && lostInterval > 0 {
		fraction = uint8((lostInterval << 8) / int64(expectedInterval))
	}

	var lsr, dlsr uint32
	if s.lastSRNTP != 0 {
		lsr = NTPMiddle32(s.lastSRNTP)
		dlsr = uint32(now.Sub(s.lastSRTime).Seconds() * 65536)
	}

	return rtcp.ReceptionReport{
		SSRC:               s.SSRC,
		FractionLost:       fraction,
		TotalLost:          uint32(lost) & 0xffffff,
		LastSequenceNumber: extended,
		Jitter:             uint32(s.jitter),
		LastSenderReport:   lsr,
		Delay:              dlsr,
	}
}

// retainRTCP keeps a bounded queue of packets received from this
// source.
func (s *Source) retainRTCP(pkt rtcp.Packet) {
	s.retained = append(s.retained, pkt)
	if len(s.retained) > s.retainMax {
		s.retained = s.retained[1:]
	}
}

// dupFeedback reports whether an equivalent feedback packet was already
// emitted inside the retention window and records the new one.
func (s *Source) dupFeedback(key fbKey, now time.Time, window time.Duration) bool {
	kept := s.recentFB[:0]
	dup := false
	for _, e := range s.recentFB {
		if now.Sub(e.time) > window {
			continue
		}
		if e.key == key {
			dup = true
		}
		kept = append(kept, e)
	}
	s.recentFB = kept
	if !dup {
		s.recentFB = append(s.recentFB, fbEntry{key: key, time: now})
	}
	return dup
}
