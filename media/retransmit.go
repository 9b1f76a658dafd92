// SPDX-License-Identifier: MPL-2.0

package media

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
)

// DefaultMaxResend caps how many times one requested packet is
// re-emitted.
const DefaultMaxResend = 3

// SendFunc pushes a marshaled RTP packet down the active data path.
type SendFunc func(pkt []byte) error

// Retransmitter sits between the payloader and the socket. Outgoing
// packets are recorded in the retention ring; incoming Generic NACKs
// are serviced from it on the same path.
type Retransmitter struct {
	mu   sync.Mutex
	ring *RetentionRing
	send SendFunc

	// NACK triplicate suppression. Some dongles send each request
	// three times; the fourth identical one is a genuinely new loss.
	prevPID    uint16
	prevBLP    uint16
	repeatSeen int

	// Recent aggregate loss steers resend multiplicity.
	lossPercent int
	maxResend   int

	log zerolog.Logger
}

// NewRetransmitter wires a ring to a send path.
func NewRetransmitter(ring *RetentionRing, send SendFunc, maxResend int, log zerolog.Logger) *Retransmitter {
	if maxResend <= 0 {
		maxResend = DefaultMaxResend
	}
	return &Retransmitter{
		ring:      ring,
		send:      send,
		maxResend: maxResend,
		log:       log,
	}
}

// SetSendFunc re-hooks the output path; used by the transport switcher.
func (rt *Retransmitter) SetSendFunc(send SendFunc) {
	rt.mu.Lock()
	rt.send = send
	rt.mu.Unlock()
}

// UpdateLoss feeds the latest aggregate fraction lost, in percent.
func (rt *Retransmitter) UpdateLoss(percent int) {
	rt.mu.Lock()
	rt.lossPercent = percent
	rt.mu.Unlock()
}

// RecordSent retains an outgoing packet. Must happen before the packet
// is written to the socket so a concurrent NACK always finds it.
func (rt *Retransmitter) RecordSent(seq uint16, pkt []byte) {
	rt.ring.Insert(seq, pkt)
}

// resendCount derives the multiplicity from recent loss.
func (rt *Retransmitter) resendCount() int {
	n := 1
	switch {
	case rt.lossPercent > 2:
		n = 3
	case rt.lossPercent > 1:
		n = 2
	}
	if n > rt.maxResend {
		n = rt.maxResend
	}
	return n
}

// HandleNack services a Generic NACK feedback message. Returns how many
// packets went back on the wire.
func (rt *Retransmitter) HandleNack(pairs []rtcp.NackPair) int {
	if len(pairs) == 0 {
		return 0
	}

	rt.mu.Lock()
	pid := pairs[0].PacketID
	blp := uint16(pairs[0].LostPackets)
	if pid == rt.prevPID && blp == rt.prevBLP && rt.repeatSeen < 3 {
		rt.repeatSeen++
		rt.mu.Unlock()
		rt.log.Debug().Uint16("pid", pid).Int("repeat", rt.repeatSeen).Msg("duplicate NACK ignored")
		return 0
	}
	rt.prevPID = pid
	rt.prevBLP = blp
	rt.repeatSeen = 0
	times := rt.resendCount()
	send := rt.send
	rt.mu.Unlock()

	resent := 0
	for _, pair := range pairs {
		for _, seq := range nackSequences(pair) {
			for i := 0; i < times; i++ {
				outerSeq, pkt, ok := rt.ring.Extract(seq)
				if !ok {
					rt.log.Debug().Uint16("seq", seq).Msg("requested packet already evicted")
					break
				}
				if send == nil {
					break
				}
				if err := send(pkt); err != nil {
					rt.log.Warn().Err(err).Uint16("seq", seq).Msg("resend failed")
					return resent
				}
				rt.log.Debug().Uint16("seq", seq).Uint16("outer_seq", outerSeq).Msg("packet resent")
				resent++
			}
		}
	}
	return resent
}

// nackSequences expands one (pid, blp) pair into the requested
// sequence numbers: pid plus each set bit of blp.
func nackSequences(pair rtcp.NackPair) []uint16 {
	seqs := []uint16{pair.PacketID}
	blp := uint16(pair.LostPackets)
	for i := uint16(0); i < 16; i++ {
		if blp&(1<<i) != 0 {
			seqs = append(seqs, pair.PacketID+i+1)
		}
	}
	return seqs
}
