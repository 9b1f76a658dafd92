// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"

	"github.com/emiago/wfdcast/media"
	"github.com/emiago/wfdcast/media/wfd"
)

// udpRateController adjusts the encoder from sink receiver reports
// while the session runs over UDP. Loss claims are cross-checked
// against the retention ring's resend counter because some sinks file
// faulty reports.
type udpRateController struct {
	env  wfd.BitrateRange
	enc  Encoder
	ring *media.RetentionRing

	current uint32

	// The first report after a transport switch is only a baseline;
	// some dongles show phantom loss right after switching.
	baselined bool

	prevFraction int
	prevMaxSeq   uint32
	prevCumLost  uint32
	prevResend   uint64
	movingAvg    int

	// Ramp state reconciling step sizes on sustained clean reports:
	// the first increase is gentle, following ones take the full step.
	increasedLast bool

	unstable unstableNotifier
	retrans  *media.Retransmitter

	log zerolog.Logger
}

func newUDPRateController(env wfd.BitrateRange, enc Encoder, ring *media.RetentionRing, retrans *media.Retransmitter, notify func(), log zerolog.Logger) *udpRateController {
	c := &udpRateController{
		env:     env,
		enc:     enc,
		ring:    ring,
		retrans: retrans,
		current: env.Init,
		log:     log,
	}
	c.unstable.notify = notify
	return c
}

// Reset re-arms the controller after a transport switch back to UDP.
func (c *udpRateController) Reset(env wfd.BitrateRange) {
	c.env = env
	c.current = env.Init
	c.baselined = false
	c.prevFraction = 0
	c.prevMaxSeq = 0
	c.prevCumLost = 0
	c.movingAvg = 0
	c.increasedLast = false
}

// Current returns the last published bitrate.
func (c *udpRateController) Current() uint32 {
	return c.current
}

// OnReceiverReport runs the loss-driven regulation step for one report
// block about our stream.
func (c *udpRateController) OnReceiverReport(rb rtcp.ReceptionReport, now time.Time) {
	fractionLost := int(rb.FractionLost)
	maxSeq := rb.LastSequenceNumber
	cumLost := rb.TotalLost

	// Faulty RTCP guard: when the resender never fired since the last
	// report, the sink cannot really have lost anything.
	if c.ring != nil {
		latest := c.ring.PacketsResent()
		if latest == c.prevResend {
			fractionLost = 0
		}
		c.prevResend = latest
	}

	if maxSeq == c.prevMaxSeq && c.baselined {
		c.publish(c.current, now)
		return
	}

	if !c.baselined {
		c.baselined = true
		c.prevFraction = 0
		c.prevMaxSeq = maxSeq
		c.prevCumLost = cumLost
		c.movingAvg = 0
		c.log.Debug().Msg("ignoring first receiver report after transport switch")
		return
	}

	// Smoothing factor: aggressive when the previous report was clean
	alpha := 0.8
	if c.prevFraction == 0 {
		alpha = 1.0
	}

	instLost := 0
	if fractionLost > 0 {
		instLost = fractionLost * 100 / 256
	} else if maxSeq > c.prevMaxSeq && cumLost > c.prevCumLost {
		instLost = int((cumLost - c.prevCumLost) * 100 / (maxSeq - c.prevMaxSeq))
	}

	statsLost := int(float64(instLost)*alpha + float64(c.prevFraction)*(1-alpha))
	c.movingAvg = (c.movingAvg*7 + statsLost*5) / 8
	if c.movingAvg > 100 {
		c.movingAvg = 100
	}

	bitrate := c.current
	span := c.env.Max - c.env.Min

	switch {
	case instLost > 0:
		var step uint32
		switch {
		case statsLost >= 5:
			step = span
		case statsLost >= 3:
			step = span / 2
		default:
			step = span / 4
		}
		if bitrate <= c.env.Min+step {
			bitrate = c.env.Min
		} else {
			bitrate -= step
		}
		c.increasedLast = false

	case instLost == 0 && c.movingAvg < 1:
		if bitrate < c.env.Max {
			var step uint32 = 512 * 1024
			if c.prevFraction > 0 || c.increasedLast {
				step = 1024 * 1024
			}
			bitrate = clampBitrate(bitrate+step, c.env.Min, c.env.Max)
			c.increasedLast = true
		}
	}

	c.prevFraction = statsLost
	c.prevMaxSeq = maxSeq
	c.prevCumLost = cumLost

	if c.retrans != nil {
		c.retrans.UpdateLoss(statsLost)
	}
	c.publish(clampBitrate(bitrate, c.env.Min, c.env.Max), now)
}

func (c *udpRateController) publish(bitrate uint32, now time.Time) {
	prev := c.current
	c.current = bitrate
	publishBitrate(c.enc, prev, bitrate, c.log, "udp")
	c.unstable.observe(prev, bitrate, c.env.Min, now)
}
