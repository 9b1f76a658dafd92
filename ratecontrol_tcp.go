// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/emiago/wfdcast/media/wfd"
	"github.com/emiago/wfdcast/tcpinfo"
)

// Network status classification per sampling window.
const (
	statusNone = iota
	statusUnloaded
	statusLoaded
	statusCongested
)

// Thresholds of the TCP-mode regulator, microseconds and bytes where
// applicable.
const (
	thUnloadedRTT        = 100_000
	thAllowedRTTChange   = 200_000
	thAllowedLastSent    = 99
	thValidCwndDecrease  = 5
	thValidCwndIncrease  = 2
	thStableBufPercent   = 80
	thStableBufLeft      = 300_000
	maximumWindowSize    = 30
	statusHistoryLen     = 10
	samplesPerDecision   = 8
	packetsPerSample     = 100
)

// Weighted average tables; weights sum to 100, newest sample heaviest.
var avgWeights = map[int][]uint32{
	4: {10, 20, 30, 40},
	8: {2, 3, 5, 8, 12, 15, 20, 35},
}

// tcpRateController adjusts the encoder from kernel TCP metrics while
// the session runs interleaved. Every hundred payloader packets one
// sample is taken; every ninth sample runs a decision pass over the
// averaged window.
type tcpRateController struct {
	env    wfd.BitrateRange
	enc    Encoder
	getter tcpinfo.Getter

	window  []tcpinfo.Info
	weights []uint32

	packetCount int

	current uint32

	qosCount        uint32
	prevModeChanged uint32

	rttMovingAvg         uint32
	prevRTTAtModeChange  uint32
	prevCwnd             uint32
	maxBufLeft           uint32
	started              bool

	statusHistory [statusHistoryLen]int

	unstable unstableNotifier
	log      zerolog.Logger
}

func newTCPRateController(env wfd.BitrateRange, enc Encoder, getter tcpinfo.Getter, notify func(), log zerolog.Logger) *tcpRateController {
	c := &tcpRateController{
		env:     env,
		enc:     enc,
		getter:  getter,
		weights: avgWeights[samplesPerDecision],
		current: env.Init,
		log:     log,
	}
	c.unstable.notify = notify
	return c
}

// Reset re-arms the controller after switching onto TCP.
func (c *tcpRateController) Reset(env wfd.BitrateRange) {
	c.env = env
	c.current = env.Init
	c.window = nil
	c.packetCount = 0
	c.qosCount = 0
	c.prevModeChanged = 0
	c.started = false
	c.statusHistory = [statusHistoryLen]int{}
}

// Current returns the last published bitrate.
func (c *tcpRateController) Current() uint32 {
	return c.current
}

// OnPacket is invoked per payloader packet; it drives the sampling
// cadence.
func (c *tcpRateController) OnPacket(sample func() (*tcpinfo.Info, error), now time.Time) {
	c.packetCount++
	if c.packetCount < packetsPerSample {
		return
	}
	c.packetCount = 0

	info, err := sample()
	if err != nil {
		c.log.Warn().Err(err).Msg("tcp info read failed")
		return
	}
	c.Sample(info, now)
}

// Sample pushes one TCP snapshot. The first eight fill the ring; the
// ninth runs a decision pass against the weighted window average.
func (c *tcpRateController) Sample(info *tcpinfo.Info, now time.Time) {
	if len(c.window) < samplesPerDecision {
		c.window = append(c.window, *info)
		return
	}
	avgRTT, avgBufLeft := c.windowAverage()
	c.window = c.window[:0]
	c.decide(info, avgRTT, avgBufLeft, now)
}

func (c *tcpRateController) windowAverage() (rtt, bufLeft uint32) {
	for i, s := range c.window {
		w := c.weights[i]
		rtt += s.RTT * w / 100
		bufLeft += s.SndBufLeft * w / 100
	}
	return
}

// decide classifies the network and steps the encoder bitrate, the
// original three stage scheme: buffer check, status estimation, rate
// decision.
func (c *tcpRateController) decide(info *tcpinfo.Info, avgRTT, avgBufLeft uint32, now time.Time) {
	if !c.started {
		c.started = true
		c.prevCwnd = info.SndCwnd
		c.prevRTTAtModeChange = avgRTT
		c.maxBufLeft = avgBufLeft
	}
	c.rttMovingAvg = avgRTT
	if avgBufLeft > c.maxBufLeft {
		c.maxBufLeft = avgBufLeft
	}

	// Stage 1: did the send buffer shrink drastically? Less than 80%
	// of the high water mark and below it by a hard margin.
	bufferDec := avgBufLeft*100 < c.maxBufLeft*thStableBufPercent &&
		avgBufLeft+thStableBufLeft < c.maxBufLeft

	// Stage 2: estimate the network status for this window
	status := statusLoaded
	switch {
	case c.rttMovingAvg < thUnloadedRTT && info.LastDataSent <= thAllowedLastSent &&
		info.SndCwnd+thValidCwndIncrease > c.prevCwnd && !bufferDec:
		status = statusUnloaded
	case info.LastDataSent > thAllowedLastSent:
		status = statusCongested
		c.log.Debug().Msg("congested: last data sent time is over")
	case info.SndCwnd+thValidCwndDecrease < c.prevCwnd:
		status = statusCongested
		c.log.Debug().Msg("congested: window size decrease")
	case bufferDec:
		status = statusCongested
		c.log.Debug().Msg("congested: buffer decrease")
	case c.rttMovingAvg > c.prevRTTAtModeChange &&
		c.rttMovingAvg-c.prevRTTAtModeChange > thAllowedRTTChange:
		status = statusCongested
		c.log.Debug().Msg("congested: rtt moving average")
	}
	c.statusHistory[statusHistoryLen-1] = status

	// Stage 3: decide the encoder bitrate
	var recentLoadedOrCongested, unloaded, recentUnloaded int
	for i := statusHistoryLen - 5; i < statusHistoryLen; i++ {
		if c.statusHistory[i] >= statusLoaded {
			recentLoadedOrCongested++
		}
		if c.statusHistory[i] == statusUnloaded {
			recentUnloaded++
		}
	}
	for i := 0; i < statusHistoryLen; i++ {
		if c.statusHistory[i] == statusUnloaded {
			unloaded++
		}
	}

	windowRate := (c.env.Max-c.env.Min)*info.SndCwnd/maximumWindowSize + c.env.Min

	venc := c.current
	sinceChange := c.qosCount - c.prevModeChanged

	switch {
	// Decrease: sustained congestion (400 ms) or mostly loaded second
	case status >= statusLoaded &&
		((status == statusCongested && sinceChange > 7) ||
			(recentLoadedOrCongested > 3 && sinceChange > 19)):
		var step uint32
		if status == statusLoaded {
			step = venc / 10
		} else if info.LastDataSent >= thAllowedLastSent || bufferDec {
			step = venc / 3
		} else {
			step = venc / 5
		}
		if venc < c.env.Min+step {
			venc = c.env.Min
		} else {
			venc -= step
		}
		if windowRate < venc && bufferDec {
			venc = windowRate
		}
		if venc != c.current {
			c.prevRTTAtModeChange = c.rttMovingAvg
			c.prevModeChanged = c.qosCount
		}

	// Increase: a quiet second, or half of one at maximum window
	case unloaded > statusHistoryLen-4 && recentUnloaded > 3 && status == statusUnloaded &&
		(sinceChange > 19 || (sinceChange > 9 && info.SndCwnd >= maximumWindowSize)):
		var step uint32
		if info.SndCwnd >= maximumWindowSize {
			step = venc / 5
		} else {
			step = venc / 10
		}
		if venc+step > c.env.Max {
			venc = c.env.Max
		} else {
			venc += step
		}
		if venc != c.current {
			c.prevRTTAtModeChange = c.rttMovingAvg
			c.prevModeChanged = c.qosCount
		}
	}

	venc = clampBitrate(venc, c.env.Min, c.env.Max)

	copy(c.statusHistory[:], c.statusHistory[1:])
	c.prevCwnd = info.SndCwnd
	c.qosCount++

	prev := c.current
	c.current = venc
	publishBitrate(c.enc, prev, venc, c.log, "tcp")
	c.unstable.observe(prev, venc, c.env.Min, now)
}
