// SPDX-License-Identifier: MPL-2.0

package media

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

var (
	// ErrRTPInvalid marks a malformed RTP packet. Dropped, counted,
	// session continues.
	ErrRTPInvalid = errors.New("media: invalid rtp packet")
	// ErrRTCPInvalid marks a malformed RTCP compound.
	ErrRTCPInvalid = errors.New("media: invalid rtcp packet")
)

// SessionConfig is the strongly typed option bag for an RTP session.
type SessionConfig struct {
	// Session bandwidth in bits per second; the RTCP share derives
	// from it.
	Bandwidth float64
	// RTCPFraction of the session bandwidth spent on reports.
	RTCPFraction float64
	// MinRTCPInterval floors the report interval.
	MinRTCPInterval time.Duration
	// Probation is the count of in-sequence packets a new source
	// must show before it is believed.
	Probation int
	// FavorNew selects the collision policy: rewrite the remembered
	// address instead of dropping the newcomer.
	FavorNew bool
	// FeedbackRetention is the duplicate suppression window for
	// feedback packets.
	FeedbackRetention time.Duration
	// ByeTimeout is how long BYE marked sources linger before removal.
	ByeTimeout time.Duration
	// ClockRate of the media stream; MPEG-TS over RTP runs at 90 kHz.
	ClockRate uint32
	// LocalSSRC fixes our sending SSRC; zero picks a random one.
	LocalSSRC uint32
}

func (c *SessionConfig) setDefaults() {
	if c.Bandwidth == 0 {
		c.Bandwidth = 8_000_000
	}
	if c.RTCPFraction == 0 {
		c.RTCPFraction = 0.05
	}
	if c.MinRTCPInterval == 0 {
		c.MinRTCPInterval = 5 * time.Second
	}
	if c.Probation == 0 {
		c.Probation = 2
	}
	if c.FeedbackRetention == 0 {
		c.FeedbackRetention = 2 * time.Second
	}
	if c.ByeTimeout == 0 {
		c.ByeTimeout = 2 * time.Second
	}
	if c.ClockRate == 0 {
		c.ClockRate = 90000
	}
}

// SessionHandler is the capability interface the session owner
// implements. Every method is invoked outside the session lock and
// must not panic.
type SessionHandler interface {
	// OnNack delivers retransmission requests arriving as RTPFB.
	OnNack(ssrc uint32, pairs []rtcp.NackPair)
	// OnKeyUnitRequest delivers PLI (fir=false) and FIR (fir=true).
	OnKeyUnitRequest(ssrc uint32, fir bool)
	// OnReceiverReport delivers each report block about our stream.
	OnReceiverReport(report rtcp.ReceptionReport, now time.Time)
	// OnCollision fires when a source address conflict is detected.
	OnCollision(ssrc uint32, addr net.Addr)
	// OnByeReceived fires when a remote source leaves.
	OnByeReceived(ssrc uint32, reason string)
	// OnReconsider signals that NextTimeout changed and the owner
	// should rearm its timer.
	OnReconsider()
}

// RTCPOutput is one generated compound ready to send.
type RTCPOutput struct {
	SSRC  uint32
	Data  []byte
	IsBye bool
}

// RTPSession keeps the source table and produces RTCP for our internal
// source, RFC 3550 with the RFC 4585 early feedback profile. Calls are
// serialized by an internal mutex; the owner calls in from its I/O loop,
// the UDP RTCP reader goroutine and the payloader send path.
type RTPSession struct {
	mu   sync.Mutex
	conf SessionConfig

	handler SessionHandler
	pending []func(SessionHandler)

	sources  map[uint32]*Source
	internal *Source

	weSent      bool
	avgRTCPSize float64

	lastRTCPSent  time.Time
	nextRTCP      time.Time
	deterministic time.Duration
	initialRTCP   bool

	earlyRTCP  time.Time
	allowEarly bool

	byeScheduled bool
	byeReason    string

	rnd *rand.Rand
	log zerolog.Logger
}

// NewRTPSession builds a session with one internal source.
func NewRTPSession(conf SessionConfig, handler SessionHandler, log zerolog.Logger) *RTPSession {
	conf.setDefaults()
	s := &RTPSession{
		conf:        conf,
		handler:     handler,
		sources:     map[uint32]*Source{},
		avgRTCPSize: 100,
		initialRTCP: true,
		allowEarly:  true,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		log:         log,
	}
	ssrc := conf.LocalSSRC
	if ssrc == 0 {
		ssrc = s.rnd.Uint32()
	}
	s.internal = newSource(ssrc, true)
	s.internal.clockRate = conf.ClockRate
	s.internal.sdes[rtcp.SDESCNAME] = "wfdcast-" + uuid.NewString()[:8]
	s.sources[ssrc] = s.internal
	return s
}

// SSRC returns our sending SSRC. It changes after a collision on the
// internal source.
func (s *RTPSession) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.internal.SSRC
}

// SetSDES replaces our advertised source description items. CNAME is
// kept when the caller does not provide one.
func (s *RTPSession) SetSDES(items map[rtcp.SDESType]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cname := s.internal.sdes[rtcp.SDESCNAME]
	s.internal.sdes = map[rtcp.SDESType]string{}
	for k, v := range items {
		s.internal.sdes[k] = v
	}
	if _, ok := s.internal.sdes[rtcp.SDESCNAME]; !ok {
		s.internal.sdes[rtcp.SDESCNAME] = cname
	}
}

// GetSDES snapshots our advertised items.
func (s *RTPSession) GetSDES() map[rtcp.SDESType]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[rtcp.SDESType]string, len(s.internal.sdes))
	for k, v := range s.internal.sdes {
		out[k] = v
	}
	return out
}

// SourceCount returns (total, active) for introspection.
func (s *RTPSession) SourceCount() (total, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		total++
		if src.Active() {
			active++
		}
	}
	return
}

func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// ProcessRTP validates and accounts one received RTP packet.
func (s *RTPSession) ProcessRTP(raw []byte, from net.Addr, now time.Time) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		metricRTPParseErrors.Inc()
		return fmt.Errorf("%w: %v", ErrRTPInvalid, err)
	}
	if pkt.Version != 2 {
		metricRTPParseErrors.Inc()
		return fmt.Errorf("%w: version %d", ErrRTPInvalid, pkt.Version)
	}

	s.mu.Lock()

	if pkt.SSRC == s.internal.SSRC {
		s.collideInternalLocked(from, now)
		s.mu.Unlock()
		s.flushCallbacks()
		return nil
	}

	src, ok := s.sources[pkt.SSRC]
	if !ok {
		src = newSource(pkt.SSRC, false)
		src.Addr = from
		src.clockRate = s.conf.ClockRate
		src.initReceive(pkt.SequenceNumber, s.conf.Probation)
		s.sources[pkt.SSRC] = src
	} else if drop := s.checkCollisionLocked(src, from, now); drop {
		s.mu.Unlock()
		s.flushCallbacks()
		return nil
	}

	accepted, validated := src.seq.update(pkt.SequenceNumber, s.conf.Probation)
	if validated {
		src.Validated = true
	}
	src.lastActivity = now
	if accepted {
		src.Sender = true
		src.lastRTPActivity = now
		src.updateJitter(now, pkt.Timestamp)
	}
	s.mu.Unlock()
	s.flushCallbacks()
	return nil
}

// checkCollisionLocked applies the collision policy when a known SSRC
// shows up from a new transport address. Returns whether to drop the
// packet.
func (s *RTPSession) checkCollisionLocked(src *Source, from net.Addr, now time.Time) bool {
	key := addrKey(from)
	if src.Addr == nil || key == addrKey(src.Addr) {
		src.Addr = from
		return false
	}
	window := s.activityWindowLocked()
	if !src.lastActivity.IsZero() && now.Sub(src.lastActivity) >= window {
		// Went silent long enough; believe the new address
		src.Addr = from
		return false
	}
	if _, known := src.conflicts[key]; known {
		src.conflicts[key] = now
		return true
	}

	metricCollisions.Inc()
	ssrc := src.SSRC
	if s.conf.FavorNew {
		src.conflicts[addrKey(src.Addr)] = now
		src.Addr = from
		s.deferCallback(func(h SessionHandler) { h.OnCollision(ssrc, from) })
		return false
	}
	src.conflicts[key] = now
	s.deferCallback(func(h SessionHandler) { h.OnCollision(ssrc, from) })
	return true
}

// collideInternalLocked handles a third party using our SSRC: schedule
// BYE with reason and continue under a new identity, RFC 3550 §8.2.
func (s *RTPSession) collideInternalLocked(from net.Addr, now time.Time) {
	metricCollisions.Inc()
	old := s.internal
	old.markBye(now, "SSRC Collision")
	s.byeScheduled = true
	s.byeReason = "SSRC Collision"

	ssrc := s.rnd.Uint32()
	for {
		if _, exists := s.sources[ssrc]; !exists {
			break
		}
		ssrc = s.rnd.Uint32()
	}
	next := newSource(ssrc, true)
	next.clockRate = s.conf.ClockRate
	next.sdes = old.sdes
	s.internal = next
	s.sources[ssrc] = next

	oldSSRC := old.SSRC
	s.log.Warn().Uint32("ssrc", oldSSRC).Uint32("new_ssrc", ssrc).Msg("SSRC collision on internal source")
	s.deferCallback(func(h SessionHandler) { h.OnCollision(oldSSRC, from) })
	s.reconsiderLocked(now)
}

// SendRTP accounts a packet we emit for our internal source.
func (s *RTPSession) SendRTP(pkt *rtp.Packet, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.internal
	src.packetsSent++
	src.octetsSent += uint32(len(pkt.Payload))
	src.lastSentTime = now
	src.lastSentRTPTS = pkt.Timestamp
	src.Sender = true
	src.lastActivity = now
	src.lastRTPActivity = now
	s.weSent = true
}

// ProcessRTCP parses a received compound and updates the source table.
func (s *RTPSession) ProcessRTCP(raw []byte, from net.Addr, now time.Time) error {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		metricRTCPParseErrors.Inc()
		return fmt.Errorf("%w: %v", ErrRTCPInvalid, err)
	}

	s.mu.Lock()
	s.avgRTCPSize = float64(len(raw))/16 + s.avgRTCPSize*15/16

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			src := s.ensureRTCPSourceLocked(p.SSRC, from)
			src.lastSRNTP = p.NTPTime
			src.lastSRTime = now
			src.Sender = true
			src.lastActivity = now
			src.retainRTCP(pkt)
			s.handleReportsLocked(p.Reports, now)

		case *rtcp.ReceiverReport:
			src := s.ensureRTCPSourceLocked(p.SSRC, from)
			src.lastActivity = now
			src.retainRTCP(pkt)
			s.handleReportsLocked(p.Reports, now)

		case *rtcp.SourceDescription:
			for _, chunk := range p.Chunks {
				src := s.ensureRTCPSourceLocked(chunk.Source, from)
				src.lastActivity = now
				for _, item := range chunk.Items {
					src.sdes[item.Type] = item.Text
				}
			}

		case *rtcp.Goodbye:
			for _, ssrc := range p.Sources {
				src, ok := s.sources[ssrc]
				if !ok || src.Internal {
					continue
				}
				src.markBye(now, p.Reason)
				reportSSRC := ssrc
				s.deferCallback(func(h SessionHandler) { h.OnByeReceived(reportSSRC, p.Reason) })
			}
			s.reconsiderLocked(now)

		case *rtcp.TransportLayerNack:
			src := s.ensureRTCPSourceLocked(p.SenderSSRC, from)
			src.lastActivity = now
			pairs := p.Nacks
			ssrc := p.SenderSSRC
			s.deferCallback(func(h SessionHandler) { h.OnNack(ssrc, pairs) })

		case *rtcp.PictureLossIndication:
			src := s.ensureRTCPSourceLocked(p.SenderSSRC, from)
			src.lastActivity = now
			ssrc := p.SenderSSRC
			s.deferCallback(func(h SessionHandler) { h.OnKeyUnitRequest(ssrc, false) })

		case *rtcp.FullIntraRequest:
			src := s.ensureRTCPSourceLocked(p.SenderSSRC, from)
			src.lastActivity = now
			ssrc := p.SenderSSRC
			s.deferCallback(func(h SessionHandler) { h.OnKeyUnitRequest(ssrc, true) })
		}
	}
	s.mu.Unlock()

	s.flushCallbacks()
	return nil
}

// ensureRTCPSourceLocked resolves or creates a source for an SSRC seen
// in RTCP. RTCP reachability short-circuits probation.
func (s *RTPSession) ensureRTCPSourceLocked(ssrc uint32, from net.Addr) *Source {
	src, ok := s.sources[ssrc]
	if !ok {
		src = newSource(ssrc, false)
		src.Addr = from
		src.clockRate = s.conf.ClockRate
		s.sources[ssrc] = src
	}
	src.Validated = true
	return src
}

func (s *RTPSession) handleReportsLocked(reports []rtcp.ReceptionReport, now time.Time) {
	for _, rb := range reports {
		if rb.SSRC != s.internal.SSRC {
			continue
		}
		report := rb
		s.deferCallback(func(h SessionHandler) { h.OnReceiverReport(report, now) })
	}
}

func (s *RTPSession) deferCallback(fn func(SessionHandler)) {
	s.pending = append(s.pending, fn)
}

// flushCallbacks drains deferred handler invocations with no lock held,
// so re-entrant calls into the session cannot deadlock.
func (s *RTPSession) flushCallbacks() {
	s.mu.Lock()
	cbs := s.pending
	s.pending = nil
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return
	}
	for _, cb := range cbs {
		cb(h)
	}
}

// RequestKeyUnit marks a source so FIR or PLI rides the next compound.
func (s *RTPSession) RequestKeyUnit(ssrc uint32, fir bool, count uint8) {
	s.mu.Lock()
	src, ok := s.sources[ssrc]
	if ok {
		if fir {
			src.wantFIR = true
			src.firSeqNr = count
		} else {
			src.wantPLI = true
		}
	}
	s.mu.Unlock()
	if ok {
		s.RequestEarlyRTCP(time.Now(), s.conf.MinRTCPInterval/2)
	}
}

// RequestNack queues retransmission requests toward a remote sender.
func (s *RTPSession) RequestNack(ssrc uint32, seq uint16, maxDelay time.Duration) {
	s.mu.Lock()
	src, ok := s.sources[ssrc]
	if ok {
		src.nacks = append(src.nacks, seq)
	}
	s.mu.Unlock()
	if ok {
		s.RequestEarlyRTCP(time.Now(), maxDelay)
	}
}

// RequestEarlyRTCP implements the RFC 4585 §3.5.2 early transmission
// decision. Returns whether an early or near enough regular compound
// will carry the feedback.
func (s *RTPSession) RequestEarlyRTCP(now time.Time, maxDelay time.Duration) bool {
	s.mu.Lock()
	if !s.earlyRTCP.IsZero() {
		s.mu.Unlock()
		return true
	}
	if !s.nextRTCP.IsZero() && !now.Add(maxDelay).Before(s.nextRTCP) {
		// The regular transmission is soon enough
		s.mu.Unlock()
		return true
	}
	if !s.allowEarly {
		s.mu.Unlock()
		return false
	}
	s.allowEarly = false
	s.earlyRTCP = now
	h := s.handler
	s.mu.Unlock()

	// The reconsider hook re-enters the session; invoke with no lock
	// held.
	if h != nil {
		h.OnReconsider()
	}
	return true
}

// ScheduleBye marks our internal source for departure and shortens the
// interval so the BYE leaves quickly, RFC 3550 §6.3.7.
func (s *RTPSession) ScheduleBye(now time.Time, reason string) {
	s.mu.Lock()
	s.byeScheduled = true
	s.byeReason = reason
	s.internal.markBye(now, reason)
	t := time.Duration(float64(s.conf.MinRTCPInterval/10) * (0.5 + s.rnd.Float64()))
	s.nextRTCP = now.Add(t)
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnReconsider()
	}
}

// NextTimeout returns when OnTimeout wants to run: the earlier of the
// regular and any pending early RTCP time.
func (s *RTPSession) NextTimeout(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRTCP.IsZero() {
		s.scheduleNextLocked(now)
	}
	if !s.earlyRTCP.IsZero() && s.earlyRTCP.Before(s.nextRTCP) {
		return s.earlyRTCP
	}
	return s.nextRTCP
}

func (s *RTPSession) membersLocked() (members, senders int) {
	for _, src := range s.sources {
		if !src.Validated || src.ByeMarked {
			continue
		}
		members++
		if src.Sender {
			senders++
		}
	}
	if members == 0 {
		members = 1
	}
	return
}

func (s *RTPSession) scheduleNextLocked(now time.Time) {
	members, senders := s.membersLocked()
	interval, deterministic := rtcpInterval(members, senders,
		s.conf.Bandwidth*s.conf.RTCPFraction, s.weSent, s.avgRTCPSize,
		s.conf.MinRTCPInterval, s.initialRTCP, s.rnd)
	s.deterministic = deterministic
	s.nextRTCP = now.Add(interval)
}

// activityWindowLocked is the timeout base for collision windows,
// sender demotion and source expiry.
func (s *RTPSession) activityWindowLocked() time.Duration {
	w := s.deterministic
	if w < 5*time.Second {
		w = 5 * time.Second
	}
	return w
}

// reconsiderLocked applies reverse reconsideration after membership
// shrank: the pending interval scales down with the member count,
// RFC 3550 §6.3.4.
func (s *RTPSession) reconsiderLocked(now time.Time) {
	if s.nextRTCP.IsZero() {
		return
	}
	members, senders := s.membersLocked()
	interval, deterministic := rtcpInterval(members, senders,
		s.conf.Bandwidth*s.conf.RTCPFraction, s.weSent, s.avgRTCPSize,
		s.conf.MinRTCPInterval, false, s.rnd)
	s.deterministic = deterministic
	if next := now.Add(interval); next.Before(s.nextRTCP) {
		s.nextRTCP = next
	}
}

// OnTimeout runs housekeeping and generates RTCP for our internal
// source. The returned queue is sent by the owner in order.
func (s *RTPSession) OnTimeout(now time.Time) []RTCPOutput {
	s.mu.Lock()

	s.expireSourcesLocked(now)

	early := !s.earlyRTCP.IsZero() && !now.Before(s.earlyRTCP)
	regular := !s.nextRTCP.IsZero() && !now.Before(s.nextRTCP)
	if !early && !regular {
		s.mu.Unlock()
		s.flushCallbacks()
		return nil
	}

	out := s.generateLocked(now)

	if early {
		s.earlyRTCP = time.Time{}
	}
	if regular {
		s.initialRTCP = false
		s.lastRTCPSent = now
		// A regular transmission re-arms the early privilege
		s.allowEarly = true
		s.byeScheduled = false
	}
	s.scheduleNextLocked(now)

	s.mu.Unlock()
	s.flushCallbacks()
	return out
}

// generateLocked builds the compound: SR or RR, SDES, pending feedback
// and a trailing BYE when scheduled. All reports of one generation are
// produced before any timing state advances.
func (s *RTPSession) generateLocked(now time.Time) []RTCPOutput {
	src := s.internal
	var pkts []rtcp.Packet

	blocks := s.reportBlocksLocked(now)
	if s.weSent {
		rtpTS := src.lastSentRTPTS
		if !src.lastSentTime.IsZero() {
			rtpTS += uint32(now.Sub(src.lastSentTime).Seconds() * float64(src.clockRate))
		}
		pkts = append(pkts, &rtcp.SenderReport{
			SSRC:        src.SSRC,
			NTPTime:     NTPTimestamp(now),
			RTPTime:     rtpTS,
			PacketCount: src.packetsSent,
			OctetCount:  src.octetsSent,
			Reports:     blocks,
		})
	} else {
		pkts = append(pkts, &rtcp.ReceiverReport{
			SSRC:    src.SSRC,
			Reports: blocks,
		})
	}

	// SDES with at least CNAME
	items := make([]rtcp.SourceDescriptionItem, 0, len(src.sdes))
	for t, text := range src.sdes {
		items = append(items, rtcp.SourceDescriptionItem{Type: t, Text: text})
	}
	pkts = append(pkts, &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{Source: src.SSRC, Items: items}},
	})

	pkts = append(pkts, s.feedbackLocked(now)...)

	isBye := s.byeScheduled
	if isBye {
		var ssrcs []uint32
		for _, b := range s.sources {
			if b.Internal && b.ByeMarked {
				ssrcs = append(ssrcs, b.SSRC)
			}
		}
		if len(ssrcs) == 0 {
			ssrcs = []uint32{src.SSRC}
		}
		pkts = append(pkts, &rtcp.Goodbye{Sources: ssrcs, Reason: s.byeReason})
	}

	data, err := rtcp.Marshal(pkts)
	if err != nil {
		s.log.Error().Err(err).Msg("RTCP compound marshal failed")
		return nil
	}
	s.avgRTCPSize = float64(len(data))/16 + s.avgRTCPSize*15/16

	return []RTCPOutput{{SSRC: src.SSRC, Data: data, IsBye: isBye}}
}

// reportBlocksLocked collects report blocks about every validated
// external sender, capped at the 31 the count field can carry.
func (s *RTPSession) reportBlocksLocked(now time.Time) []rtcp.ReceptionReport {
	var blocks []rtcp.ReceptionReport
	for _, src := range s.sources {
		if src.Internal || !src.Validated || src.ByeMarked || !src.Sender {
			continue
		}
		if src.seq.received == 0 {
			// RTCP reachable but no RTP data yet; nothing to report
			continue
		}
		blocks = append(blocks, src.reportBlock(now))
		if len(blocks) == 31 {
			break
		}
	}
	return blocks
}

// feedbackLocked drains pending FIR, PLI and NACK requests, suppressing
// duplicates still inside the retention window.
func (s *RTPSession) feedbackLocked(now time.Time) []rtcp.Packet {
	var pkts []rtcp.Packet
	for _, src := range s.sources {
		if src.Internal {
			continue
		}
		if src.wantFIR {
			src.wantFIR = false
			if !src.dupFeedback(fbKey{kind: "fir", seq: uint16(src.firSeqNr)}, now, s.conf.FeedbackRetention) {
				pkts = append(pkts, &rtcp.FullIntraRequest{
					SenderSSRC: s.internal.SSRC,
					MediaSSRC:  src.SSRC,
					FIR:        []rtcp.FIREntry{{SSRC: src.SSRC, SequenceNumber: src.firSeqNr}},
				})
			}
		}
		if src.wantPLI {
			src.wantPLI = false
			if !src.dupFeedback(fbKey{kind: "pli"}, now, s.conf.FeedbackRetention) {
				pkts = append(pkts, &rtcp.PictureLossIndication{
					SenderSSRC: s.internal.SSRC,
					MediaSSRC:  src.SSRC,
				})
			}
		}
		if len(src.nacks) > 0 {
			seqs := src.nacks
			src.nacks = nil
			var fresh []uint16
			for _, seq := range seqs {
				if !src.dupFeedback(fbKey{kind: "nack", seq: seq}, now, s.conf.FeedbackRetention) {
					fresh = append(fresh, seq)
				}
			}
			if len(fresh) > 0 {
				pkts = append(pkts, &rtcp.TransportLayerNack{
					SenderSSRC: s.internal.SSRC,
					MediaSSRC:  src.SSRC,
					Nacks:      NackPairsFromSequences(fresh),
				})
			}
		}
	}
	return pkts
}

// expireSourcesLocked times out silent sources, demotes idle senders
// and forgets stale conflict addresses.
func (s *RTPSession) expireSourcesLocked(now time.Time) {
	window := s.activityWindowLocked()
	removed := false
	for ssrc, src := range s.sources {
		if src.Internal {
			continue
		}
		if src.ByeMarked {
			if now.Sub(src.byeTime) > s.conf.ByeTimeout {
				delete(s.sources, ssrc)
				removed = true
			}
			continue
		}
		if !src.lastActivity.IsZero() && now.Sub(src.lastActivity) > 5*window {
			delete(s.sources, ssrc)
			removed = true
			continue
		}
		if src.Sender && !src.lastRTPActivity.IsZero() && now.Sub(src.lastRTPActivity) > 2*window {
			src.Sender = false
		}
		for key, seen := range src.conflicts {
			if now.Sub(seen) > 10*window {
				delete(src.conflicts, key)
			}
		}
	}
	if removed {
		s.reconsiderLocked(now)
	}
}

// NackPairsFromSequences packs a sequence list into (pid, blp) pairs,
// each pair covering pid plus the following 16 sequence numbers.
func NackPairsFromSequences(seqs []uint16) []rtcp.NackPair {
	var pairs []rtcp.NackPair
	for len(seqs) > 0 {
		pid := seqs[0]
		var blp uint16
		var rest []uint16
		for _, seq := range seqs[1:] {
			d := seq - pid
			if d >= 1 && d <= 16 {
				blp |= 1 << (d - 1)
			} else {
				rest = append(rest, seq)
			}
		}
		pairs = append(pairs, rtcp.NackPair{PacketID: pid, LostPackets: rtcp.PacketBitmap(blp)})
		seqs = rest
	}
	return pairs
}
