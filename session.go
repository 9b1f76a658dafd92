// SPDX-License-Identifier: MPL-2.0

// Package wfdcast implements the source side of a Wi-Fi Display
// (Miracast) session: the RTSP/WFD negotiation state machine, the
// RTP/RTCP plane with sink driven retransmission, adaptive encoder
// bitrate control and UDP/TCP transport switching.
package wfdcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/emiago/wfdcast/media"
	"github.com/emiago/wfdcast/media/wfd"
	"github.com/emiago/wfdcast/rtsp"
	"github.com/emiago/wfdcast/tcpinfo"
)

// State of a WFD session.
type State string

const (
	StateNegotiating     State = "Negotiating"
	StateConfigured      State = "Configured"
	StateSetup           State = "Setup"
	StatePlaying         State = "Playing"
	StatePaused          State = "Paused"
	StateStandby         State = "Standby"
	StateTeardownPending State = "TeardownPending"
	StateClosed          State = "Closed"
)

// SessionOptions is the recognized configuration, every knob with a
// default.
type SessionOptions struct {
	// RTP layer configuration.
	RTP media.SessionConfig

	// DoRetransmission enables the retention ring and NACK service on
	// the UDP path.
	DoRetransmission bool
	// RetentionCapacity of the ring; power of two, default 4096.
	RetentionCapacity int
	// MaxResend caps retransmission multiplicity.
	MaxResend int

	// UDPBitrates and TCPBitrates are the per resolution class
	// init/min/max tables.
	UDPBitrates wfd.BitrateTable
	TCPBitrates wfd.BitrateTable

	// SessionTimeout goes into "Session: <id>;timeout=" and derives
	// the keep-alive cadence.
	SessionTimeout time.Duration
	// KeepAliveGrace is how long the sink has to answer M16.
	KeepAliveGrace time.Duration
	// TeardownAckTimeout bounds the wait for the sink TEARDOWN after
	// we trigger it.
	TeardownAckTimeout time.Duration

	// UIBCPort offered in the UIBC capability, default 19005.
	UIBCPort int
	// EnableUIBC offers the back channel during M4.
	EnableUIBC bool

	// HDCP is the content protection pass-through; nil disables.
	HDCP *HDCPConfig

	// T3Supported tells the TCP to UDP switch drain wait that the
	// sink answers T3 audio report queries.
	T3Supported bool

	// UDPSocketBuffer for the RTCP receive socket.
	UDPSocketBuffer int
}

func (o *SessionOptions) setDefaults() {
	if o.RetentionCapacity == 0 {
		o.RetentionCapacity = media.DefaultRetentionCapacity
	}
	if o.MaxResend == 0 {
		o.MaxResend = media.DefaultMaxResend
	}
	var zero wfd.BitrateTable
	if o.UDPBitrates == zero {
		o.UDPBitrates = wfd.DefaultUDPBitrates
	}
	if o.TCPBitrates == zero {
		o.TCPBitrates = wfd.DefaultTCPBitrates
	}
	if o.SessionTimeout == 0 {
		o.SessionTimeout = 60 * time.Second
	}
	if o.KeepAliveGrace == 0 {
		o.KeepAliveGrace = 5 * time.Second
	}
	if o.TeardownAckTimeout == 0 {
		o.TeardownAckTimeout = 200 * time.Millisecond
	}
	if o.UIBCPort == 0 {
		o.UIBCPort = 19005
	}
	if o.UDPSocketBuffer == 0 {
		o.UDPSocketBuffer = 0x80000
	}
}

// Negotiated holds what M3/M4 settled on.
type Negotiated struct {
	AudioCodec    string
	AudioMode     wfd.AudioMode
	VideoMode     wfd.VideoMode
	VideoBit      uint32
	NativeTable   int
	Profile       uint8
	Level         uint8
	Ports         wfd.RTPPorts
	HDCP          *wfd.ContentProtection
	UIBC          *wfd.UIBCCapability
	StandbyResume bool
}

// sinkCapabilities is the raw M3 answer.
type sinkCapabilities struct {
	audio   []wfd.AudioCodec
	video   *wfd.VideoFormats
	ports   *wfd.RTPPorts
	edid    *wfd.EDID
	hdcp    *wfd.ContentProtection
	uibc    *wfd.UIBCCapability
	standby bool
}

// command is posted into the serve loop by the public API.
type command func()

// SourceSession drives one sink from TCP accept to teardown. It owns
// the RTP session, the controllers and the transports.
type SourceSession struct {
	conn *rtsp.Conn
	opts SessionOptions

	fsm *fsm.FSM

	id         string
	sourceIP   string
	sink       sinkCapabilities
	chosen     Negotiated
	transport  string // wfd.TransportUDP or wfd.TransportTCP

	enc       Encoder
	payloader Payloader

	rtp     *media.RTPSession
	ring    *media.RetentionRing
	retrans *media.Retransmitter

	udp *udpTransport
	tcp *tcpTransport

	rateUDP *udpRateController
	rateTCP *tcpRateController
	infoGet tcpinfo.Getter

	uibc *uibcListener
	hdcp *hdcpControl

	// Keep-alive watchdog state
	nextKeepAlive   time.Time
	keepAliveCheck  time.Time
	responsePending bool

	teardownDeadline time.Time
	teardownOnce     sync.Once

	// TCP→UDP drain coordination
	drainMu      sync.Mutex
	drainCh      chan struct{}
	prevDrainPTS int64

	cmds chan command
	wake chan struct{}

	// Guards against late callbacks after teardown; captured by value
	// into scheduled work.
	alive atomic.Bool

	eventsMu sync.Mutex
	events   []EventFunc

	closeReason string
	closeErr    error

	log zerolog.Logger
}

// NewSourceSession wraps an accepted control connection. Run must be
// called to drive it.
func NewSourceSession(nc net.Conn, enc Encoder, payloader Payloader, opts SessionOptions, log zerolog.Logger) (*SourceSession, error) {
	opts.setDefaults()

	ring, err := media.NewRetentionRing(opts.RetentionCapacity)
	if err != nil {
		return nil, err
	}

	s := &SourceSession{
		conn:      rtsp.NewConn(nc, log),
		opts:      opts,
		enc:       enc,
		payloader: payloader,
		ring:      ring,
		infoGet:   tcpinfo.New(),
		cmds:      make(chan command, 8),
		wake:      make(chan struct{}, 1),
		transport: wfd.TransportUDP,
		log:       log,
	}
	if host, _, err := net.SplitHostPort(nc.LocalAddr().String()); err == nil {
		s.sourceIP = host
	}
	s.alive.Store(true)

	s.retrans = media.NewRetransmitter(ring, nil, opts.MaxResend, log)
	s.rtp = media.NewRTPSession(opts.RTP, &rtpEvents{s: s}, log)
	if opts.HDCP != nil {
		s.hdcp = newHDCPControl(*opts.HDCP, log)
	}

	s.initFSM()
	return s, nil
}

func (s *SourceSession) initFSM() {
	all := []string{
		string(StateNegotiating), string(StateConfigured), string(StateSetup),
		string(StatePlaying), string(StatePaused), string(StateStandby),
		string(StateTeardownPending),
	}
	s.fsm = fsm.NewFSM(
		string(StateNegotiating),
		fsm.Events{
			{Name: "configure", Src: []string{string(StateNegotiating)}, Dst: string(StateConfigured)},
			{Name: "setup", Src: []string{string(StateConfigured)}, Dst: string(StateSetup)},
			{Name: "play", Src: []string{string(StateSetup), string(StatePaused), string(StateStandby)}, Dst: string(StatePlaying)},
			{Name: "pause", Src: []string{string(StatePlaying)}, Dst: string(StatePaused)},
			{Name: "standby", Src: []string{string(StatePlaying), string(StatePaused)}, Dst: string(StateStandby)},
			{Name: "teardown_pending", Src: all, Dst: string(StateTeardownPending)},
			{Name: "close", Src: append(all, string(StateClosed)), Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if e.Src == e.Dst {
					return
				}
				s.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("session state")
				s.emit(Event{Kind: EventStateChange, State: State(e.Dst)})
			},
		},
	)
}

// State returns the current machine state.
func (s *SourceSession) State() State {
	return State(s.fsm.Current())
}

// ID returns the 16 hex digit session id, set at SETUP.
func (s *SourceSession) ID() string {
	return s.id
}

// Negotiated exposes the M4 selections after negotiation completed.
func (s *SourceSession) Negotiated() Negotiated {
	return s.chosen
}

// Transport returns the active lower transport profile.
func (s *SourceSession) Transport() string {
	return s.transport
}

// OnEvent appends a subscriber. Subscribers are called in registration
// order. Most events are emitted from the session loop; UIBC messages
// and network unstable notifications are emitted from the goroutine
// that produced them (the UIBC reader, the UDP RTCP reader or the
// payloader send path).
func (s *SourceSession) OnEvent(fn EventFunc) {
	s.eventsMu.Lock()
	s.events = append(s.events, fn)
	s.eventsMu.Unlock()
}

func (s *SourceSession) emit(ev Event) {
	s.eventsMu.Lock()
	subs := make([]EventFunc, len(s.events))
	copy(subs, s.events)
	s.eventsMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *SourceSession) event(name string) {
	if err := s.fsm.Event(context.Background(), name); err != nil {
		s.log.Debug().Err(err).Str("event", name).Msg("state transition rejected")
	}
}

// Run drives the session until teardown or a fatal error. It performs
// the M1..M5 exchange, then serves sink requests and timers.
func (s *SourceSession) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.negotiate(ctx); err != nil {
		s.closeWithError(err, "negotiation failed")
		return err
	}
	s.event("configure")

	return s.serve(ctx)
}

// serve is the session I/O loop: one reader, timer driven work between
// messages.
func (s *SourceSession) serve(ctx context.Context) error {
	for s.alive.Load() {
		select {
		case <-ctx.Done():
			s.closeReason = "context canceled"
			s.teardownNow("context canceled")
			return ctx.Err()
		case cmd := <-s.cmds:
			cmd()
			continue
		case <-s.wake:
			// timers changed; fall through to recompute
		default:
		}

		timeout := s.nextDeadline()
		msg, err := s.conn.Receive(timeout)
		if err != nil {
			if errors.Is(err, rtsp.ErrTimeout) {
				s.runTimers(time.Now())
				continue
			}
			if errors.Is(err, rtsp.ErrParse) {
				s.closeWithError(err, "protocol error")
				return err
			}
			// Connection gone
			if s.State() == StateClosed || s.State() == StateTeardownPending {
				s.finishTeardown(s.closeReason)
				return nil
			}
			s.closeWithError(err, "connection closed")
			return err
		}

		switch msg.Type {
		case rtsp.TypeRequest:
			s.handleRequest(msg)
		case rtsp.TypeResponse:
			s.handleResponse(msg)
		case rtsp.TypeData:
			s.handleData(msg)
		}

		if s.State() == StateClosed {
			return s.closeErr
		}
		s.runTimers(time.Now())
	}
	return s.closeErr
}

// nextDeadline computes the receive timeout until the earliest timer.
func (s *SourceSession) nextDeadline() time.Duration {
	now := time.Now()
	next := now.Add(time.Minute)

	consider := func(t time.Time) {
		if !t.IsZero() && t.Before(next) {
			next = t
		}
	}
	consider(s.nextKeepAlive)
	consider(s.keepAliveCheck)
	consider(s.teardownDeadline)
	if s.id != "" {
		consider(s.rtp.NextTimeout(now))
	}

	d := next.Sub(now)
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	// Cap the blocking read so posted commands and reconsidered RTCP
	// times are picked up promptly.
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// runTimers fires everything due.
func (s *SourceSession) runTimers(now time.Time) {
	// RTCP generation
	if s.id != "" && !now.Before(s.rtp.NextTimeout(now)) {
		for _, out := range s.rtp.OnTimeout(now) {
			if err := s.sendRTCP(out.Data); err != nil {
				s.log.Debug().Err(err).Msg("rtcp send failed")
			}
		}
	}

	// Keep-alive send
	if !s.nextKeepAlive.IsZero() && !now.Before(s.nextKeepAlive) {
		s.sendKeepAlive(now)
	}

	// Keep-alive response check
	if !s.keepAliveCheck.IsZero() && !now.Before(s.keepAliveCheck) {
		s.keepAliveCheck = time.Time{}
		if s.responsePending {
			s.closeWithError(ErrKeepAliveTimeout, "keep-alive timeout")
			return
		}
	}

	// Teardown ack window
	if !s.teardownDeadline.IsZero() && !now.Before(s.teardownDeadline) {
		s.teardownDeadline = time.Time{}
		s.log.Warn().Msg("sink never sent TEARDOWN, closing unconditionally")
		s.finishTeardown("teardown timeout")
	}
}

// sendKeepAlive emits the periodic M16 GET_PARAMETER and schedules the
// response check.
func (s *SourceSession) sendKeepAlive(now time.Time) {
	s.nextKeepAlive = now.Add(s.keepAliveInterval())
	req := rtsp.NewRequest(rtsp.MethodGetParameter, s.requestURI())
	req.SetHeader("Session", s.id)
	if err := s.conn.Send(req); err != nil {
		s.closeWithError(err, "keep-alive send failed")
		return
	}
	s.responsePending = true
	s.keepAliveCheck = now.Add(s.opts.KeepAliveGrace)
}

func (s *SourceSession) keepAliveInterval() time.Duration {
	iv := s.opts.SessionTimeout - s.opts.KeepAliveGrace
	if iv <= 0 {
		iv = s.opts.SessionTimeout / 2
	}
	return iv
}

func (s *SourceSession) requestURI() string {
	return fmt.Sprintf("rtsp://%s/wfd1.0", s.sourceIP)
}

// handleResponse correlates a sink response. Any response clears the
// keep-alive pending flag.
func (s *SourceSession) handleResponse(msg *rtsp.Message) {
	s.responsePending = false
	if msg.StatusCode != rtsp.StatusOK {
		s.log.Warn().Int("status", msg.StatusCode).Msg("sink rejected request")
	}
}

// handleData feeds interleaved RTCP back into the RTP session.
func (s *SourceSession) handleData(msg *rtsp.Message) {
	if msg.Channel != rtcpChannel {
		return
	}
	if err := s.rtp.ProcessRTCP(msg.Body, s.conn.RemoteAddr(), time.Now()); err != nil {
		s.log.Debug().Err(err).Msg("interleaved rtcp dropped")
	}
}

// handleRequest dispatches sink initiated methods, M6 onward.
func (s *SourceSession) handleRequest(req *rtsp.Message) {
	switch req.Method {
	case rtsp.MethodOptions:
		resp := rtsp.NewResponse(req, rtsp.StatusOK)
		resp.SetHeader("Public", publicMethods)
		s.conn.Send(resp)

	case rtsp.MethodSetup:
		s.handleSetup(req)

	case rtsp.MethodPlay:
		s.handlePlay(req)

	case rtsp.MethodPause:
		s.handlePause(req)

	case rtsp.MethodTeardown:
		s.conn.Send(rtsp.NewResponse(req, rtsp.StatusOK))
		s.teardownDeadline = time.Time{}
		s.finishTeardown("sink teardown")

	case rtsp.MethodGetParameter:
		// Sink side keep-alive probe; empty body answer suffices
		s.conn.Send(rtsp.NewResponse(req, rtsp.StatusOK))

	case rtsp.MethodSetParameter:
		s.handleSetParameter(req)

	default:
		resp := rtsp.NewResponse(req, rtsp.StatusMethodNotAllowed)
		s.conn.Send(resp)
	}
}

func (s *SourceSession) handleSetup(req *rtsp.Message) {
	if s.State() != StateConfigured {
		s.conn.Send(rtsp.NewResponse(req, rtsp.StatusMethodNotAllowed))
		return
	}

	s.id = newSessionID()

	if err := s.openTransport(); err != nil {
		s.log.Error().Err(err).Msg("transport setup failed")
		s.conn.Send(rtsp.NewResponse(req, rtsp.StatusInternalServerError))
		s.closeWithError(err, "transport setup failed")
		return
	}

	resp := rtsp.NewResponse(req, rtsp.StatusOK)
	resp.SetHeader("Session", fmt.Sprintf("%s;timeout=%d", s.id, int(s.opts.SessionTimeout.Seconds())))
	resp.SetHeader("Transport", s.transportHeader(req.GetHeader("Transport")))
	s.conn.Send(resp)

	s.event("setup")

	// Keep-alive starts once a session id exists
	s.nextKeepAlive = time.Now().Add(s.keepAliveInterval())
}

func (s *SourceSession) handlePlay(req *rtsp.Message) {
	if err := s.fsm.Event(context.Background(), "play"); err != nil {
		s.conn.Send(rtsp.NewResponse(req, rtsp.StatusMethodNotAllowed))
		return
	}

	resp := rtsp.NewResponse(req, rtsp.StatusOK)
	resp.SetHeader("Session", s.id)
	resp.SetHeader("Range", "npt=now-")
	s.conn.Send(resp)

	s.startStreaming()
}

func (s *SourceSession) handlePause(req *rtsp.Message) {
	if err := s.fsm.Event(context.Background(), "pause"); err != nil {
		s.conn.Send(rtsp.NewResponse(req, rtsp.StatusMethodNotAllowed))
		return
	}
	resp := rtsp.NewResponse(req, rtsp.StatusOK)
	resp.SetHeader("Session", s.id)
	s.conn.Send(resp)

	if s.payloader != nil {
		s.payloader.Pause()
	}
}

// handleSetParameter processes M12..M15 style requests from the sink.
func (s *SourceSession) handleSetParameter(req *rtsp.Message) {
	params, err := wfd.Parse(req.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad wfd parameters from sink")
		s.conn.Send(rtsp.NewResponse(req, rtsp.StatusBadRequest))
		return
	}

	status := rtsp.StatusOK
	for _, f := range params.Fields() {
		switch f.Key {
		case wfd.KeyIDRRequest:
			if s.enc != nil {
				s.enc.ForceIDR()
			}

		case wfd.KeyStandby:
			s.event("standby")
			if s.payloader != nil {
				s.payloader.Pause()
			}

		case wfd.KeyUIBCSetting:
			s.handleUIBCSetting(f.Value)

		case wfd.KeyUIBCCapability:
			if cap, err := wfd.ParseUIBCCapability(f.Value); err == nil {
				s.chosen.UIBC = cap
			}

		case wfd.KeyVndAudioReport:
			report, err := wfd.ParseAudioReport(f.Value)
			if err != nil {
				s.log.Warn().Err(err).Msg("bad audio report from sink")
				status = rtsp.StatusBadRequest
				continue
			}
			// A sink sending T3 reports supports the fast drain path
			s.opts.T3Supported = true
			s.HandleAudioReport(report.PTS)

		case wfd.KeyRoute:
			// Audio sink routing; acknowledged, nothing to steer here

		case wfd.KeyTriggerMethod:
			// Sinks do not trigger us; tolerate and ignore

		default:
			s.log.Debug().Str("key", f.Key).Msg("unhandled wfd parameter")
		}
	}

	s.conn.Send(rtsp.NewResponse(req, status))
}

func (s *SourceSession) handleUIBCSetting(value string) {
	enable := value == "enable"
	if enable && s.uibc == nil && s.chosen.UIBC != nil {
		port := s.chosen.UIBC.Port
		if port == 0 {
			port = s.opts.UIBCPort
		}
		l, err := newUIBCListener(port, func(data []byte) {
			if s.alive.Load() {
				s.emit(Event{Kind: EventUIBC, Data: data})
			}
		}, s.log)
		if err != nil {
			s.log.Warn().Err(err).Msg("uibc listener start failed")
			return
		}
		s.uibc = l
		return
	}
	if !enable && s.uibc != nil {
		s.uibc.Close()
		s.uibc = nil
	}
}

// startStreaming launches the data plane after PLAY.
func (s *SourceSession) startStreaming() {
	env := s.currentEnvelope()

	if s.transport == wfd.TransportTCP {
		if s.rateTCP == nil {
			s.rateTCP = newTCPRateController(env, s.enc, s.infoGet, s.notifyUnstable, s.log)
		}
		s.rateTCP.Reset(env)
	} else {
		if s.rateUDP == nil {
			s.rateUDP = newUDPRateController(env, s.enc, s.ring, s.retrans, s.notifyUnstable, s.log)
		}
		s.rateUDP.Reset(env)
	}
	if s.enc != nil {
		s.enc.SetBitrate(env.Init)
		metricEncoderBitrate.Set(float64(env.Init))
	}

	s.hookPayloader()
	if s.payloader != nil {
		s.payloader.Resume()
	}
	if s.hdcp != nil && s.chosen.HDCP != nil {
		if err := s.hdcp.Enable(s.chosen.HDCP.Version, s.chosen.HDCP.Port); err != nil {
			s.closeWithError(err, "hdcp enable failed")
		}
	}
}

func (s *SourceSession) currentEnvelope() wfd.BitrateRange {
	mode := s.chosen.VideoMode
	if s.transport == wfd.TransportTCP {
		return s.opts.TCPBitrates.Lookup(mode.Width, mode.Height)
	}
	return s.opts.UDPBitrates.Lookup(mode.Width, mode.Height)
}

func (s *SourceSession) notifyUnstable() {
	if s.alive.Load() {
		s.emit(Event{Kind: EventNetworkUnstable})
	}
}

// Teardown asks the sink to tear the session down (M5 trigger) and
// closes unconditionally after the ack window.
func (s *SourceSession) Teardown() {
	s.post(func() {
		if s.State() == StateClosed || s.State() == StateTeardownPending {
			return
		}
		s.sendTrigger(wfd.TriggerTeardown)
		s.event("teardown_pending")
		s.teardownDeadline = time.Now().Add(s.opts.TeardownAckTimeout)
	})
}

// Pause asks the sink to PAUSE via trigger.
func (s *SourceSession) Pause() {
	s.post(func() { s.sendTrigger(wfd.TriggerPause) })
}

// Play asks the sink to PLAY via trigger.
func (s *SourceSession) Play() {
	s.post(func() { s.sendTrigger(wfd.TriggerPlay) })
}

// Standby sends M12.
func (s *SourceSession) Standby() {
	s.post(func() {
		if !s.chosen.StandbyResume {
			s.log.Warn().Msg("sink did not advertise standby capability")
			return
		}
		req := rtsp.NewRequest(rtsp.MethodSetParameter, s.requestURI())
		body := &wfd.Message{}
		body.Set(wfd.KeyStandby, "yes")
		req.SetBody("text/parameters", body.Marshal())
		s.conn.Send(req)
		s.event("standby")
	})
}

func (s *SourceSession) sendTrigger(method string) {
	req := rtsp.NewRequest(rtsp.MethodSetParameter, s.requestURI())
	body := &wfd.Message{}
	body.Set(wfd.KeyTriggerMethod, method)
	req.SetBody("text/parameters", body.Marshal())
	if err := s.conn.Send(req); err != nil {
		s.closeWithError(err, "trigger send failed")
	}
}

// post enqueues work onto the session loop and wakes it.
func (s *SourceSession) post(cmd command) {
	if !s.alive.Load() {
		return
	}
	select {
	case s.cmds <- cmd:
	default:
		s.log.Warn().Msg("session command queue full")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finishTeardown emits the teardown event exactly once and closes.
func (s *SourceSession) finishTeardown(reason string) {
	s.teardownOnce.Do(func() {
		s.emit(Event{Kind: EventTeardown, Reason: reason})
	})
	s.closeReason = reason
	s.event("close")
	s.alive.Store(false)
}

// teardownNow closes without waiting for the sink.
func (s *SourceSession) teardownNow(reason string) {
	s.sendTrigger(wfd.TriggerTeardown)
	s.finishTeardown(reason)
}

// closeWithError transitions to Closed with a fatal error. A best
// effort RTCP BYE goes out when the data channel still permits a
// write.
func (s *SourceSession) closeWithError(err error, reason string) {
	if s.State() == StateClosed {
		return
	}
	s.closeErr = err
	s.closeReason = reason
	s.emit(Event{Kind: EventSessionError, Err: err, Reason: reason})

	s.rtp.ScheduleBye(time.Now(), reason)
	for _, out := range s.rtp.OnTimeout(s.rtp.NextTimeout(time.Now())) {
		s.sendRTCP(out.Data)
	}

	s.finishTeardown(reason)
}

// shutdown releases every resource. Idempotent.
func (s *SourceSession) shutdown() {
	s.alive.Store(false)
	if s.payloader != nil {
		s.payloader.SetSink(nil)
	}
	if s.uibc != nil {
		s.uibc.Close()
		s.uibc = nil
	}
	if s.hdcp != nil {
		s.hdcp.Disable()
	}
	s.closeTransports()
	s.conn.Close()
}

// rtpEvents adapts the RTP session callbacks onto this session.
type rtpEvents struct {
	s *SourceSession
}

func (h *rtpEvents) OnNack(ssrc uint32, pairs []rtcp.NackPair) {
	s := h.s
	if !s.alive.Load() || !s.opts.DoRetransmission {
		return
	}
	s.retrans.HandleNack(pairs)
}

func (h *rtpEvents) OnKeyUnitRequest(ssrc uint32, fir bool) {
	s := h.s
	if !s.alive.Load() {
		return
	}
	if s.enc != nil {
		s.enc.ForceIDR()
	}
}

func (h *rtpEvents) OnReceiverReport(report rtcp.ReceptionReport, now time.Time) {
	s := h.s
	if !s.alive.Load() {
		return
	}
	if s.transport == wfd.TransportUDP && s.rateUDP != nil {
		s.rateUDP.OnReceiverReport(report, now)
	}
}

func (h *rtpEvents) OnCollision(ssrc uint32, addr net.Addr) {
	s := h.s
	if !s.alive.Load() {
		return
	}
	s.emit(Event{Kind: EventCollision, SSRC: ssrc})
}

func (h *rtpEvents) OnByeReceived(ssrc uint32, reason string) {
	h.s.log.Debug().Uint32("ssrc", ssrc).Str("reason", reason).Msg("remote source left")
}

func (h *rtpEvents) OnReconsider() {
	s := h.s
	if !s.alive.Load() {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// newSessionID makes the server generated 16 hex digit id.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// hookPayloader points the payloader at the active transport and
// threads the retention tap plus the per packet accounting in.
func (s *SourceSession) hookPayloader() {
	if s.payloader == nil {
		return
	}
	sink := s.makeSink()
	s.retrans.SetSendFunc(s.rawSend)
	s.payloader.SetSink(sink)
}

// makeSink builds the payloader facing sink for the current transport.
// The retention write happens before the socket write so a concurrent
// NACK always observes the packet.
func (s *SourceSession) makeSink() PacketSink {
	return func(pkt []byte) error {
		if !s.alive.Load() {
			return net.ErrClosed
		}
		hdr := rtp.Header{}
		if _, err := hdr.Unmarshal(pkt); err != nil {
			return fmt.Errorf("%w: %v", media.ErrRTPInvalid, err)
		}

		if s.opts.DoRetransmission && s.transport == wfd.TransportUDP {
			s.retrans.RecordSent(hdr.SequenceNumber, pkt)
		}
		s.rtp.SendRTP(&rtp.Packet{Header: hdr}, time.Now())

		if err := s.rawSend(pkt); err != nil {
			return err
		}

		if s.transport == wfd.TransportTCP && s.rateTCP != nil {
			s.rateTCP.OnPacket(s.sampleTCPInfo, time.Now())
		}
		return nil
	}
}

// rawSend pushes bytes down the active transport without accounting.
// Used directly by the retransmit path.
func (s *SourceSession) rawSend(pkt []byte) error {
	if s.transport == wfd.TransportTCP {
		if s.tcp == nil {
			return net.ErrClosed
		}
		return s.conn.WriteInterleaved(rtpChannel, pkt)
	}
	if s.udp == nil {
		return net.ErrClosed
	}
	return s.udp.WriteRTP(pkt)
}

// sendRTCP routes a generated compound out the current control path.
func (s *SourceSession) sendRTCP(data []byte) error {
	if s.transport == wfd.TransportTCP {
		return s.conn.WriteInterleaved(rtcpChannel, data)
	}
	if s.udp == nil {
		return net.ErrClosed
	}
	return s.udp.WriteRTCP(data)
}

func (s *SourceSession) sampleTCPInfo() (*tcpinfo.Info, error) {
	if s.tcp == nil || s.tcp.conn == nil {
		return nil, net.ErrClosed
	}
	return s.infoGet.Get(s.tcp.conn)
}
