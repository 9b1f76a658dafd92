// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emiago/wfdcast/media/wfd"
	"github.com/emiago/wfdcast/rtsp"
)

// Accept budget for the sink's data connection during a switch to TCP.
const (
	tcpAcceptTimeout = 20 * time.Second
	tcpAcceptRetries = 50
	tcpAcceptBackoff = 100 * time.Millisecond
)

// Drain grace for TCP to UDP switching when T3 reports are not
// available: ten rounds of half a second.
const (
	drainGraceRounds   = 10
	drainGraceInterval = 500 * time.Millisecond
)

// udpTransport is the socket pair of the UDP lower transport: RTP to
// the sink's port0, RTCP on port0+1 both ways.
type udpTransport struct {
	rtp  *net.UDPConn
	rtcp *net.UDPConn

	closed chan struct{}
	wg     sync.WaitGroup
}

func (t *udpTransport) WriteRTP(pkt []byte) error {
	_, err := t.rtp.Write(pkt)
	return err
}

func (t *udpTransport) WriteRTCP(data []byte) error {
	_, err := t.rtcp.Write(data)
	return err
}

func (t *udpTransport) Close() {
	close(t.closed)
	t.rtp.Close()
	t.rtcp.Close()
	t.wg.Wait()
}

// tcpTransport is the interleaved data connection state.
type tcpTransport struct {
	ln   *net.TCPListener
	conn *net.TCPConn
}

func (t *tcpTransport) Close() {
	if t.ln != nil {
		t.ln.Close()
	}
	if t.conn != nil {
		t.conn.Close()
	}
}

// openTransport brings up the negotiated lower transport at SETUP time.
func (s *SourceSession) openTransport() error {
	if s.transport == wfd.TransportTCP {
		return s.openTCP(s.chosen.Ports.Port0)
	}
	return s.openUDP()
}

// openUDP dials the sink's RTP port and binds the RTCP pair. The RTCP
// socket feeds receiver reports back into the RTP session from its own
// reader goroutine.
func (s *SourceSession) openUDP() error {
	sinkHost, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortBindFailed, err)
	}

	rtpRaddr := &net.UDPAddr{IP: net.ParseIP(sinkHost), Port: s.chosen.Ports.Port0}
	rtpConn, err := net.DialUDP("udp", nil, rtpRaddr)
	if err != nil {
		return fmt.Errorf("%w: rtp: %v", ErrPortBindFailed, err)
	}

	// RTCP rides on the odd port next to the RTP port
	rtcpRaddr := &net.UDPAddr{IP: rtpRaddr.IP, Port: s.chosen.Ports.Port0 + 1}
	localRTCP := &net.UDPAddr{Port: rtpConn.LocalAddr().(*net.UDPAddr).Port + 1}
	rtcpConn, err := net.DialUDP("udp", localRTCP, rtcpRaddr)
	if err != nil {
		// The adjacent port may be taken; an ephemeral one still works
		rtcpConn, err = net.DialUDP("udp", nil, rtcpRaddr)
		if err != nil {
			rtpConn.Close()
			return fmt.Errorf("%w: rtcp: %v", ErrPortBindFailed, err)
		}
	}
	rtcpConn.SetReadBuffer(s.opts.UDPSocketBuffer)

	t := &udpTransport{
		rtp:    rtpConn,
		rtcp:   rtcpConn,
		closed: make(chan struct{}),
	}
	s.udp = t

	t.wg.Add(1)
	go s.readRTCPLoop(t)
	return nil
}

// readRTCPLoop pumps sink RTCP into the session until the transport
// closes.
func (s *SourceSession) readRTCPLoop(t *udpTransport) {
	defer t.wg.Done()
	buf := make([]byte, 1600)
	for {
		n, addr, err := t.rtcp.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug().Err(err).Msg("rtcp read failed")
			return
		}
		if !s.alive.Load() {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := s.rtp.ProcessRTCP(data, addr, time.Now()); err != nil {
			s.log.Debug().Err(err).Msg("rtcp compound dropped")
		}
	}
}

// openTCP listens for the sink's data connection: bounded accept with
// retry backoff, then the large send buffer and no delay the
// interleaved path wants.
func (s *SourceSession) openTCP(port int) error {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortBindFailed, err)
	}

	deadline := time.Now().Add(tcpAcceptTimeout)
	var conn *net.TCPConn
	for try := 0; try < tcpAcceptRetries; try++ {
		ln.SetDeadline(deadline)
		conn, err = ln.AcceptTCP()
		if err == nil {
			break
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			ln.Close()
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		time.Sleep(tcpAcceptBackoff)
	}
	if conn == nil {
		ln.Close()
		return fmt.Errorf("%w: accept retries exhausted", ErrConnectTimeout)
	}

	conn.SetNoDelay(true)
	conn.SetWriteBuffer(1 << 20)

	s.tcp = &tcpTransport{ln: ln, conn: conn}
	return nil
}

func (s *SourceSession) closeTransports() {
	if s.udp != nil {
		s.udp.Close()
		s.udp = nil
	}
	if s.tcp != nil {
		s.tcp.Close()
		s.tcp = nil
	}
}

// transportHeader echoes the negotiated transport back in the SETUP
// response.
func (s *SourceSession) transportHeader(requested string) string {
	if requested != "" {
		return requested
	}
	p := s.chosen.Ports
	return fmt.Sprintf("%s;client_port=%d-%d", p.Profile, p.Port0, p.Port0+1)
}

// SwitchTransport renegotiates the lower transport while playing. The
// new port applies to the TCP data channel or the UDP pair. On sink
// refusal the previous transport stays untouched.
func (s *SourceSession) SwitchTransport(toTCP bool, port int) {
	s.post(func() {
		if s.State() != StatePlaying {
			s.log.Warn().Msg("transport switch requires Playing")
			return
		}
		target := wfd.TransportUDP
		if toTCP {
			target = wfd.TransportTCP
		}
		if target == s.transport {
			return
		}

		req := rtsp.NewRequest(rtsp.MethodSetParameter, s.requestURI())
		body := &wfd.Message{}
		ports := wfd.RTPPorts{Profile: target, Port0: port, Port1: 0, Mode: "play"}
		body.Set(wfd.KeyClientRTPPorts, ports.String())
		body.Set(wfd.KeyVndTransportSwitch, targetName(toTCP))
		req.SetBody("text/parameters", body.Marshal())

		if _, err := s.transact(req); err != nil {
			s.log.Error().Err(err).Msg("transport switch refused, keeping current transport")
			return
		}

		prevPorts := s.chosen.Ports
		s.chosen.Ports = ports
		if err := s.performSwitch(target); err != nil {
			s.log.Error().Err(err).Msg("transport switch failed, restoring")
			s.chosen.Ports = prevPorts
			s.restoreTransport()
		}
	})
}

func targetName(tcp bool) string {
	if tcp {
		return "TCP"
	}
	return "UDP"
}

// performSwitch migrates the live data plane, §UDP→TCP: pause, drop
// UDP, listen and accept, re-hook, reset bitrate, resume. TCP→UDP adds
// the drain wait so buffered media is not truncated.
func (s *SourceSession) performSwitch(target string) error {
	if s.payloader != nil {
		s.payloader.Pause()
	}

	if target == wfd.TransportTCP {
		if s.udp != nil {
			s.udp.Close()
			s.udp = nil
		}
		if err := s.openTCP(s.chosen.Ports.Port0); err != nil {
			return err
		}
		s.transport = wfd.TransportTCP

		env := s.opts.TCPBitrates.Lookup(s.chosen.VideoMode.Width, s.chosen.VideoMode.Height)
		if s.rateTCP == nil {
			s.rateTCP = newTCPRateController(env, s.enc, s.infoGet, s.notifyUnstable, s.log)
		}
		s.rateTCP.Reset(env)
		if s.enc != nil {
			s.enc.SetBitrate(env.Init)
			metricEncoderBitrate.Set(float64(env.Init))
		}
	} else {
		// Wait for the sink to drain the TCP data it already has
		s.waitDownstreamDrained()
		if s.tcp != nil {
			s.tcp.Close()
			s.tcp = nil
		}
		if err := s.openUDP(); err != nil {
			return err
		}
		s.transport = wfd.TransportUDP

		env := s.opts.UDPBitrates.Lookup(s.chosen.VideoMode.Width, s.chosen.VideoMode.Height)
		if s.rateUDP == nil {
			s.rateUDP = newUDPRateController(env, s.enc, s.ring, s.retrans, s.notifyUnstable, s.log)
		}
		s.rateUDP.Reset(env)
		if s.enc != nil {
			s.enc.SetBitrate(env.Init)
			metricEncoderBitrate.Set(float64(env.Init))
		}
		// A joining decoder needs fresh PAT/PMT
		if s.payloader != nil {
			s.payloader.RequestNewSegment()
		}
	}

	s.hookPayloader()
	if s.payloader != nil {
		s.payloader.Resume()
	}
	s.log.Info().Str("transport", s.transport).Msg("transport switched")
	return nil
}

// restoreTransport re-opens the previous transport after a failed
// switch.
func (s *SourceSession) restoreTransport() {
	var err error
	if s.transport == wfd.TransportTCP {
		if s.tcp == nil {
			err = s.openTCP(s.chosen.Ports.Port0)
		}
	} else if s.udp == nil {
		err = s.openUDP()
	}
	if err != nil {
		s.closeWithError(err, "transport restore failed")
		return
	}
	s.hookPayloader()
	if s.payloader != nil {
		s.payloader.Resume()
	}
}

// waitDownstreamDrained blocks the switch until the sink played out the
// TCP buffered media. Sinks sending T3 audio reports signal this by two
// equal PTS values; others get a fixed grace. The switch runs on the
// session loop, so the control connection is pumped here as well —
// otherwise the T3 SET_PARAMETER carrying the signal could never be
// read.
func (s *SourceSession) waitDownstreamDrained() {
	deadline := time.Now().Add(drainGraceRounds * drainGraceInterval)

	var drained chan struct{}
	if s.opts.T3Supported {
		drained = make(chan struct{})
		s.drainMu.Lock()
		s.drainCh = drained
		s.prevDrainPTS = -1
		s.drainMu.Unlock()
		defer func() {
			s.drainMu.Lock()
			s.drainCh = nil
			s.drainMu.Unlock()
		}()
	}

	for s.alive.Load() && time.Now().Before(deadline) {
		if drained != nil {
			select {
			case <-drained:
				return
			default:
			}
		}
		msg, err := s.conn.Receive(drainGraceInterval)
		if err != nil {
			if errors.Is(err, rtsp.ErrTimeout) {
				continue
			}
			return
		}
		switch msg.Type {
		case rtsp.TypeRequest:
			s.handleRequest(msg)
		case rtsp.TypeResponse:
			s.handleResponse(msg)
		case rtsp.TypeData:
			s.handleData(msg)
		}
	}
	if drained != nil {
		s.log.Warn().Msg("drain signal never arrived, proceeding after grace")
	}
}

// HandleAudioReport feeds a T3 audio report PTS. Two consecutive equal
// values mean the sink's queue ran dry.
func (s *SourceSession) HandleAudioReport(pts int64) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.drainCh == nil {
		s.prevDrainPTS = pts
		return
	}
	if s.prevDrainPTS == pts {
		close(s.drainCh)
		s.drainCh = nil
		return
	}
	s.prevDrainPTS = pts
}
