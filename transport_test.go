// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/wfdcast/media/wfd"
	"github.com/emiago/wfdcast/rtsp"
)

func marshalPacketForTest(t *testing.T, seq uint16) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    33,
			SequenceNumber: seq,
			Timestamp:      90000,
			SSRC:           0xCAFEBABE,
		},
		Payload: []byte{1, 2, 3},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestAudioReportSignalsDrain(t *testing.T) {
	f := startSessionFixture(t, SessionOptions{})
	sinkNegotiate(t, f.sink)
	sinkSetupPlay(t, f.sink)
	waitState(t, f.sess, StatePlaying)

	sendReport := func(pts int64) {
		req := rtsp.NewRequest(rtsp.MethodSetParameter, "rtsp://127.0.0.1/wfd1.0")
		body := &wfd.Message{}
		body.Set(wfd.KeyVndAudioReport, (&wfd.AudioReport{BufSize: 4096, PTS: pts}).String())
		req.SetBody("text/parameters", body.Marshal())
		require.NoError(t, f.sink.Send(req))
		resp := sinkRecv(t, f.sink)
		require.Equal(t, rtsp.StatusOK, resp.StatusCode)
	}

	// The first T3 report flags the capability
	sendReport(100)
	require.Eventually(t, func() bool {
		return f.sess.opts.T3Supported
	}, time.Second, 10*time.Millisecond)

	// With a drain wait armed, two equal PTS values close the channel
	drained := make(chan struct{})
	f.sess.drainMu.Lock()
	f.sess.drainCh = drained
	f.sess.prevDrainPTS = -1
	f.sess.drainMu.Unlock()

	sendReport(200)
	sendReport(200)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("equal PTS reports never signaled the drain")
	}
}

func TestTransportSwitchToTCP(t *testing.T) {
	f := startSessionFixture(t, SessionOptions{})
	sinkNegotiate(t, f.sink)
	sinkSetupPlay(t, f.sink)
	waitState(t, f.sess, StatePlaying)

	port := freeTCPPort(t)
	f.sess.SwitchTransport(true, port)

	// The sink approves the renegotiated ports...
	req := sinkRecv(t, f.sink)
	require.Equal(t, rtsp.MethodSetParameter, req.Method)
	body, err := wfd.Parse(req.Body)
	require.NoError(t, err)
	portsVal, ok := body.Get(wfd.KeyClientRTPPorts)
	require.True(t, ok)
	ports, err := wfd.ParseRTPPorts(portsVal)
	require.NoError(t, err)
	assert.True(t, ports.IsTCP())
	assert.Equal(t, port, ports.Port0)
	require.True(t, body.Has(wfd.KeyVndTransportSwitch))
	require.NoError(t, f.sink.Send(rtsp.NewResponse(req, rtsp.StatusOK)))

	// ...then connects the data channel
	var dataConn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return false
		}
		dataConn = c
		return true
	}, 5*time.Second, 50*time.Millisecond)
	defer dataConn.Close()

	require.Eventually(t, func() bool {
		return f.sess.Transport() == wfd.TransportTCP
	}, 5*time.Second, 20*time.Millisecond)

	// Controller re-initialized to the TCP initial bitrate, pipeline
	// paused and resumed around the swap, no encoder restart
	assert.Equal(t, uint32(2_000_000), f.enc.bitrate.Load())
	assert.GreaterOrEqual(t, f.pl.paused.Load(), int32(1))
	assert.GreaterOrEqual(t, f.pl.resumed.Load(), int32(2))

	// Payloader output now routes through the interleaved channel
	sink := f.pl.Sink()
	require.NotNil(t, sink)
	pkt := marshalPacketForTest(t, 42)
	require.NoError(t, sink(pkt))

	for {
		msg, err := f.sink.Receive(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, rtsp.TypeData, msg.Type)
		if msg.Channel != rtpChannel {
			// Interleaved RTCP shares the socket; skip it
			continue
		}
		assert.Equal(t, pkt, msg.Body)
		break
	}
}
