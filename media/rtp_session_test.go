// SPDX-License-Identifier: MPL-2.0

package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	nacks      [][]rtcp.NackPair
	keyUnits   []bool
	reports    []rtcp.ReceptionReport
	collisions []uint32
	byes       []uint32
	reconsider int
}

func (h *captureHandler) OnNack(ssrc uint32, pairs []rtcp.NackPair) { h.nacks = append(h.nacks, pairs) }
func (h *captureHandler) OnKeyUnitRequest(ssrc uint32, fir bool) {
	h.keyUnits = append(h.keyUnits, fir)
}
func (h *captureHandler) OnReceiverReport(r rtcp.ReceptionReport, now time.Time) {
	h.reports = append(h.reports, r)
}
func (h *captureHandler) OnCollision(ssrc uint32, addr net.Addr) {
	h.collisions = append(h.collisions, ssrc)
}
func (h *captureHandler) OnByeReceived(ssrc uint32, reason string) { h.byes = append(h.byes, ssrc) }
func (h *captureHandler) OnReconsider()                            { h.reconsider++ }

func newTestSession(t *testing.T, conf SessionConfig) (*RTPSession, *captureHandler) {
	t.Helper()
	h := &captureHandler{}
	if conf.LocalSSRC == 0 {
		conf.LocalSSRC = 0xCAFEBABE
	}
	s := NewRTPSession(conf, h, zerolog.Nop())
	return s, h
}

func addr(s string) net.Addr {
	a, _ := net.ResolveUDPAddr("udp", s)
	return a
}

// forceRTCP makes the session emit a compound right now via the early
// feedback path.
func forceRTCP(s *RTPSession, now time.Time) []RTCPOutput {
	s.RequestEarlyRTCP(now, 0)
	return s.OnTimeout(now)
}

func TestProbationBlocksReportBlocks(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	now := time.Now()

	// One packet: still on probation, contributes nothing
	err := s.ProcessRTP(marshalTestPacket(t, 100, []byte{1}), addr("10.0.0.2:5004"), now)
	require.NoError(t, err)

	out := forceRTCP(s, now)
	require.Len(t, out, 1)
	pkts, err := rtcp.Unmarshal(out[0].Data)
	require.NoError(t, err)
	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	assert.Empty(t, rr.Reports)

	// Second in-sequence packet completes probation
	err = s.ProcessRTP(marshalTestPacket(t, 101, []byte{2}), addr("10.0.0.2:5004"), now)
	require.NoError(t, err)

	out = s.OnTimeout(s.NextTimeout(now))
	require.Len(t, out, 1)
	pkts, err = rtcp.Unmarshal(out[0].Data)
	require.NoError(t, err)
	rr, ok = pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Len(t, rr.Reports, 1)
	assert.Equal(t, uint32(0x11223344), rr.Reports[0].SSRC)
}

func TestMalformedRTPDropped(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	err := s.ProcessRTP([]byte{0x00, 0x01, 0x02}, addr("10.0.0.2:5004"), time.Now())
	assert.ErrorIs(t, err, ErrRTPInvalid)

	total, _ := s.SourceCount()
	assert.Equal(t, 1, total) // only our internal source
}

func TestRTCPShortCircuitsProbation(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	now := time.Now()

	sr := rtcp.SenderReport{SSRC: 0x22334455, NTPTime: NTPTimestamp(now)}
	raw, err := sr.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.ProcessRTCP(raw, addr("10.0.0.2:5005"), now))

	total, active := s.SourceCount()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, active) // the SR sender counts as active
}

func TestSDESAlwaysCarriesCNAME(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	now := time.Now()

	s.SetSDES(map[rtcp.SDESType]string{rtcp.SDESTool: "wfdcast"})

	out := forceRTCP(s, now)
	require.Len(t, out, 1)
	pkts, err := rtcp.Unmarshal(out[0].Data)
	require.NoError(t, err)

	var sdes *rtcp.SourceDescription
	for _, p := range pkts {
		if sd, ok := p.(*rtcp.SourceDescription); ok {
			sdes = sd
		}
	}
	require.NotNil(t, sdes)
	require.Len(t, sdes.Chunks, 1)
	found := false
	for _, item := range sdes.Chunks[0].Items {
		if item.Type == rtcp.SDESCNAME && item.Text != "" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestReceiverReportCallback(t *testing.T) {
	s, h := newTestSession(t, SessionConfig{})
	now := time.Now()

	rr := rtcp.ReceiverReport{
		SSRC: 0x22334455,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               s.SSRC(),
			FractionLost:       26,
			TotalLost:          10,
			LastSequenceNumber: 1000,
		}},
	}
	raw, err := rr.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.ProcessRTCP(raw, addr("10.0.0.2:5005"), now))

	require.Len(t, h.reports, 1)
	assert.Equal(t, uint8(26), h.reports[0].FractionLost)
}

func TestNackFeedbackCallback(t *testing.T) {
	s, h := newTestSession(t, SessionConfig{})
	now := time.Now()

	nack := rtcp.TransportLayerNack{
		SenderSSRC: 0x22334455,
		MediaSSRC:  s.SSRC(),
		Nacks:      []rtcp.NackPair{{PacketID: 150, LostPackets: 0x0003}},
	}
	raw, err := nack.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.ProcessRTCP(raw, addr("10.0.0.2:5005"), now))

	require.Len(t, h.nacks, 1)
	assert.Equal(t, uint16(150), h.nacks[0][0].PacketID)
}

func TestCollisionFavorNew(t *testing.T) {
	s, h := newTestSession(t, SessionConfig{FavorNew: true, Probation: 1})
	now := time.Now()

	a := addr("10.0.0.2:5004")
	b := addr("10.0.0.3:5004")

	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 10, []byte{1}), a, now))
	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 11, []byte{2}), a, now))

	// New address inside the activity window: remembered address flips
	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 12, []byte{3}), b, now.Add(time.Second)))
	require.Len(t, h.collisions, 1)

	s.mu.Lock()
	src := s.sources[0x11223344]
	remembered := src.Addr.String()
	_, hasConflict := src.conflicts[a.String()]
	s.mu.Unlock()
	assert.Equal(t, b.String(), remembered)
	assert.True(t, hasConflict)

	// The old address is now a known conflict; its packets drop
	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 13, []byte{4}), a, now.Add(2*time.Second)))
	s.mu.Lock()
	remembered = s.sources[0x11223344].Addr.String()
	s.mu.Unlock()
	assert.Equal(t, b.String(), remembered)
}

func TestCollisionKeepOld(t *testing.T) {
	s, h := newTestSession(t, SessionConfig{FavorNew: false, Probation: 1})
	now := time.Now()

	a := addr("10.0.0.2:5004")
	b := addr("10.0.0.3:5004")

	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 10, []byte{1}), a, now))
	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 11, []byte{2}), b, now.Add(time.Second)))
	require.Len(t, h.collisions, 1)

	s.mu.Lock()
	remembered := s.sources[0x11223344].Addr.String()
	s.mu.Unlock()
	assert.Equal(t, a.String(), remembered)
}

func TestInternalCollisionGeneratesByeAndNewSSRC(t *testing.T) {
	s, h := newTestSession(t, SessionConfig{LocalSSRC: 0x11223344})
	now := time.Now()

	old := s.SSRC()
	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 50, []byte{1}), addr("10.0.0.9:5004"), now))

	assert.NotEqual(t, old, s.SSRC())
	require.Len(t, h.collisions, 1)
	assert.Equal(t, old, h.collisions[0])

	out := s.OnTimeout(s.NextTimeout(now))
	require.Len(t, out, 1)
	assert.True(t, out[0].IsBye)

	pkts, err := rtcp.Unmarshal(out[0].Data)
	require.NoError(t, err)
	var bye *rtcp.Goodbye
	for _, p := range pkts {
		if g, ok := p.(*rtcp.Goodbye); ok {
			bye = g
		}
	}
	require.NotNil(t, bye)
	assert.Equal(t, "SSRC Collision", bye.Reason)
	assert.Contains(t, bye.Sources, old)
}

func TestScheduleByeShortensInterval(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	now := time.Now()

	regular := s.NextTimeout(now)
	s.ScheduleBye(now, "Session Teardown")
	next := s.NextTimeout(now)
	assert.True(t, next.Before(regular))

	out := s.OnTimeout(next)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsBye)
}

func TestReverseReconsiderationOnBye(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{Probation: 1})
	now := time.Now()

	require.NoError(t, s.ProcessRTP(marshalTestPacket(t, 10, []byte{1}), addr("10.0.0.2:5004"), now))
	sr := rtcp.SenderReport{SSRC: 0x22334455, NTPTime: NTPTimestamp(now)}
	raw, err := sr.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.ProcessRTCP(raw, addr("10.0.0.3:5004"), now))

	before := s.NextTimeout(now)

	bye := rtcp.Goodbye{Sources: []uint32{0x22334455}, Reason: "done"}
	rawBye, err := bye.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.ProcessRTCP(rawBye, addr("10.0.0.3:5004"), now))

	after := s.NextTimeout(now)
	assert.False(t, after.After(before), "interval must not grow when membership shrinks")
}

func TestRequestKeyUnitAttachesFIR(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	now := time.Now()

	sr := rtcp.SenderReport{SSRC: 0x22334455, NTPTime: NTPTimestamp(now)}
	raw, err := sr.Marshal()
	require.NoError(t, err)
	require.NoError(t, s.ProcessRTCP(raw, addr("10.0.0.2:5005"), now))

	s.RequestKeyUnit(0x22334455, true, 3)

	out := s.OnTimeout(s.NextTimeout(now))
	require.Len(t, out, 1)
	pkts, err := rtcp.Unmarshal(out[0].Data)
	require.NoError(t, err)

	var fir *rtcp.FullIntraRequest
	for _, p := range pkts {
		if f, ok := p.(*rtcp.FullIntraRequest); ok {
			fir = f
		}
	}
	require.NotNil(t, fir)
	assert.Equal(t, uint32(0x22334455), fir.MediaSSRC)
	require.Len(t, fir.FIR, 1)
	assert.Equal(t, uint8(3), fir.FIR[0].SequenceNumber)
}

func TestNackPairsFromSequences(t *testing.T) {
	pairs := NackPairsFromSequences([]uint16{100, 101, 116, 200})
	require.Len(t, pairs, 2)
	assert.Equal(t, uint16(100), pairs[0].PacketID)
	assert.Equal(t, rtcp.PacketBitmap(0x8001), pairs[0].LostPackets)
	assert.Equal(t, uint16(200), pairs[1].PacketID)
}

func TestEarlyRTCPSuppressedUntilRegular(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	now := time.Now()
	s.NextTimeout(now)

	assert.True(t, s.RequestEarlyRTCP(now, 0))
	s.OnTimeout(now)

	// Privilege consumed until the next regular transmission
	assert.False(t, s.RequestEarlyRTCP(now.Add(time.Millisecond), 0))

	regular := s.NextTimeout(now)
	s.OnTimeout(regular.Add(time.Millisecond))
	assert.True(t, s.RequestEarlyRTCP(s.NextTimeout(now), 0))
}
