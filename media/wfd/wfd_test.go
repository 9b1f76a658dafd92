// SPDX-License-Identifier: MPL-2.0

package wfd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarshalRoundTrip(t *testing.T) {
	body := "wfd_audio_codecs: LPCM 00000002 00, AAC 00000001 00\r\n" +
		"wfd_video_formats: 00 00 02 10 00000020 00000000 00000000 00 0000 0000 00 none none\r\n" +
		"wfd_client_rtp_ports: RTP/AVP/UDP;unicast 50000 0 mode=play\r\n" +
		"wfd_content_protection: none\r\n"

	m, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Len(t, m.Fields(), 4)

	v, ok := m.Get(KeyClientRTPPorts)
	require.True(t, ok)
	assert.Equal(t, "RTP/AVP/UDP;unicast 50000 0 mode=play", v)

	assert.Equal(t, body, string(m.Marshal()))
}

func TestParseBareKeys(t *testing.T) {
	body := "wfd_audio_codecs\r\nwfd_video_formats\r\nwfd_client_rtp_ports\r\n"
	m, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{KeyAudioCodecs, KeyVideoFormats, KeyClientRTPPorts}, m.Keys())
	assert.Equal(t, body, string(m.Marshal()))
}

func TestParseAudioCodecs(t *testing.T) {
	codecs, err := ParseAudioCodecs("LPCM 00000002 00, AAC 00000001 00")
	require.NoError(t, err)
	require.Len(t, codecs, 2)
	assert.Equal(t, AudioCodec{Name: "LPCM", Modes: 0x2, Latency: 0}, codecs[0])
	assert.Equal(t, AudioCodec{Name: "AAC", Modes: 0x1, Latency: 0}, codecs[1])

	assert.Equal(t, "LPCM 00000002 00, AAC 00000001 00", FormatAudioCodecs(codecs))

	none, err := ParseAudioCodecs(NoneValue)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseAudioCodecs("AAC 00000001")
	assert.Error(t, err)
}

func TestParseVideoFormats(t *testing.T) {
	v := "40 00 02 10 0001ffff 00000000 00000fff 00 0000 0000 11 none none"
	vf, err := ParseVideoFormats(v)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x40), vf.Native)
	assert.Equal(t, uint8(0x02), vf.Profile)
	assert.Equal(t, uint8(0x10), vf.Level)
	assert.Equal(t, uint32(0x0001ffff), vf.CEA)
	assert.Equal(t, uint32(0x00000fff), vf.HH)
	assert.Equal(t, uint8(0x11), vf.FrameRateControl)
	assert.Equal(t, v, vf.String())

	none, err := ParseVideoFormats(NoneValue)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestParseRTPPorts(t *testing.T) {
	p, err := ParseRTPPorts("RTP/AVP/UDP;unicast 50000 0 mode=play")
	require.NoError(t, err)
	assert.Equal(t, 50000, p.Port0)
	assert.False(t, p.IsTCP())
	assert.Equal(t, "RTP/AVP/UDP;unicast 50000 0 mode=play", p.String())

	p, err = ParseRTPPorts("RTP/AVP/TCP;unicast 49152 0 mode=play")
	require.NoError(t, err)
	assert.True(t, p.IsTCP())
}

func TestParseContentProtection(t *testing.T) {
	cp, err := ParseContentProtection("HDCP2.1 port=1189")
	require.NoError(t, err)
	assert.Equal(t, "HDCP2.1", cp.Version)
	assert.Equal(t, 1189, cp.Port)
	assert.Equal(t, "HDCP2.1 port=1189", cp.String())

	cp, err = ParseContentProtection(NoneValue)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestParseUIBCCapability(t *testing.T) {
	v := "input_category_list=GENERIC;generic_cap_list=SingleTouch,Keyboard;hidc_cap_list=none;port=19005"
	cap, err := ParseUIBCCapability(v)
	require.NoError(t, err)
	assert.Equal(t, []string{"GENERIC"}, cap.Categories)
	assert.Equal(t, []string{"SingleTouch", "Keyboard"}, cap.GenericCaps)
	assert.Equal(t, 19005, cap.Port)
	assert.Equal(t, v, cap.String())
}

func TestParseAudioReport(t *testing.T) {
	r, err := ParseAudioReport("4096 900000")
	require.NoError(t, err)
	assert.Equal(t, 4096, r.BufSize)
	assert.Equal(t, int64(900000), r.PTS)
	assert.Equal(t, "4096 900000", r.String())

	_, err = ParseAudioReport("4096")
	assert.Error(t, err)
	_, err = ParseAudioReport("x y")
	assert.Error(t, err)
}

func TestSelectResolutionHighestCommonBit(t *testing.T) {
	// Sink supports 720p30 (bit 5) and 480p60 (bit 1); source everything.
	bit, mode, ok := SelectResolution(NativeCEA, 0x0001ffff, 1<<5|1<<1)
	require.True(t, ok)
	assert.Equal(t, uint32(1<<5), bit)
	assert.Equal(t, VideoMode{1280, 720, 30, false}, mode)

	// No overlap
	_, _, ok = SelectResolution(NativeCEA, 1<<7, 1<<5)
	assert.False(t, ok)

	// Interlaced entry resolves with the flag set
	bit, mode, ok = SelectResolution(NativeCEA, 1<<9, 1<<9)
	require.True(t, ok)
	assert.Equal(t, uint32(1<<9), bit)
	assert.True(t, mode.Interlaced)
}

func TestMaskByDisplay(t *testing.T) {
	// A 1366x768 panel cannot show the 1080 modes.
	bitmap := uint32(1<<5 | 1<<7 | 1<<8)
	masked := MaskByDisplay(NativeCEA, bitmap, 1366, 768)
	assert.Equal(t, uint32(1<<5), masked)

	// Unknown display leaves the bitmap untouched.
	assert.Equal(t, bitmap, MaskByDisplay(NativeCEA, bitmap, 0, 0))
}

func TestClassifyResolution(t *testing.T) {
	assert.Equal(t, Class1080, ClassifyResolution(1920, 1080))
	assert.Equal(t, Class720, ClassifyResolution(1280, 720))
	assert.Equal(t, Class540, ClassifyResolution(960, 540))
	assert.Equal(t, Class480, ClassifyResolution(854, 480))
	assert.Equal(t, Class360, ClassifyResolution(640, 360))
	assert.Equal(t, ClassBelow360, ClassifyResolution(320, 240))

	r := DefaultUDPBitrates.Lookup(1280, 720)
	assert.Equal(t, uint32(3_000_000), r.Init)
}

func TestEDIDNativeResolution(t *testing.T) {
	payload := make([]byte, 128)
	// 1920x1080 detailed timing: hactive low 0x80, hi nibble 0x7;
	// vactive low 0x38, hi nibble 0x4.
	payload[54+2] = 0x80
	payload[54+4] = 0x70
	payload[54+5] = 0x38
	payload[54+7] = 0x40
	e := &EDID{BlockCount: 1, Payload: payload}
	w, h := e.NativeResolution()
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}
