// SPDX-License-Identifier: MPL-2.0

package rtsp

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarshalRequest(t *testing.T) {
	req := NewRequest(MethodOptions, "*")
	req.SetHeader("CSeq", "1")
	req.SetHeader("Require", "org.wfa.wfd1.0")

	expected := "OPTIONS * RTSP/1.0\r\nCSeq: 1\r\nRequire: org.wfa.wfd1.0\r\n\r\n"
	assert.Equal(t, expected, string(req.Marshal()))
}

func TestMessageMarshalResponseWithBody(t *testing.T) {
	req := NewRequest(MethodGetParameter, "rtsp://localhost/wfd1.0")
	req.SetHeader("CSeq", "3")

	resp := NewResponse(req, StatusOK)
	resp.SetBody("text/parameters", []byte("wfd_audio_codecs: none\r\n"))

	out := string(resp.Marshal())
	assert.Contains(t, out, "RTSP/1.0 200 OK\r\n")
	assert.Contains(t, out, "CSeq: 3\r\n")
	assert.Contains(t, out, "Date: ")
	assert.Contains(t, out, "Content-Type: text/parameters\r\n")
	assert.Contains(t, out, "Content-Length: 24\r\n")
	assert.Contains(t, out, "\r\n\r\nwfd_audio_codecs: none\r\n")
}

func TestConnRequestResponseRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client, zerolog.Nop())
	sc := NewConn(server, zerolog.Nop())

	go func() {
		req := NewRequest(MethodSetParameter, "rtsp://localhost/wfd1.0")
		req.SetBody("text/parameters", []byte("wfd_trigger_method: SETUP\r\n"))
		cc.Send(req)
	}()

	msg, err := sc.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, msg.Type)
	assert.Equal(t, MethodSetParameter, msg.Method)
	assert.Equal(t, 1, msg.CSeq())
	assert.Equal(t, "wfd_trigger_method: SETUP\r\n", string(msg.Body))
}

func TestConnInterleavedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client, zerolog.Nop())
	sc := NewConn(server, zerolog.Nop())

	payload := []byte{0x80, 0x21, 0x00, 0x01, 0xde, 0xad}
	go func() {
		cc.WriteInterleaved(0, payload)
	}()

	msg, err := sc.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeData, msg.Type)
	assert.Equal(t, uint8(0), msg.Channel)
	assert.Equal(t, payload, msg.Body)
}

func TestConnReceiveTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := NewConn(server, zerolog.Nop())
	_, err := sc.Receive(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConnParseError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := NewConn(server, zerolog.Nop())
	go client.Write([]byte("garbage without version\r\n\r\n"))

	_, err := sc.Receive(time.Second)
	assert.ErrorIs(t, err, ErrParse)
}
