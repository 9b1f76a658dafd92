// SPDX-License-Identifier: MPL-2.0

package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned from Receive when the deadline elapses.
	// Expected during idle periods, not fatal.
	ErrTimeout = errors.New("rtsp: receive timeout")
	// ErrParse marks malformed input. A parse error on the control
	// channel kills the session.
	ErrParse = errors.New("rtsp: parse error")
	// ErrConnectionClosed marks a dead underlying socket.
	ErrConnectionClosed = errors.New("rtsp: connection closed")
)

// MaxChannels is the number of interleaved data channels one
// connection can multiplex.
const MaxChannels = 256

// Conn multiplexes the RTSP control stream and interleaved data
// channels over a single TCP socket. Reads run on one goroutine (the
// session I/O loop); writes are serialized internally so the data path
// can interleave frames between control messages.
type Conn struct {
	nc net.Conn
	br *bufio.Reader

	writeMu sync.Mutex
	bw      *bufio.Writer

	cseqMu sync.Mutex
	cseq   int

	log zerolog.Logger
}

// NewConn wraps an accepted control socket.
func NewConn(nc net.Conn, log zerolog.Logger) *Conn {
	return &Conn{
		nc:  nc,
		br:  bufio.NewReaderSize(nc, 16*1024),
		bw:  bufio.NewWriterSize(nc, 16*1024),
		log: log,
	}
}

// NextCSeq reserves the next request sequence number.
func (c *Conn) NextCSeq() int {
	c.cseqMu.Lock()
	defer c.cseqMu.Unlock()
	c.cseq++
	return c.cseq
}

// Send writes a message. Requests without a CSeq get the next one
// assigned. Write failures map to ErrConnectionClosed.
func (c *Conn) Send(msg *Message) error {
	if msg.Type == TypeRequest && msg.GetHeader("CSeq") == "" {
		msg.SetHeader("CSeq", fmt.Sprintf("%d", c.NextCSeq()))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.bw.Write(msg.Marshal()); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// WriteInterleaved frames payload on the given channel. This is the
// payloader sink for the TCP lower transport.
func (c *Conn) WriteInterleaved(channel uint8, payload []byte) error {
	return c.Send(NewData(channel, payload))
}

// Receive reads the next message. A zero timeout blocks indefinitely.
// Deadline expiry returns ErrTimeout; malformed input returns an error
// wrapping ErrParse; a dead socket returns ErrConnectionClosed.
func (c *Conn) Receive(timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
		defer c.nc.SetReadDeadline(time.Time{})
	}

	msg, err := readMessage(c.br)
	if err != nil {
		if errors.Is(err, ErrParse) {
			return nil, err
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return msg, nil
}

// Flush discards any buffered unread input when purge is set. Used
// around transport switches so stale frames do not confuse the state
// machine.
func (c *Conn) Flush(purge bool) {
	if !purge {
		c.writeMu.Lock()
		c.bw.Flush()
		c.writeMu.Unlock()
		return
	}
	if n := c.br.Buffered(); n > 0 {
		c.br.Discard(n)
	}
}

// RemoteAddr exposes the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// LocalAddr exposes our address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// Close shuts the socket down.
func (c *Conn) Close() error {
	return c.nc.Close()
}
