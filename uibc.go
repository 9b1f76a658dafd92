// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// uibcListener accepts the sink's user input back channel and delivers
// framed messages. Decoding the input events themselves is left to the
// subscriber.
//
// Frame layout: version/timestamp flags (2 bytes), big endian length
// of the whole frame (2 bytes), then the input body.
type uibcListener struct {
	ln      net.Listener
	deliver func(data []byte)
	log     zerolog.Logger

	wg      sync.WaitGroup
	closing bool
	mu      sync.Mutex
}

func newUIBCListener(port int, deliver func(data []byte), log zerolog.Logger) (*uibcListener, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	l := &uibcListener{ln: ln, deliver: deliver, log: log}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *uibcListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if !closing {
				l.log.Debug().Err(err).Msg("uibc accept failed")
			}
			return
		}
		l.wg.Add(1)
		go l.readLoop(conn)
	}
}

func (l *uibcListener) readLoop(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint16(header[2:4])
		if size < 4 {
			l.log.Warn().Uint16("len", size).Msg("uibc frame shorter than header")
			return
		}
		body := make([]byte, size-4)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		l.deliver(body)
	}
}

// Addr returns the bound listener address.
func (l *uibcListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close shuts the listening socket down and joins the reader.
func (l *uibcListener) Close() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.ln.Close()
	l.wg.Wait()
}
