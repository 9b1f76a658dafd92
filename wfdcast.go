// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"context"
	"errors"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wfdcast_sessions_active",
	Help: "WFD sessions currently being served.",
})

// ServeSessionFunc customizes a freshly accepted session before Run;
// register event subscribers here.
type ServeSessionFunc func(s *SourceSession)

// Wfdcast accepts sink control connections and runs one SourceSession
// per sink.
type Wfdcast struct {
	bindAddr  string
	opts      SessionOptions
	enc       Encoder
	payloader Payloader

	serveHandler ServeSessionFunc

	log zerolog.Logger
}

// Option configures the engine.
type Option func(w *Wfdcast)

// WithListenAddr sets the RTSP control bind address; the WFD default
// control port is 7236.
func WithListenAddr(addr string) Option {
	return func(w *Wfdcast) {
		w.bindAddr = addr
	}
}

// WithSessionOptions replaces the per-session configuration.
func WithSessionOptions(opts SessionOptions) Option {
	return func(w *Wfdcast) {
		w.opts = opts
	}
}

// WithLogger replaces the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Wfdcast) {
		w.log = l
	}
}

// NewWfdcast builds the engine around the media pipeline collaborators.
func NewWfdcast(enc Encoder, payloader Payloader, opts ...Option) *Wfdcast {
	w := &Wfdcast{
		bindAddr:  ":7236",
		enc:       enc,
		payloader: payloader,
		log:       log.Logger,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Serve accepts sinks until the context ends. Each accepted connection
// becomes a SourceSession handed to f before its Run starts.
func (w *Wfdcast) Serve(ctx context.Context, f ServeSessionFunc) error {
	w.serveHandler = f

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", w.bindAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	w.log.Info().Str("addr", w.bindAddr).Msg("listening for WFD sinks")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
		go w.serveConn(ctx, conn)
	}
}

func (w *Wfdcast) serveConn(ctx context.Context, conn net.Conn) {
	slog := w.log.With().Str("sink", conn.RemoteAddr().String()).Logger()

	sess, err := NewSourceSession(conn, w.enc, w.payloader, w.opts, slog)
	if err != nil {
		slog.Error().Err(err).Msg("session setup failed")
		conn.Close()
		return
	}
	if w.serveHandler != nil {
		w.serveHandler(sess)
	}

	metricSessionsActive.Inc()
	defer metricSessionsActive.Dec()

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error().Err(err).Msg("session ended with error")
		return
	}
	slog.Info().Str("reason", sess.closeReason).Msg("session ended")
}
