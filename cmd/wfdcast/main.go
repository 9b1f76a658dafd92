// SPDX-License-Identifier: MPL-2.0

// Demo source that negotiates with any sink connecting to the WFD
// control port and logs session events. The media pipeline is stubbed:
// real deployments plug their encoder and MPEG-TS payloader in.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/wfdcast"
)

type stubEncoder struct {
	bitrate atomic.Uint32
}

func (e *stubEncoder) SetBitrate(bps uint32) {
	e.bitrate.Store(bps)
	log.Info().Uint32("bps", bps).Msg("encoder bitrate")
}

func (e *stubEncoder) ForceIDR() {
	log.Info().Msg("encoder IDR requested")
}

type stubPayloader struct {
	sink atomic.Value // wfdcast.PacketSink
}

func (p *stubPayloader) SetSink(sink wfdcast.PacketSink) { p.sink.Store(sink) }
func (p *stubPayloader) Pause()                          { log.Debug().Msg("payloader paused") }
func (p *stubPayloader) Resume()                         { log.Debug().Msg("payloader resumed") }
func (p *stubPayloader) RequestNewSegment()              { log.Debug().Msg("new segment requested") }

func main() {
	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.999",
	}).With().Timestamp().Logger().Level(lev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := os.Getenv("WFD_LISTEN")
	if addr == "" {
		addr = ":7236"
	}

	enc := &stubEncoder{}
	pl := &stubPayloader{}

	wc := wfdcast.NewWfdcast(enc, pl,
		wfdcast.WithListenAddr(addr),
		wfdcast.WithSessionOptions(wfdcast.SessionOptions{
			DoRetransmission: true,
			EnableUIBC:       false,
		}),
	)

	err = wc.Serve(ctx, func(s *wfdcast.SourceSession) {
		s.OnEvent(func(ev wfdcast.Event) {
			log.Info().Str("event", ev.String()).Msg("session event")
		})
	})
	if err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("serve failed")
	}
}
