// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var metricEncoderBitrate = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wfdcast_encoder_bitrate_bps",
	Help: "Bitrate last commanded to the video encoder.",
})

// unstableWindow is how many consecutive floor-pinned updates raise the
// network unstable notification, and the minimum seconds between two
// notifications.
const unstableWindow = 15

// unstableNotifier tracks bitrate updates stuck at the floor. Shared by
// both regulation modes.
type unstableNotifier struct {
	lowCount   int
	lastNotify time.Time
	notify     func()
}

// observe records one published bitrate. prev is what the encoder ran
// at before this update.
func (u *unstableNotifier) observe(prev, next, min uint32, now time.Time) {
	if prev == min && next == min {
		u.lowCount++
	} else {
		u.lowCount = 0
	}
	if u.lowCount < unstableWindow {
		return
	}
	if !u.lastNotify.IsZero() && now.Sub(u.lastNotify) <= unstableWindow*time.Second {
		return
	}
	u.lowCount = 0
	u.lastNotify = now
	if u.notify != nil {
		u.notify()
	}
}

func clampBitrate(v, min, max uint32) uint32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// publishBitrate pushes a new encoder setting when it changed.
func publishBitrate(enc Encoder, prev, next uint32, log zerolog.Logger, mode string) {
	if prev == next {
		return
	}
	log.Info().Str("mode", mode).Uint32("bitrate", next).Msg("new encoder bitrate")
	enc.SetBitrate(next)
	metricEncoderBitrate.Set(float64(next))
}
