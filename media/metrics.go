// SPDX-License-Identifier: MPL-2.0

package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPacketsResent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wfdcast_rtp_packets_resent_total",
		Help: "RTP packets re-emitted from the retention ring on sink NACKs.",
	})

	metricRTPParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wfdcast_rtp_parse_errors_total",
		Help: "Malformed RTP packets dropped.",
	})

	metricRTCPParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wfdcast_rtcp_parse_errors_total",
		Help: "Malformed RTCP compounds dropped.",
	})

	metricCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wfdcast_rtp_ssrc_collisions_total",
		Help: "SSRC collisions observed across sources.",
	})
)
