// SPDX-License-Identifier: MPL-2.0

package media

import (
	"math"
	"math/rand"
	"time"
)

// Compensation keeps the randomized interval unbiased, RFC 3550 §6.3.1.
var intervalCompensation = math.E - 1.5

// rtcpInterval computes the randomized transmission interval and its
// deterministic counterpart.
//
// The session bandwidth fraction reserved for RTCP is split 25%/75%
// between senders and receivers whenever senders make up at most a
// quarter of the members.
func rtcpInterval(members, senders int, rtcpBW float64, weSent bool, avgRTCPSize float64, minInterval time.Duration, initial bool, rnd *rand.Rand) (interval, deterministic time.Duration) {
	tmin := minInterval
	if initial {
		tmin = minInterval / 2
	}

	n := members
	if senders > 0 && senders*4 <= members {
		if weSent {
			rtcpBW *= 0.25
			n = senders
		} else {
			rtcpBW *= 0.75
			n = members - senders
		}
	}
	if n == 0 {
		n = 1
	}

	var td time.Duration
	if rtcpBW > 0 {
		td = time.Duration(avgRTCPSize * float64(n) / rtcpBW * float64(time.Second))
	}
	if td < tmin {
		td = tmin
	}
	if initial {
		// First interval is stretched so a joining wave does not burst
		td = td * 3 / 2
	}

	t := time.Duration(float64(td) * (0.5 + rnd.Float64()))
	t = time.Duration(float64(t) / intervalCompensation)
	return t, td
}
