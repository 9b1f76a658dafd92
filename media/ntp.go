// SPDX-License-Identifier: MPL-2.0

package media

import "time"

// Seconds between the NTP epoch (1900-01-01) and the Unix epoch.
const ntpEpochOffset = 2208988800

// NTPTimestamp converts wall time to the 64 bit NTP format of RTCP
// sender reports: 32 bit seconds | 32 bit binary fraction.
func NTPTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// NTPToTime converts a 64 bit NTP timestamp back to wall time.
func NTPToTime(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	nanos := (ntp & 0xFFFFFFFF) * uint64(time.Second) >> 32
	return time.Unix(secs, int64(nanos))
}

// NTPMiddle32 extracts the middle 32 bits, the LSR format of report
// blocks.
func NTPMiddle32(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
