// SPDX-License-Identifier: MPL-2.0

package wfdcast

// Encoder is the engine's narrow view of the H.264 encoder. The
// bitrate latch must tolerate a single concurrent writer.
type Encoder interface {
	// SetBitrate commands the target bitrate in bits per second.
	SetBitrate(bps uint32)
	// ForceIDR asks for an immediately decodable frame; driven by
	// wfd_idr_request and by PLI/FIR feedback.
	ForceIDR()
}

// PacketSink consumes one marshaled RTP packet. The transport switcher
// re-hooks the payloader between the UDP writer and the interleaved
// channel writer.
type PacketSink func(pkt []byte) error

// Payloader is the engine's view of the MPEG-TS muxer + RTP
// payloadizer pipeline upstream of the transport.
type Payloader interface {
	// SetSink redirects where marshaled packets go. A nil sink
	// discards.
	SetSink(sink PacketSink)
	// Pause halts packet production during a transport switch.
	Pause()
	// Resume continues after a switch.
	Resume()
	// RequestNewSegment asks the muxer to re-emit PAT/PMT so a sink
	// joining mid-stream can lock on.
	RequestNewSegment()
}
