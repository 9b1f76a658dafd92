// SPDX-License-Identifier: MPL-2.0

package wfdcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/wfdcast/media/wfd"
	"github.com/emiago/wfdcast/rtsp"
)

// Interleaved channel assignment on the control socket.
const (
	rtpChannel  = 0
	rtcpChannel = 1
)

const wfdRequireToken = "org.wfa.wfd1.0"

const publicMethods = "org.wfa.wfd1.0, GET_PARAMETER, SET_PARAMETER, OPTIONS, SETUP, PLAY, PAUSE, TEARDOWN"

// Source supported capability bitmaps offered during negotiation.
// Audio: LPCM 48k/44.1k stereo, AAC up to 48k stereo. Video: every CEA
// mode up to 1080p60 plus the handheld set.
var (
	sourceAudioCodecs = []wfd.AudioCodec{
		{Name: "LPCM", Modes: 0x00000003},
		{Name: "AAC", Modes: 0x00000001},
	}
	sourceCEA = uint32(0x0001ffff)
	sourceHH  = uint32(0x00000fff)
)

// negotiationTimeout bounds each M1..M5 exchange step.
const negotiationTimeout = 10 * time.Second

// negotiate runs the source initiated M1..M5 sequence. On return the
// sink capabilities are parsed and the singular selections are agreed.
func (s *SourceSession) negotiate(ctx context.Context) error {
	// M1: OPTIONS with the WFD requirement
	m1 := rtsp.NewRequest(rtsp.MethodOptions, "*")
	m1.SetHeader("Require", wfdRequireToken)
	resp, err := s.transact(m1)
	if err != nil {
		return fmt.Errorf("M1: %w", err)
	}
	if err := checkPublicHeader(resp.GetHeader("Public")); err != nil {
		return fmt.Errorf("M1: %w", err)
	}

	// M2: the sink mirrors with its own OPTIONS
	if err := s.awaitSinkOptions(); err != nil {
		return fmt.Errorf("M2: %w", err)
	}

	// M3: query the sink capability set
	m3 := rtsp.NewRequest(rtsp.MethodGetParameter, s.requestURI())
	m3Body := wfd.NewRequest(
		wfd.KeyAudioCodecs,
		wfd.KeyVideoFormats,
		wfd.KeyClientRTPPorts,
		wfd.KeyDisplayEDID,
		wfd.KeyContentProtection,
		wfd.KeyUIBCCapability,
		wfd.KeyStandbyResume,
	)
	m3.SetBody("text/parameters", m3Body.Marshal())
	resp, err = s.transact(m3)
	if err != nil {
		return fmt.Errorf("M3: %w", err)
	}
	if err := s.parseSinkCapabilities(resp.Body); err != nil {
		return fmt.Errorf("M3: %w", err)
	}

	// M4: push the singular selections
	if err := s.selectMedia(); err != nil {
		return err
	}
	m4 := rtsp.NewRequest(rtsp.MethodSetParameter, s.requestURI())
	m4.SetBody("text/parameters", s.buildM4Body().Marshal())
	if _, err := s.transact(m4); err != nil {
		return fmt.Errorf("M4: %w", err)
	}

	// M5: hand control to the sink with a SETUP trigger
	m5 := rtsp.NewRequest(rtsp.MethodSetParameter, s.requestURI())
	m5Body := &wfd.Message{}
	m5Body.Set(wfd.KeyTriggerMethod, wfd.TriggerSetup)
	m5.SetBody("text/parameters", m5Body.Marshal())
	if _, err := s.transact(m5); err != nil {
		return fmt.Errorf("M5: %w", err)
	}

	s.log.Info().
		Str("audio", s.chosen.AudioCodec).
		Int("width", s.chosen.VideoMode.Width).
		Int("height", s.chosen.VideoMode.Height).
		Int("fps", s.chosen.VideoMode.Framerate).
		Str("transport", s.transport).
		Msg("negotiation complete")
	return nil
}

// transact sends one request and reads until its response shows up.
// Sink requests arriving in between are served inline.
func (s *SourceSession) transact(req *rtsp.Message) (*rtsp.Message, error) {
	if err := s.conn.Send(req); err != nil {
		return nil, err
	}
	want := req.CSeq()

	deadline := time.Now().Add(negotiationTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, rtsp.ErrTimeout
		}
		msg, err := s.conn.Receive(remain)
		if err != nil {
			return nil, err
		}
		switch msg.Type {
		case rtsp.TypeResponse:
			if msg.CSeq() != want {
				s.log.Warn().Int("cseq", msg.CSeq()).Msg("response for unknown request")
				continue
			}
			if msg.StatusCode != rtsp.StatusOK {
				return nil, fmt.Errorf("%w: status %d", ErrNegotiationMismatch, msg.StatusCode)
			}
			return msg, nil
		case rtsp.TypeRequest:
			s.handleRequest(msg)
		case rtsp.TypeData:
			s.handleData(msg)
		}
	}
}

// awaitSinkOptions serves the sink's symmetric OPTIONS.
func (s *SourceSession) awaitSinkOptions() error {
	deadline := time.Now().Add(negotiationTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return rtsp.ErrTimeout
		}
		msg, err := s.conn.Receive(remain)
		if err != nil {
			return err
		}
		if msg.Type == rtsp.TypeRequest && msg.Method == rtsp.MethodOptions {
			resp := rtsp.NewResponse(msg, rtsp.StatusOK)
			resp.SetHeader("Public", publicMethods)
			return s.conn.Send(resp)
		}
		if msg.Type == rtsp.TypeRequest {
			s.handleRequest(msg)
		}
	}
}

// checkPublicHeader enforces the method surface WFD needs from a sink.
func checkPublicHeader(public string) error {
	required := []string{wfdRequireToken, rtsp.MethodGetParameter, rtsp.MethodSetParameter}
	for _, method := range required {
		found := false
		for _, tok := range strings.Split(public, ",") {
			if strings.TrimSpace(tok) == method {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrMissingRequiredMethod, method)
		}
	}
	return nil
}

// parseSinkCapabilities digests the M3 response body.
func (s *SourceSession) parseSinkCapabilities(body []byte) error {
	params, err := wfd.Parse(body)
	if err != nil {
		return err
	}

	if v, ok := params.Get(wfd.KeyAudioCodecs); ok {
		if s.sink.audio, err = wfd.ParseAudioCodecs(v); err != nil {
			return err
		}
	}
	if v, ok := params.Get(wfd.KeyVideoFormats); ok {
		if s.sink.video, err = wfd.ParseVideoFormats(v); err != nil {
			return err
		}
	}
	if v, ok := params.Get(wfd.KeyClientRTPPorts); ok {
		if s.sink.ports, err = wfd.ParseRTPPorts(v); err != nil {
			return err
		}
	}
	if v, ok := params.Get(wfd.KeyDisplayEDID); ok {
		if s.sink.edid, err = wfd.ParseEDID(v); err != nil {
			s.log.Warn().Err(err).Msg("sink EDID unusable, ignoring")
			s.sink.edid = nil
		}
	}
	if v, ok := params.Get(wfd.KeyContentProtection); ok {
		if s.sink.hdcp, err = wfd.ParseContentProtection(v); err != nil {
			return err
		}
	}
	if v, ok := params.Get(wfd.KeyUIBCCapability); ok {
		if s.sink.uibc, err = wfd.ParseUIBCCapability(v); err != nil {
			s.log.Warn().Err(err).Msg("sink UIBC capability unusable, ignoring")
			s.sink.uibc = nil
		}
	}
	if v, ok := params.Get(wfd.KeyStandbyResume); ok {
		s.sink.standby = v == "supported"
	}
	return nil
}

// selectMedia runs the M4 selection: one audio mode, one video mode,
// the port pair and the optional extras.
func (s *SourceSession) selectMedia() error {
	if s.sink.ports == nil {
		return fmt.Errorf("%w: sink offered no rtp ports", ErrNegotiationMismatch)
	}
	s.chosen.Ports = *s.sink.ports
	if s.sink.ports.IsTCP() {
		s.transport = wfd.TransportTCP
	} else {
		s.transport = wfd.TransportUDP
	}

	if err := s.selectAudio(); err != nil {
		return err
	}
	if err := s.selectVideo(); err != nil {
		return err
	}

	if s.sink.hdcp != nil {
		if s.hdcp == nil {
			s.log.Info().Str("version", s.sink.hdcp.Version).Msg("sink offers HDCP but none configured")
		} else {
			s.chosen.HDCP = s.sink.hdcp
		}
	}
	if s.opts.EnableUIBC && s.sink.uibc != nil {
		cap := *s.sink.uibc
		if cap.Port == 0 {
			cap.Port = s.opts.UIBCPort
		}
		s.chosen.UIBC = &cap
	}
	s.chosen.StandbyResume = s.sink.standby
	return nil
}

// selectAudio prefers AAC over LPCM over AC3, highest common mode bit.
func (s *SourceSession) selectAudio() error {
	order := []string{"AAC", "LPCM", "AC3"}
	for _, name := range order {
		var ours *wfd.AudioCodec
		for i := range sourceAudioCodecs {
			if sourceAudioCodecs[i].Name == name {
				ours = &sourceAudioCodecs[i]
			}
		}
		if ours == nil {
			continue
		}
		for _, theirs := range s.sink.audio {
			if theirs.Name != name {
				continue
			}
			common := ours.Modes & theirs.Modes
			if common == 0 {
				continue
			}
			table := theirs.ModeTable()
			for bit := 31; bit >= 0; bit-- {
				if common&(1<<uint(bit)) == 0 || bit >= len(table) {
					continue
				}
				s.chosen.AudioCodec = name
				s.chosen.AudioMode = table[bit]
				return nil
			}
		}
	}
	return fmt.Errorf("%w: audio", ErrNegotiationMismatch)
}

// selectVideo walks the common resolution bitmap MSB first, with the
// sink display's EDID limits masked off beforehand.
func (s *SourceSession) selectVideo() error {
	if s.sink.video == nil {
		return fmt.Errorf("%w: sink offered no video formats", ErrNegotiationMismatch)
	}
	native := s.sink.video.NativeTable()

	var srcMap, sinkMap uint32
	switch native {
	case wfd.NativeCEA:
		srcMap, sinkMap = sourceCEA, s.sink.video.CEA
	case wfd.NativeVESA:
		srcMap, sinkMap = 0, s.sink.video.VESA
	case wfd.NativeHH:
		srcMap, sinkMap = sourceHH, s.sink.video.HH
	}
	// Fall back to CEA when the native table has no overlap
	if srcMap&sinkMap == 0 && s.sink.video.CEA != 0 {
		native = wfd.NativeCEA
		srcMap, sinkMap = sourceCEA, s.sink.video.CEA
	}

	if s.sink.edid != nil {
		if w, h := s.sink.edid.NativeResolution(); w > 0 && h > 0 {
			sinkMap = wfd.MaskByDisplay(native, sinkMap, w, h)
		}
	}

	bit, mode, ok := wfd.SelectResolution(native, srcMap, sinkMap)
	if !ok {
		return fmt.Errorf("%w: video", ErrNegotiationMismatch)
	}
	s.chosen.VideoBit = bit
	s.chosen.VideoMode = mode
	s.chosen.NativeTable = native
	s.chosen.Profile = s.sink.video.Profile
	s.chosen.Level = s.sink.video.Level
	return nil
}

// buildM4Body renders the SET_PARAMETER body with exactly one choice
// per parameter.
func (s *SourceSession) buildM4Body() *wfd.Message {
	body := &wfd.Message{}

	audio := wfd.AudioCodec{Name: s.chosen.AudioCodec, Modes: s.audioModeBit()}
	body.Set(wfd.KeyAudioCodecs, audio.String())

	vf := &wfd.VideoFormats{
		Native:  uint8(s.chosen.NativeTable),
		Profile: s.chosen.Profile,
		Level:   s.chosen.Level,
		MaxHRes: wfd.NoneValue,
		MaxVRes: wfd.NoneValue,
	}
	switch s.chosen.NativeTable {
	case wfd.NativeCEA:
		vf.CEA = s.chosen.VideoBit
	case wfd.NativeVESA:
		vf.VESA = s.chosen.VideoBit
	case wfd.NativeHH:
		vf.HH = s.chosen.VideoBit
	}
	if s.chosen.VideoMode.Interlaced {
		vf.FrameRateControl = 1
	}
	body.Set(wfd.KeyVideoFormats, vf.String())

	body.Set(wfd.KeyPresentationURL, fmt.Sprintf("rtsp://%s/wfd1.0/streamid=0 none", s.sourceIP))
	ports := s.chosen.Ports
	body.Set(wfd.KeyClientRTPPorts, ports.String())

	if s.chosen.HDCP != nil {
		body.Set(wfd.KeyContentProtection, s.chosen.HDCP.String())
	}
	if s.chosen.UIBC != nil {
		body.Set(wfd.KeyUIBCCapability, s.chosen.UIBC.String())
	}
	if s.chosen.StandbyResume {
		body.Set(wfd.KeyStandbyResume, "supported")
	}
	return body
}

// audioModeBit re-derives the single bit for the selected audio mode.
func (s *SourceSession) audioModeBit() uint32 {
	codec := wfd.AudioCodec{Name: s.chosen.AudioCodec}
	for i, m := range codec.ModeTable() {
		if m == s.chosen.AudioMode {
			return 1 << uint(i)
		}
	}
	return 1
}
