// SPDX-License-Identifier: MPL-2.0

package wfd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// AudioCodec is one entry of wfd_audio_codecs:
// "<name> <modes bitmap, 8 hex> <latency, 2 hex>"
type AudioCodec struct {
	Name    string // LPCM, AAC or AC3
	Modes   uint32
	Latency uint8
}

func (a AudioCodec) String() string {
	return fmt.Sprintf("%s %08x %02x", a.Name, a.Modes, a.Latency)
}

// AudioMode is a decoded audio modes bitmap bit.
type AudioMode struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

var lpcmModes = []AudioMode{
	{44100, 2, 16},
	{48000, 2, 16},
}

var aacModes = []AudioMode{
	{48000, 2, 16},
	{48000, 4, 16},
	{48000, 6, 16},
	{48000, 8, 16},
}

var ac3Modes = []AudioMode{
	{48000, 2, 16},
	{48000, 4, 16},
	{48000, 6, 16},
}

// ModeTable returns the bit position to mode mapping for the codec.
func (a AudioCodec) ModeTable() []AudioMode {
	switch a.Name {
	case "LPCM":
		return lpcmModes
	case "AAC":
		return aacModes
	case "AC3":
		return ac3Modes
	}
	return nil
}

// ParseAudioCodecs parses the comma separated codec list.
func ParseAudioCodecs(v string) ([]AudioCodec, error) {
	if v == NoneValue {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	codecs := make([]AudioCodec, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(p)
		if len(fields) != 3 {
			return nil, fmt.Errorf("wfd: bad audio codec entry %q", p)
		}
		modes, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("wfd: bad audio modes in %q: %w", p, err)
		}
		latency, err := strconv.ParseUint(fields[2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("wfd: bad audio latency in %q: %w", p, err)
		}
		codecs = append(codecs, AudioCodec{Name: fields[0], Modes: uint32(modes), Latency: uint8(latency)})
	}
	return codecs, nil
}

// FormatAudioCodecs renders the codec list for a parameter value.
func FormatAudioCodecs(codecs []AudioCodec) string {
	if len(codecs) == 0 {
		return NoneValue
	}
	parts := make([]string, len(codecs))
	for i, c := range codecs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// Native resolution table selectors for wfd_video_formats.
const (
	NativeCEA  = 0
	NativeVESA = 1
	NativeHH   = 2
)

// VideoFormats is the decoded wfd_video_formats value:
// "<native> <pref-disp> <profile> <level> <cea> <vesa> <hh>
//  <latency> <min-slice> <slice-enc> <frame-rate-ctl> <max-hres> <max-vres>"
type VideoFormats struct {
	Native           uint8
	PreferredDisplay uint8
	Profile          uint8
	Level            uint8
	CEA              uint32
	VESA             uint32
	HH               uint32
	Latency          uint8
	MinSliceSize     uint16
	SliceEncParams   uint16
	FrameRateControl uint8
	// "none" unless the sink declares an explicit maximum
	MaxHRes string
	MaxVRes string
}

// NativeTable returns which resolution table the native field selects.
// Lower 3 bits: 0 CEA, 1 VESA, 2 HH.
func (v VideoFormats) NativeTable() int {
	return int(v.Native & 0x07)
}

func ParseVideoFormats(v string) (*VideoFormats, error) {
	if v == NoneValue {
		return nil, nil
	}
	fields := strings.Fields(v)
	if len(fields) < 11 {
		return nil, fmt.Errorf("wfd: bad video formats %q", v)
	}
	var vf VideoFormats
	var err error
	parse8 := func(s string, dst *uint8) {
		if err != nil {
			return
		}
		var u uint64
		u, err = strconv.ParseUint(s, 16, 8)
		*dst = uint8(u)
	}
	parse16 := func(s string, dst *uint16) {
		if err != nil {
			return
		}
		var u uint64
		u, err = strconv.ParseUint(s, 16, 16)
		*dst = uint16(u)
	}
	parse32 := func(s string, dst *uint32) {
		if err != nil {
			return
		}
		var u uint64
		u, err = strconv.ParseUint(s, 16, 32)
		*dst = uint32(u)
	}
	parse8(fields[0], &vf.Native)
	parse8(fields[1], &vf.PreferredDisplay)
	parse8(fields[2], &vf.Profile)
	parse8(fields[3], &vf.Level)
	parse32(fields[4], &vf.CEA)
	parse32(fields[5], &vf.VESA)
	parse32(fields[6], &vf.HH)
	parse8(fields[7], &vf.Latency)
	parse16(fields[8], &vf.MinSliceSize)
	parse16(fields[9], &vf.SliceEncParams)
	parse8(fields[10], &vf.FrameRateControl)
	if err != nil {
		return nil, fmt.Errorf("wfd: bad video formats %q: %w", v, err)
	}
	vf.MaxHRes = NoneValue
	vf.MaxVRes = NoneValue
	if len(fields) >= 13 {
		vf.MaxHRes = fields[11]
		vf.MaxVRes = fields[12]
	}
	return &vf, nil
}

func (v *VideoFormats) String() string {
	if v == nil {
		return NoneValue
	}
	hres, vres := v.MaxHRes, v.MaxVRes
	if hres == "" {
		hres = NoneValue
	}
	if vres == "" {
		vres = NoneValue
	}
	return fmt.Sprintf("%02x %02x %02x %02x %08x %08x %08x %02x %04x %04x %02x %s %s",
		v.Native, v.PreferredDisplay, v.Profile, v.Level,
		v.CEA, v.VESA, v.HH,
		v.Latency, v.MinSliceSize, v.SliceEncParams, v.FrameRateControl,
		hres, vres)
}

// Lower transports for wfd_client_rtp_ports.
const (
	TransportUDP = "RTP/AVP/UDP;unicast"
	TransportTCP = "RTP/AVP/TCP;unicast"
)

// RTPPorts is the decoded wfd_client_rtp_ports value:
// "RTP/AVP/UDP;unicast <port0> <port1> mode=play"
type RTPPorts struct {
	Profile string
	Port0   int
	Port1   int
	Mode    string
}

func (p RTPPorts) IsTCP() bool {
	return p.Profile == TransportTCP
}

func ParseRTPPorts(v string) (*RTPPorts, error) {
	fields := strings.Fields(v)
	if len(fields) != 4 {
		return nil, fmt.Errorf("wfd: bad client rtp ports %q", v)
	}
	p0, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("wfd: bad rtp port0 %q: %w", v, err)
	}
	p1, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("wfd: bad rtp port1 %q: %w", v, err)
	}
	mode := strings.TrimPrefix(fields[3], "mode=")
	return &RTPPorts{Profile: fields[0], Port0: p0, Port1: p1, Mode: mode}, nil
}

func (p *RTPPorts) String() string {
	return fmt.Sprintf("%s %d %d mode=%s", p.Profile, p.Port0, p.Port1, p.Mode)
}

// ContentProtection is the decoded wfd_content_protection value:
// "HDCP2.x port=<tcp port>"
type ContentProtection struct {
	Version string
	Port    int
}

func ParseContentProtection(v string) (*ContentProtection, error) {
	if v == NoneValue {
		return nil, nil
	}
	fields := strings.Fields(v)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "port=") {
		return nil, fmt.Errorf("wfd: bad content protection %q", v)
	}
	port, err := strconv.Atoi(strings.TrimPrefix(fields[1], "port="))
	if err != nil {
		return nil, fmt.Errorf("wfd: bad content protection port %q: %w", v, err)
	}
	return &ContentProtection{Version: fields[0], Port: port}, nil
}

func (c *ContentProtection) String() string {
	if c == nil {
		return NoneValue
	}
	return fmt.Sprintf("%s port=%d", c.Version, c.Port)
}

// EDID is the decoded wfd_display_edid value: "<block count, 4 hex> <payload hex>"
type EDID struct {
	BlockCount int
	Payload    []byte
}

func ParseEDID(v string) (*EDID, error) {
	if v == NoneValue {
		return nil, nil
	}
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return nil, fmt.Errorf("wfd: bad display edid %q", v)
	}
	cnt, err := strconv.ParseUint(fields[0], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("wfd: bad edid block count: %w", err)
	}
	payload, err := hex.DecodeString(fields[1])
	if err != nil {
		return nil, fmt.Errorf("wfd: bad edid payload: %w", err)
	}
	return &EDID{BlockCount: int(cnt), Payload: payload}, nil
}

func (e *EDID) String() string {
	if e == nil {
		return NoneValue
	}
	return fmt.Sprintf("%04x %s", e.BlockCount, hex.EncodeToString(e.Payload))
}

// NativeResolution decodes the detailed timing descriptor of the first
// EDID block into the display's preferred width and height. Returns
// zeros when the payload is not a full base block.
func (e *EDID) NativeResolution() (width, height int) {
	if e == nil || len(e.Payload) < 128 {
		return 0, 0
	}
	// First detailed timing descriptor at offset 54
	d := e.Payload[54:72]
	width = int(d[2]) | int(d[4]&0xf0)<<4
	height = int(d[5]) | int(d[7]&0xf0)<<4
	return width, height
}

// AudioReport is the decoded T3 vendor value:
// "<buffered bytes> <pts>"
type AudioReport struct {
	BufSize int
	PTS     int64
}

func ParseAudioReport(v string) (*AudioReport, error) {
	fields := strings.Fields(v)
	if len(fields) != 2 {
		return nil, fmt.Errorf("wfd: bad audio report %q", v)
	}
	bufsize, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("wfd: bad audio report bufsize %q: %w", v, err)
	}
	pts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("wfd: bad audio report pts %q: %w", v, err)
	}
	return &AudioReport{BufSize: bufsize, PTS: pts}, nil
}

func (a *AudioReport) String() string {
	return fmt.Sprintf("%d %d", a.BufSize, a.PTS)
}

// HIDCPair is an input device type and its device path from
// wfd_uibc_capability hidc_cap_list.
type HIDCPair struct {
	Type string
	Path string
}

// UIBCCapability is the decoded wfd_uibc_capability value.
type UIBCCapability struct {
	Categories  []string
	GenericCaps []string
	HIDCCaps    []HIDCPair
	Port        int // 0 when "none"
}

func ParseUIBCCapability(v string) (*UIBCCapability, error) {
	if v == NoneValue {
		return nil, nil
	}
	cap := &UIBCCapability{}
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("wfd: bad uibc capability part %q", part)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "input_category_list":
			if val != NoneValue {
				cap.Categories = strings.Split(val, ",")
			}
		case "generic_cap_list":
			if val != NoneValue {
				cap.GenericCaps = strings.Split(val, ",")
			}
		case "hidc_cap_list":
			if val == NoneValue {
				continue
			}
			for _, pair := range strings.Split(val, ",") {
				tp := strings.SplitN(pair, "/", 2)
				if len(tp) != 2 {
					return nil, fmt.Errorf("wfd: bad hidc pair %q", pair)
				}
				cap.HIDCCaps = append(cap.HIDCCaps, HIDCPair{Type: tp[0], Path: tp[1]})
			}
		case "port":
			if val == NoneValue {
				continue
			}
			port, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("wfd: bad uibc port %q: %w", val, err)
			}
			cap.Port = port
		default:
			return nil, fmt.Errorf("wfd: unknown uibc capability key %q", key)
		}
	}
	return cap, nil
}

func (u *UIBCCapability) String() string {
	if u == nil {
		return NoneValue
	}
	join := func(vals []string) string {
		if len(vals) == 0 {
			return NoneValue
		}
		return strings.Join(vals, ",")
	}
	hidc := NoneValue
	if len(u.HIDCCaps) > 0 {
		pairs := make([]string, len(u.HIDCCaps))
		for i, p := range u.HIDCCaps {
			pairs[i] = p.Type + "/" + p.Path
		}
		hidc = strings.Join(pairs, ",")
	}
	port := NoneValue
	if u.Port > 0 {
		port = strconv.Itoa(u.Port)
	}
	return fmt.Sprintf("input_category_list=%s;generic_cap_list=%s;hidc_cap_list=%s;port=%s",
		join(u.Categories), join(u.GenericCaps), hidc, port)
}
