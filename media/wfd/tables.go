// SPDX-License-Identifier: MPL-2.0

package wfd

// VideoMode is one resolution table entry.
type VideoMode struct {
	Width      int
	Height     int
	Framerate  int
	Interlaced bool
}

// CEA resolution bitmap, bit position indexed.
var CEAModes = []VideoMode{
	{640, 480, 60, false},
	{720, 480, 60, false},
	{720, 480, 60, true},
	{720, 576, 50, false},
	{720, 576, 50, true},
	{1280, 720, 30, false},
	{1280, 720, 60, false},
	{1920, 1080, 30, false},
	{1920, 1080, 60, false},
	{1920, 1080, 60, true},
	{1280, 720, 25, false},
	{1280, 720, 50, false},
	{1920, 1080, 25, false},
	{1920, 1080, 50, false},
	{1920, 1080, 50, true},
	{1280, 720, 24, false},
	{1920, 1080, 24, false},
}

// VESA resolution bitmap, bit position indexed.
var VESAModes = []VideoMode{
	{800, 600, 30, false},
	{800, 600, 60, false},
	{1024, 768, 30, false},
	{1024, 768, 60, false},
	{1152, 864, 30, false},
	{1152, 864, 60, false},
	{1280, 768, 30, false},
	{1280, 768, 60, false},
	{1280, 800, 30, false},
	{1280, 800, 60, false},
	{1360, 768, 30, false},
	{1360, 768, 60, false},
	{1366, 768, 30, false},
	{1366, 768, 60, false},
	{1280, 1024, 30, false},
	{1280, 1024, 60, false},
	{1400, 1050, 30, false},
	{1400, 1050, 60, false},
	{1440, 900, 30, false},
	{1440, 900, 60, false},
	{1600, 900, 30, false},
	{1600, 900, 60, false},
	{1600, 1200, 30, false},
	{1600, 1200, 60, false},
	{1680, 1024, 30, false},
	{1680, 1024, 60, false},
	{1680, 1050, 30, false},
	{1680, 1050, 60, false},
	{1920, 1200, 30, false},
	{1920, 1200, 60, false},
}

// Handheld resolution bitmap, bit position indexed.
var HHModes = []VideoMode{
	{800, 480, 30, false},
	{800, 480, 60, false},
	{854, 480, 30, false},
	{854, 480, 60, false},
	{864, 480, 30, false},
	{864, 480, 60, false},
	{640, 360, 30, false},
	{640, 360, 60, false},
	{960, 540, 30, false},
	{960, 540, 60, false},
	{848, 480, 30, false},
	{848, 480, 60, false},
}

func modeTable(native int) []VideoMode {
	switch native {
	case NativeCEA:
		return CEAModes
	case NativeVESA:
		return VESAModes
	case NativeHH:
		return HHModes
	}
	return nil
}

// SelectResolution picks the preferred common resolution between source
// and sink supported bitmaps. Scanning runs from the most significant
// set bit down, so richer modes win ties. Returns the chosen bit (zero
// when no overlap) and the resolved mode.
func SelectResolution(native int, src, sink uint32) (uint32, VideoMode, bool) {
	common := src & sink
	if common == 0 {
		return 0, VideoMode{}, false
	}
	table := modeTable(native)
	for i := 31; i >= 0; i-- {
		bit := uint32(1) << uint(i)
		if common&bit == 0 {
			continue
		}
		if i >= len(table) {
			continue
		}
		return bit, table[i], true
	}
	return 0, VideoMode{}, false
}

// MaskByDisplay clears bitmap bits whose mode exceeds the display's
// native width or height, so that an EDID constrained sink is never
// offered a resolution it cannot scan out.
func MaskByDisplay(native int, bitmap uint32, maxWidth, maxHeight int) uint32 {
	if maxWidth <= 0 || maxHeight <= 0 {
		return bitmap
	}
	table := modeTable(native)
	for i, mode := range table {
		if mode.Width > maxWidth || mode.Height > maxHeight {
			bitmap &^= uint32(1) << uint(i)
		}
	}
	return bitmap
}

// Resolution classes for the bitrate table, ordered largest first.
// Thresholds follow the pixel-count breaks of the original engine.
type ResolutionClass int

const (
	Class1080 ResolutionClass = iota
	Class720
	Class540
	Class480
	Class360
	ClassBelow360

	numClasses
)

// ClassifyResolution maps a negotiated width and height to its class.
func ClassifyResolution(width, height int) ResolutionClass {
	pixels := width * height
	switch {
	case pixels >= 1920*1080:
		return Class1080
	case pixels >= 1280*720:
		return Class720
	case pixels >= 960*540:
		return Class540
	case pixels >= 854*480:
		return Class480
	case pixels >= 640*360:
		return Class360
	}
	return ClassBelow360
}

// BitrateRange is the initial, floor and ceiling encoder bitrate for
// one resolution class, in bits per second.
type BitrateRange struct {
	Init uint32
	Min  uint32
	Max  uint32
}

// BitrateTable holds one range per resolution class; the 18 value
// configuration knob of the engine. Index by ResolutionClass.
type BitrateTable [numClasses]BitrateRange

// Lookup resolves the range for a negotiated resolution.
func (t *BitrateTable) Lookup(width, height int) BitrateRange {
	return t[ClassifyResolution(width, height)]
}

// DefaultUDPBitrates is the stock table for the UDP data path.
var DefaultUDPBitrates = BitrateTable{
	Class1080:     {Init: 6_000_000, Min: 3_000_000, Max: 10_000_000},
	Class720:      {Init: 3_000_000, Min: 1_500_000, Max: 8_000_000},
	Class540:      {Init: 2_000_000, Min: 1_000_000, Max: 4_000_000},
	Class480:      {Init: 1_500_000, Min: 800_000, Max: 3_000_000},
	Class360:      {Init: 1_000_000, Min: 600_000, Max: 2_000_000},
	ClassBelow360: {Init: 800_000, Min: 400_000, Max: 1_500_000},
}

// DefaultTCPBitrates is the stock table for the interleaved TCP path,
// more conservative since the kernel already retransmits.
var DefaultTCPBitrates = BitrateTable{
	Class1080:     {Init: 4_000_000, Min: 2_000_000, Max: 8_000_000},
	Class720:      {Init: 2_000_000, Min: 1_000_000, Max: 6_000_000},
	Class540:      {Init: 1_500_000, Min: 800_000, Max: 3_000_000},
	Class480:      {Init: 1_000_000, Min: 600_000, Max: 2_000_000},
	Class360:      {Init: 800_000, Min: 500_000, Max: 1_500_000},
	ClassBelow360: {Init: 500_000, Min: 300_000, Max: 1_000_000},
}
