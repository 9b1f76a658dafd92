// SPDX-License-Identifier: MPL-2.0

package media

import (
	"encoding/binary"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalTestPacket(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    33,
			SequenceNumber: seq,
			Timestamp:      90000 + uint32(seq),
			SSRC:           0x11223344,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestRetentionRingCapacityValidation(t *testing.T) {
	r, err := NewRetentionRing(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetentionCapacity, r.Capacity())

	_, err = NewRetentionRing(1000)
	assert.Error(t, err)

	r, err = NewRetentionRing(65536)
	require.NoError(t, err)
	assert.Equal(t, 65536, r.Capacity())
}

func TestRetentionRingExtractFrames(t *testing.T) {
	r, err := NewRetentionRing(1024)
	require.NoError(t, err)

	for seq := uint16(100); seq < 200; seq++ {
		r.Insert(seq, marshalTestPacket(t, seq, []byte{0xaa, 0xbb, 0xcc}))
	}

	for _, seq := range []uint16{150, 151, 152} {
		outer, pkt, ok := r.Extract(seq)
		require.True(t, ok, "seq %d", seq)
		assert.NotZero(t, outer)

		// Outer header carries the fresh resend sequence
		assert.Equal(t, outer, binary.BigEndian.Uint16(pkt[2:4]))
		// First two payload bytes decode to the original sequence
		assert.Equal(t, seq, binary.BigEndian.Uint16(pkt[12:14]))
		// Original payload follows the OSN
		assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, pkt[14:])
	}
	assert.Equal(t, uint64(3), r.PacketsResent())
}

func TestRetentionRingMiss(t *testing.T) {
	r, err := NewRetentionRing(1024)
	require.NoError(t, err)

	_, _, ok := r.Extract(42)
	assert.False(t, ok)

	// Overwrite after one wrap-around evicts the old packet
	r.Insert(10, marshalTestPacket(t, 10, []byte{1}))
	r.Insert(10+1024, marshalTestPacket(t, 10+1024, []byte{2}))

	_, _, ok = r.Extract(10)
	assert.False(t, ok)

	_, pkt, ok := r.Extract(10 + 1024)
	require.True(t, ok)
	assert.Equal(t, uint16(10+1024), binary.BigEndian.Uint16(pkt[12:14]))
}

func TestRetentionRingIgnoresRunts(t *testing.T) {
	r, err := NewRetentionRing(1024)
	require.NoError(t, err)
	r.Insert(7, []byte{0x80, 0x21})
	_, _, ok := r.Extract(7)
	assert.False(t, ok)
}
