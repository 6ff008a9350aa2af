// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package osnp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildUnsecuredDataFrame() []byte {
	buf := make([]byte, MaxFrameLen)
	buf[0] = byte(FrameTypeData)
	buf[1] = makeFCHigh(AddrModeExt, 0, AddrModeExt)
	buf[2] = 0x01 // seq no

	off := 3
	copy(buf[off:], []byte{0xCD, 0xAB}) // dst pan
	off += 2
	copy(buf[off:], []byte{1, 2, 3, 4, 5, 6, 7, 8}) // dst addr
	off += 8
	copy(buf[off:], []byte{0xEF, 0xBE}) // src pan
	off += 2
	copy(buf[off:], []byte{8, 7, 6, 5, 4, 3, 2, 1}) // src addr
	off += 8

	off += copy(buf[off:], []byte{0xAA, 0xBB, 0xCC}) // payload
	off += 2                                         // fcs placeholder

	return buf[:off]
}

func TestParseFrameUnsecured(t *testing.T) {
	buf := buildUnsecuredDataFrame()
	f, err := ParseFrame(buf, len(buf), SecurityNone)
	require.NoError(t, err)

	require.Equal(t, byte(FrameTypeData), f.FrameType())
	require.False(t, f.SecurityEnabled())
	require.Equal(t, byte(0x01), f.SeqNo())

	dstPAN, ok := f.DstPAN()
	require.True(t, ok)
	require.Equal(t, []byte{0xCD, 0xAB}, dstPAN)

	srcAddr, ok := f.SrcAddr()
	require.True(t, ok)
	require.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, srcAddr)

	require.Equal(t, 3, f.PayloadLen())
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, f.Payload())
}

func buildSecuredFrame(counter uint32, keyCounter byte, payload []byte, level SecurityLevel) []byte {
	buf := make([]byte, MaxFrameLen)
	buf[0] = byte(FrameTypeData) | fcSecEnabled
	buf[1] = makeFCHigh(AddrModeNone, 0, AddrModeExt)
	buf[2] = 0x02

	off := 3
	copy(buf[off:], []byte{0xEF, 0xBE}) // src pan (dst mode none, no compression, so present)
	off += 2
	copy(buf[off:], []byte{1, 2, 3, 4, 5, 6, 7, 8}) // src addr
	off += 8

	fcOff := off
	buf[fcOff] = byte(counter)
	buf[fcOff+1] = byte(counter >> 8)
	buf[fcOff+2] = byte(counter >> 16)
	buf[fcOff+3] = byte(counter >> 24)
	off += 4
	buf[off] = keyCounter
	off++

	off += copy(buf[off:], payload)
	off += level.MICLength()
	off += 2 // fcs placeholder

	return buf[:off]
}

func TestParseFrameSecuredWithAuxHeaderAndMIC(t *testing.T) {
	buf := buildSecuredFrame(42, 0x01, []byte{0x11, 0x22}, SecurityMIC32)

	f, err := ParseFrame(buf, len(buf), SecurityMIC32)
	require.NoError(t, err)
	require.True(t, f.SecurityEnabled())
	require.Equal(t, 5, f.SecHeaderLen())

	counter, ok := f.FrameCounter()
	require.True(t, ok)
	require.Equal(t, uint32(42), counter)

	kc, ok := f.KeyCounter()
	require.True(t, ok)
	require.Equal(t, byte(0x01), kc)

	require.Equal(t, 2, f.PayloadLen())
	require.Equal(t, []byte{0x11, 0x22}, f.Payload())
}

func TestParseFrameTooShort(t *testing.T) {
	buf := make([]byte, 2)
	_, err := ParseFrame(buf, 2, SecurityNone)
	require.ErrorIs(t, err, ErrFrameTooShort)
}

func TestInitializeFrameLayout(t *testing.T) {
	buf := make([]byte, MaxFrameLen)
	fcLow := byte(FrameTypeMCmd) | fcAckRequest
	fcHigh := makeFCHigh(AddrModeNone, 0, AddrModeExt)
	f := initializeFrame(buf, fcLow, fcHigh, 7)

	require.Equal(t, byte(7), f.SeqNo())
	require.Equal(t, fcLow, f.FCLow())
	require.Equal(t, fcHigh, f.FCHigh())
	require.Equal(t, 0, f.PayloadLen())

	_, ok := f.DstPAN()
	require.False(t, ok)
	srcAddr, ok := f.SrcAddr()
	require.True(t, ok)
	require.Len(t, srcAddr, 8)
}

func TestFrameTotalLen(t *testing.T) {
	buf := buildUnsecuredDataFrame()
	f, err := ParseFrame(buf, len(buf), SecurityNone)
	require.NoError(t, err)
	require.Equal(t, f.HeaderLen()+f.SecHeaderLen()+f.PayloadLen()+2, f.TotalLen())
}

func BenchmarkParseFrame(b *testing.B) {
	buf := buildUnsecuredDataFrame()
	for i := 0; i < b.N; i++ {
		_, _ = ParseFrame(buf, len(buf), SecurityNone)
	}
}
