// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0x9ef/osnp"
)

const (
	tagPing  uint32 = 0x01
	tagFault uint32 = 0x02
)

var errBoom = errors.New("boom")

// bareFrame builds a minimal frame with no addressing at all (fc_high
// zero) and payloadLen bytes of zeroed payload capacity, backed by a
// full MaxFrameLen buffer so PayloadCap has room to write into.
func bareFrame(t *testing.T, payloadLen int) *osnp.Frame {
	t.Helper()
	buf := make([]byte, osnp.MaxFrameLen)
	buf[0] = byte(osnp.FrameTypeData)
	buf[1] = 0
	buf[2] = 0
	f, err := osnp.ParseFrame(buf, 3+payloadLen+2, osnp.SecurityNone)
	require.NoError(t, err)
	return f
}

// buildRequestFrame writes one or more inner command TLVs into a fresh
// frame's payload and fixes its declared length to match.
func buildRequestFrame(t *testing.T, commands [][2][]byte) *osnp.Frame {
	t.Helper()
	scratch := make([]byte, osnp.MaxFrameLen)
	i := 0
	for _, cmd := range commands {
		tagBytes, args := cmd[0], cmd[1]
		i += copy(scratch[i:], tagBytes)
		i += osnp.WriteLength(scratch[i:], uint32(len(args)))
		i += copy(scratch[i:], args)
	}

	f := bareFrame(t, i)
	copy(f.PayloadCap(), scratch[:i])
	return f
}

func responseFrame(t *testing.T) *osnp.Frame {
	t.Helper()
	return bareFrame(t, 0)
}

func TestProcessCommandSuccess(t *testing.T) {
	e := New()
	e.Register(tagPing, func(args []byte, associated bool) ([]byte, error) {
		reply := make([]byte, len(args))
		copy(reply, args)
		return reply, nil
	})

	req := buildRequestFrame(t, [][2][]byte{{{byte(tagPing)}, {0xAA, 0xBB}}})
	tx := responseFrame(t)

	i, j := 0, 0
	err := e.ProcessCommand(req, &i, tx, &j, true)
	require.NoError(t, err)
	require.Equal(t, len(req.Payload()), i)

	out := tx.PayloadCap()
	tag, n, err := osnp.ReadTag(out)
	require.NoError(t, err)
	require.Equal(t, tagPing, tag)
	length, n2 := osnp.ReadLength(out[n:])
	require.Equal(t, uint32(2), length.Value)
	require.Equal(t, []byte{0xAA, 0xBB}, out[n+n2:n+n2+2])
}

func TestProcessCommandUnknownTag(t *testing.T) {
	e := New()
	req := buildRequestFrame(t, [][2][]byte{{{byte(tagPing)}, nil}})
	tx := responseFrame(t)

	i, j := 0, 0
	require.NoError(t, e.ProcessCommand(req, &i, tx, &j, true))

	out := tx.PayloadCap()
	tag, _, err := osnp.ReadTag(out)
	require.NoError(t, err)
	require.Equal(t, uint32(osnp.TagUnsupportedCommand), tag)
}

func TestProcessCommandNotAssociatedMapsToSecurityError(t *testing.T) {
	e := New()
	e.Register(tagPing, func(args []byte, associated bool) ([]byte, error) {
		return nil, osnp.ErrNotAssociated
	})
	req := buildRequestFrame(t, [][2][]byte{{{byte(tagPing)}, nil}})
	tx := responseFrame(t)

	i, j := 0, 0
	require.NoError(t, e.ProcessCommand(req, &i, tx, &j, false))

	tag, _, err := osnp.ReadTag(tx.PayloadCap())
	require.NoError(t, err)
	require.Equal(t, uint32(osnp.TagSecurityError), tag)
}

func TestProcessCommandDeviceBusy(t *testing.T) {
	e := New()
	e.Register(tagPing, func(args []byte, associated bool) ([]byte, error) {
		return nil, osnp.ErrDeviceBusy
	})
	req := buildRequestFrame(t, [][2][]byte{{{byte(tagPing)}, nil}})
	tx := responseFrame(t)

	i, j := 0, 0
	require.NoError(t, e.ProcessCommand(req, &i, tx, &j, true))

	tag, _, err := osnp.ReadTag(tx.PayloadCap())
	require.NoError(t, err)
	require.Equal(t, uint32(osnp.TagDeviceBusy), tag)
}

func TestProcessCommandOtherErrorMapsToUnsupportedParameters(t *testing.T) {
	e := New()
	e.Register(tagPing, func(args []byte, associated bool) ([]byte, error) {
		return nil, errBoom
	})
	req := buildRequestFrame(t, [][2][]byte{{{byte(tagPing)}, nil}})
	tx := responseFrame(t)

	i, j := 0, 0
	require.NoError(t, e.ProcessCommand(req, &i, tx, &j, true))

	tag, _, err := osnp.ReadTag(tx.PayloadCap())
	require.NoError(t, err)
	require.Equal(t, uint32(osnp.TagUnsupportedParameters), tag)
}

func TestProcessCommandMalformedLengthAborts(t *testing.T) {
	e := New()
	f := bareFrame(t, 2)
	p := f.PayloadCap()
	// A tag with an indefinite length is not a valid inner command TLV.
	p[0] = byte(tagPing)
	p[1] = 0x80
	tx := responseFrame(t)

	i, j := 0, 0
	require.Error(t, e.ProcessCommand(f, &i, tx, &j, true))
}

func TestProcessCommandMultipleInOneContainer(t *testing.T) {
	e := New()
	e.Register(tagPing, func(args []byte, associated bool) ([]byte, error) {
		return []byte{0x01}, nil
	})
	e.Register(tagFault, func(args []byte, associated bool) ([]byte, error) {
		return nil, osnp.ErrDeviceBusy
	})

	req := buildRequestFrame(t, [][2][]byte{
		{{byte(tagPing)}, nil},
		{{byte(tagFault)}, nil},
	})
	tx := responseFrame(t)

	i, j := 0, 0
	end := len(req.Payload())
	for i < end {
		require.NoError(t, e.ProcessCommand(req, &i, tx, &j, true))
	}
	require.Equal(t, end, i)

	out := tx.PayloadCap()
	tag1, n1, err := osnp.ReadTag(out)
	require.NoError(t, err)
	require.Equal(t, tagPing, tag1)
	len1, n2 := osnp.ReadLength(out[n1:])
	require.Equal(t, uint32(1), len1.Value)
	cursor := n1 + n2 + int(len1.Value)

	tag2, n3, err := osnp.ReadTag(out[cursor:])
	require.NoError(t, err)
	require.Equal(t, uint32(osnp.TagDeviceBusy), tag2)
	_ = n3
}
