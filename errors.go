// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package osnp

import "errors"

var (
	// ErrTagTooLong is returned by ReadTag when a multi-byte tag would
	// consume more than four continuation bytes.
	ErrTagTooLong = errors.New("osnp: tlv tag exceeds four continuation bytes")

	// ErrFrameTooShort is returned when a frame's declared length cannot
	// accommodate its header, auxiliary security header, MIC and FCS.
	ErrFrameTooShort = errors.New("osnp: frame shorter than header + security + fcs")

	// ErrBufferTooSmall is returned by ParseFrame when the declared frame
	// length exceeds the caller-supplied backing buffer.
	ErrBufferTooSmall = errors.New("osnp: backing buffer too small for frame")

	// ErrNotAssociated is returned by an application command handler that
	// requires an established association while unassociated, mapped by
	// CommandDispatcher implementations onto the SECURITY_ERROR
	// application error TLV.
	ErrNotAssociated = errors.New("osnp: device is not associated")

	// ErrUnknownTimer is returned by the timer bookkeeping if asked to
	// arm a timer kind it does not recognize.
	ErrUnknownTimer = errors.New("osnp: unknown timer kind")

	// ErrDeviceBusy is returned by an application command handler that
	// cannot service a request right now (e.g. a sensor reading already
	// in flight), mapped by CommandDispatcher implementations onto the
	// DEVICE_BUSY application error TLV.
	ErrDeviceBusy = errors.New("osnp: device busy")
)
