// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package osnp

// Frame type, carried in the low three bits of the frame control low byte.
const (
	FrameTypeBeacon = 0x00
	FrameTypeData   = 0x01
	FrameTypeAck    = 0x02
	FrameTypeMCmd   = 0x03
)

// Addressing mode, carried two bits at a time in the frame control high byte.
const (
	AddrModeNone  = 0x00
	AddrModeShort = 0x02
	AddrModeExt   = 0x03
)

// Frame control low byte bits.
const (
	fcSecEnabled   = 1 << 3
	fcFramePending = 1 << 4
	fcAckRequest   = 1 << 5
	fcPANCompress  = 1 << 6
)

func fcFrameType(low byte) byte        { return low & 0x07 }
func fcSecurityEnabled(low byte) bool  { return low&fcSecEnabled != 0 }
func fcFramePendingSet(low byte) bool  { return low&fcFramePending != 0 }
func fcAckRequested(low byte) bool     { return low&fcAckRequest != 0 }
func fcPANCompressed(low byte) bool    { return low&fcPANCompress != 0 }
func fcDstAddrMode(high byte) byte     { return (high >> 2) & 0x03 }
func fcFrameVersion(high byte) byte    { return (high >> 4) & 0x03 }
func fcSrcAddrMode(high byte) byte     { return (high >> 6) & 0x03 }

// makeFCHigh assembles a frame control high byte from its three 2-bit fields.
func makeFCHigh(dstMode, version, srcMode byte) byte {
	return (dstMode&0x03)<<2 | (version&0x03)<<4 | (srcMode&0x03)<<6
}

// SecurityLevel is the CCM* security level negotiated at association time.
// It is not carried on the wire in OSNP's trimmed auxiliary security header
// (see §6 of the spec: the key-identifier mode field is implicit and never
// transmitted), so both peers must agree on it out of band.
type SecurityLevel uint8

const (
	SecurityNone        SecurityLevel = 0x00
	SecurityMIC32       SecurityLevel = 0x01
	SecurityMIC64       SecurityLevel = 0x02
	SecurityMIC128      SecurityLevel = 0x03
	SecurityEnc         SecurityLevel = 0x04
	SecurityEncMIC32    SecurityLevel = 0x05
	SecurityEncMIC64    SecurityLevel = 0x06
	SecurityEncMIC128   SecurityLevel = 0x07
)

// MICLength returns the message integrity code length implied by the
// security level's low two bits, regardless of whether encryption is also
// enabled (bit 2).
func (l SecurityLevel) MICLength() int {
	switch l & 0x03 {
	case 0x01:
		return 4
	case 0x02:
		return 8
	case 0x03:
		return 16
	default:
		return 0
	}
}

// Encrypted reports whether this security level also enables CCM* encryption
// of the payload, as opposed to authentication-only.
func (l SecurityLevel) Encrypted() bool { return l&SecurityEnc != 0 }

// MAC command codes, exactly as specified in §6.
const (
	MCmdAssociationReq    = 0x01
	MCmdAssociationRes    = 0x02
	MCmdDisassociated     = 0x03
	MCmdDataReq           = 0x04
	MCmdDiscover          = 0x07
	MCmdKeyUpdateReq      = 0x80
	MCmdKeyUpdateRes      = 0x81
	MCmdFrameCounterAlign = 0x82
)

// Application TLV container tags.
const (
	TagAppRequest  = 0xE0
	TagAppResponse = 0xE1
)

// Application-layer command error TLVs a CommandDispatcher may emit.
const (
	TagUnsupportedCommand    = 0xF0
	TagUnsupportedParameters = 0xF1
	TagSecurityError         = 0xF2
	TagDeviceBusy            = 0xF3
)

// TxStatus is the outcome of a radio transmit attempt.
type TxStatus uint8

const (
	TxOK TxStatus = iota
	TxNoAck
	TxChannelBusy
)
