// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package osnp

// ChannelUnassociated is the sentinel persisted channel value meaning "this
// device has never associated (or has been disassociated)".
const ChannelUnassociated uint8 = 0xFF

// DefaultCounterWindow is the replay-ceiling stride written to NV storage
// when a MacClient is not configured with an explicit one.
const DefaultCounterWindow uint32 = 128

// Identity is the persistent device identity: everything loaded from NV
// storage at initialization and written back by association,
// disassociation and key-update handlers.
type Identity struct {
	EUI     [8]byte
	PAN     [2]byte
	Channel uint8 // 0..15, or ChannelUnassociated

	MasterKey [16]byte
	RxKey     [16]byte
	TxKey     [16]byte

	RxCounterCeiling uint32
	TxCounterCeiling uint32

	SecurityLevel SecurityLevel
}

// Associated reports whether Channel names a real channel rather than the
// unassociated sentinel.
func (id Identity) Associated() bool { return id.Channel != ChannelUnassociated }

// RuntimeState is the volatile counterpart of Identity: the live values a
// MacClient mutates every event, only some of which get persisted back
// through Identity.
type RuntimeState struct {
	SeqNo   uint8
	State   State
	Channel uint8

	RxCounter uint32
	TxCounter uint32

	// RxCeiling/TxCeiling mirror Identity's persisted ceilings while the
	// client is running; they only move forward, in CounterWindow strides.
	RxCeiling uint32
	TxCeiling uint32
}
