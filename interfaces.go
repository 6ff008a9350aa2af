// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package osnp

import "context"

// Radio is the external radio driver collaborator: channel switching,
// transmission, and a pending-frame query used when deciding whether to
// linger in WAITING_PENDING_DATA after a poll.
type Radio interface {
	SwitchChannel(ctx context.Context, channel uint8) error
	Transmit(ctx context.Context, frame *Frame) error
	PendingFrames() bool
}

// Timers is the external timer driver collaborator: four named one-shot
// timers plus a single idempotent cancel. MacClient never arms more than
// one at a time.
type Timers interface {
	StartChannelScanning()
	StartAssociationWait()
	StartPoll()
	StartPendingDataWait()
	StopActive()
}

// Storage is the external NV storage collaborator for device identity.
type Storage interface {
	LoadIdentity() (Identity, error)
	SaveIdentity(Identity) error
}

// CryptoEngine is the external cryptographic collaborator performing CCM*
// over the frame's addressing header (as additional authenticated data)
// and payload. header is the exact bytes from the frame control byte
// through the auxiliary security header, as transmitted.
type CryptoEngine interface {
	Encrypt(key [16]byte, nonce [13]byte, level SecurityLevel, header, payload []byte) (ciphertext, mic []byte, err error)
	Decrypt(key [16]byte, nonce [13]byte, level SecurityLevel, header, ciphertext, mic []byte) (plaintext []byte, err error)
}

// CommandDispatcher is the external application-layer collaborator. It
// must advance both cursors past exactly one consumed TLV (read from src
// starting at *srcCursor) and one produced TLV (written to tx starting at
// *txCursor), and may instead produce one of the documented error TLVs.
type CommandDispatcher interface {
	ProcessCommand(src *Frame, srcCursor *int, tx *Frame, txCursor *int, associated bool) error
}
