// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package osnp

// State is one of the four MAC-client lifecycle states.
type State uint8

const (
	StateScanningChannels State = iota
	StateWaitingAssociationRequest
	StateAssociated
	StateWaitingPendingData
)

func (s State) String() string {
	switch s {
	case StateScanningChannels:
		return "SCANNING_CHANNELS"
	case StateWaitingAssociationRequest:
		return "WAITING_ASSOCIATION_REQUEST"
	case StateAssociated:
		return "ASSOCIATED"
	case StateWaitingPendingData:
		return "WAITING_PENDING_DATA"
	default:
		return "UNKNOWN"
	}
}

// timerKind identifies which of the four named one-shot timers is active.
// Only one is ever armed at a time.
type timerKind uint8

const (
	timerNone timerKind = iota
	timerScanning
	timerAssociationWait
	timerPoll
	timerPendingWait
)
