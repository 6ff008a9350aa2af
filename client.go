// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.
package osnp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// DeviceCapabilities is the capability byte OSNP advertises in its
// ASSOCIATION_RES. The individual bits are deployment-specific and are not
// interpreted by MacClient itself.
const DeviceCapabilities byte = 0x01

// MacClient is the four-state device lifecycle described by the spec:
// channel scan, awaiting association, associated, awaiting pending data.
// It is the only component in this module holding process-wide state —
// the TLV and frame codecs are pure functions over caller buffers. It is
// driven entirely by three events (OnTimerExpired, OnFrameReceived,
// OnFrameSent) dispatched from the driver layer's deferred-ISR context;
// handlers run to completion and never suspend, so MacClient is not meant
// to be called concurrently from more than one goroutine at a time — the
// one active-timer invariant and the shared scratch tx buffer both assume
// serialized callbacks, exactly as the driver layer guarantees.
type MacClient struct {
	Radio      Radio
	Timers     Timers
	Storage    Storage
	Dispatcher CommandDispatcher
	Logger     *slog.Logger

	// CounterWindow is the replay-ceiling stride; it defaults to
	// DefaultCounterWindow (128) if left zero.
	CounterWindow uint32

	id Identity
	rt RuntimeState

	txBuf  [MaxFrameLen]byte
	active timerKind
}

// NewMacClient builds a MacClient around its external collaborators. Call
// Init before feeding it any events.
func NewMacClient(radio Radio, timers Timers, storage Storage, dispatcher CommandDispatcher, logger *slog.Logger) *MacClient {
	return &MacClient{
		Radio:         radio,
		Timers:        timers,
		Storage:       storage,
		Dispatcher:    dispatcher,
		Logger:        logger,
		CounterWindow: DefaultCounterWindow,
	}
}

// State returns the client's current lifecycle state.
func (c *MacClient) State() State { return c.rt.State }

// Channel returns the channel the client currently believes it is on.
func (c *MacClient) Channel() uint8 { return c.rt.Channel }

// Identity returns a copy of the client's current persistent identity.
func (c *MacClient) Identity() Identity { return c.id }

// RxCounter returns the live receive frame counter.
func (c *MacClient) RxCounter() uint32 { return c.rt.RxCounter }

// TxCounter returns the live transmit frame counter.
func (c *MacClient) TxCounter() uint32 { return c.rt.TxCounter }

// Init loads identity from NV storage and enters the appropriate initial
// state: SCANNING_CHANNELS if the device has never associated, or
// ASSOCIATED (resuming the live counters from their persisted ceilings)
// otherwise. Init does not load or select any key; the identity's keys
// stay exactly as storage returned them.
func (c *MacClient) Init(ctx context.Context) error {
	id, err := c.Storage.LoadIdentity()
	if err != nil {
		return fmt.Errorf("osnp: load identity: %w", err)
	}
	c.id = id
	c.rt = RuntimeState{}

	if c.CounterWindow == 0 {
		c.CounterWindow = DefaultCounterWindow
	}

	if !id.Associated() {
		c.rt.Channel = 0
		c.rt.State = StateScanningChannels
		c.logDebug("cold boot, unassociated", "channel", c.rt.Channel)
		if err := c.armTimer(timerScanning); err != nil {
			return err
		}
	} else {
		c.rt.Channel = id.Channel
		c.rt.State = StateAssociated
		// The only thing NV storage remembers is the ceiling, so the
		// live counters resume from it — conservative, but guarantees
		// no counter is ever reused across a reset.
		c.rt.RxCounter = id.RxCounterCeiling
		c.rt.TxCounter = id.TxCounterCeiling
		c.rt.RxCeiling = id.RxCounterCeiling
		c.rt.TxCeiling = id.TxCounterCeiling
		c.logDebug("cold boot, resuming association", "channel", c.rt.Channel)
		if err := c.armTimer(timerPoll); err != nil {
			return err
		}
	}

	return c.Radio.SwitchChannel(ctx, c.rt.Channel)
}

func (c *MacClient) logDebug(msg string, args ...any) {
	if c.Logger != nil {
		c.Logger.Debug(msg, args...)
	}
}

// armTimer stops whichever timer is active (idempotent) and starts k,
// enforcing the single-armed-timer invariant. k is always one of this
// package's own timerKind constants, so ErrUnknownTimer only fires if a
// future state is added here without a matching case.
func (c *MacClient) armTimer(k timerKind) error {
	c.Timers.StopActive()
	switch k {
	case timerScanning:
		c.Timers.StartChannelScanning()
	case timerAssociationWait:
		c.Timers.StartAssociationWait()
	case timerPoll:
		c.Timers.StartPoll()
	case timerPendingWait:
		c.Timers.StartPendingDataWait()
	default:
		return fmt.Errorf("osnp: arm timer %d: %w", k, ErrUnknownTimer)
	}
	c.active = k
	return nil
}

func (c *MacClient) stopActiveTimer() {
	c.Timers.StopActive()
	c.active = timerNone
}

// OnTimerExpired handles the sole active timer's expiry, per state.
func (c *MacClient) OnTimerExpired(ctx context.Context) error {
	switch c.rt.State {
	case StateScanningChannels:
		c.rt.Channel = (c.rt.Channel + 1) % 16
		if err := c.Radio.SwitchChannel(ctx, c.rt.Channel); err != nil {
			return err
		}
		return c.armTimer(timerScanning)
	case StateWaitingAssociationRequest:
		c.rt.State = StateScanningChannels
		return c.armTimer(timerScanning)
	case StateAssociated:
		return c.Poll(ctx)
	case StateWaitingPendingData:
		c.rt.State = StateAssociated
		return c.armTimer(timerPoll)
	}
	return nil
}

// Poll sends a MAC DATA_REQ, the periodic poll for pending downlink data.
func (c *MacClient) Poll(ctx context.Context) error {
	fcLow := byte(FrameTypeMCmd) | fcAckRequest
	fcHigh := makeFCHigh(AddrModeNone, 0, AddrModeExt)
	f, err := c.InitializeFrame(fcLow, fcHigh)
	if err != nil {
		return err
	}
	p := f.PayloadCap()
	p[0] = MCmdDataReq
	f.SetPayloadLen(1)
	return c.Radio.Transmit(ctx, f)
}

// InitializeFrame writes fc_low/fc_high/sequence number into the shared
// scratch buffer, fills in source PAN/address from identity, and — when
// security is enabled in fcLow — writes and advances the live transmit
// frame counter, persisting the ceiling if this send crossed it. This is
// the "glue" layer: the pure frame.go codec knows nothing of identity or
// counters.
func (c *MacClient) InitializeFrame(fcLow, fcHigh byte) (*Frame, error) {
	f := initializeFrame(c.txBuf[:], fcLow, fcHigh, c.rt.SeqNo)
	c.rt.SeqNo++

	if pan, ok := f.SrcPAN(); ok {
		copy(pan, c.id.PAN[:])
	}
	if addr, ok := f.SrcAddr(); ok && len(addr) == 8 {
		copy(addr, c.id.EUI[:])
	}

	if fcSecurityEnabled(fcLow) {
		f.SetFrameCounter(c.rt.TxCounter)
		f.SetKeyCounter(0x01)
		c.rt.TxCounter++

		next, crossed := advanceCeiling(c.rt.TxCounter, c.rt.TxCeiling, c.CounterWindow)
		if crossed {
			c.rt.TxCeiling = next
			c.id.TxCounterCeiling = next
			if err := c.Storage.SaveIdentity(c.id); err != nil {
				return nil, fmt.Errorf("osnp: persist tx ceiling: %w", err)
			}
		}
	}

	return f, nil
}

// InitializeResponseFrame builds dst as a response to src: frame-pending
// cleared, destination addressing mode set to the source's source mode,
// source addressing mode forced to EXT, security enabled iff currently
// associated. PAN and address are copied source→destination (preferring
// the peer's source PAN, falling back to its destination PAN); the frame
// counter and key counter are always re-derived by InitializeFrame, never
// copied.
func (c *MacClient) InitializeResponseFrame(src *Frame) (*Frame, error) {
	fcLow := src.FCLow() &^ byte(fcFramePending|fcSecEnabled)
	if c.rt.State >= StateAssociated {
		fcLow |= fcSecEnabled
	}

	srcFCHigh := src.FCHigh()
	fcHigh := ((srcFCHigh & 0xC0) >> 4) | (srcFCHigh & 0x30) | (byte(AddrModeExt) << 6)

	dst, err := c.InitializeFrame(fcLow, fcHigh)
	if err != nil {
		return nil, err
	}

	if dstPAN, ok := dst.DstPAN(); ok {
		if srcPAN, ok := src.SrcPAN(); ok {
			copy(dstPAN, srcPAN)
		} else if srcDstPAN, ok := src.DstPAN(); ok {
			copy(dstPAN, srcDstPAN)
		}
	}

	if dstAddr, ok := dst.DstAddr(); ok {
		if srcAddr, ok := src.SrcAddr(); ok {
			n := len(dstAddr)
			if len(srcAddr) < n {
				n = len(srcAddr)
			}
			copy(dstAddr, srcAddr[:n])
		}
	}

	return dst, nil
}

// OnFrameReceived runs the receive pipeline: parse, adjust state, verify
// and update the rx counter (when associated), then dispatch by frame
// type.
func (c *MacClient) OnFrameReceived(ctx context.Context, buf []byte, frameLen int) error {
	f, err := ParseFrame(buf, frameLen, c.id.SecurityLevel)
	if err != nil {
		c.logDebug("discarding malformed frame", "err", err)
		return nil
	}

	if c.rt.State == StateScanningChannels {
		c.rt.State = StateWaitingAssociationRequest
	} else if c.rt.State == StateAssociated && f.FramePending() {
		c.rt.State = StateWaitingPendingData
	}

	if c.rt.State >= StateAssociated {
		if !f.SecurityEnabled() {
			c.logDebug("discarding unsecured frame while associated")
			return c.armTimer(timerPoll)
		}

		counter, _ := f.FrameCounter()
		if counter <= c.rt.RxCounter {
			return c.sendFrameCounterAlign(ctx, f)
		}

		c.rt.RxCounter = counter
		next, crossed := advanceCeiling(c.rt.RxCounter, c.rt.RxCeiling, c.CounterWindow)
		if crossed {
			c.rt.RxCeiling = next
			c.id.RxCounterCeiling = next
			if err := c.Storage.SaveIdentity(c.id); err != nil {
				return fmt.Errorf("osnp: persist rx ceiling: %w", err)
			}
		}
	}

	switch f.FrameType() {
	case FrameTypeData:
		return c.dataFrameReceived(ctx, f)
	case FrameTypeMCmd:
		return c.macCommandReceived(ctx, f)
	}
	return nil
}

// sendFrameCounterAlign answers a replayed/behind frame counter with a
// FRAME_COUNTER_ALIGN command carrying the expected next counter. This is
// recovery, not a local error: state is left unchanged and the live rx
// counter is not accepted.
func (c *MacClient) sendFrameCounterAlign(ctx context.Context, src *Frame) error {
	expected := c.rt.RxCounter + 1

	tx, err := c.InitializeResponseFrame(src)
	if err != nil {
		return err
	}
	p := tx.PayloadCap()
	p[0] = MCmdFrameCounterAlign
	binary.LittleEndian.PutUint32(p[1:5], expected)
	tx.SetPayloadLen(5)
	return c.Radio.Transmit(ctx, tx)
}

// dataFrameReceived is the TLV command loop (§4.3.1): require the request
// container tag 0xE0, build a 0xE1 response container, and repeatedly hand
// off to the application CommandDispatcher until the request container is
// exhausted.
func (c *MacClient) dataFrameReceived(ctx context.Context, src *Frame) error {
	payload := src.Payload()
	if len(payload) == 0 {
		return nil
	}

	i := 0
	tag, n, err := ReadTag(payload[i:])
	if err != nil {
		c.logDebug("discarding data frame with malformed tag", "err", err)
		return nil
	}
	i += n

	if tag != TagAppRequest {
		return nil
	}

	length, n := ReadLength(payload[i:])
	i += n

	var end int
	if length.Indefinite {
		// The request container's extent runs to its own two-byte
		// terminator, which the dispatcher loop must not consume.
		end = len(payload) - 2
	} else {
		end = i + int(length.Value)
	}

	tx, err := c.InitializeResponseFrame(src)
	if err != nil {
		return err
	}
	txPayload := tx.PayloadCap()
	j := 0
	j += WriteTag(txPayload[j:], TagAppResponse)
	j += WriteIndefiniteLength(txPayload[j:])

	if c.Dispatcher != nil {
		associated := c.rt.State >= StateAssociated
		for i < end {
			if err := c.Dispatcher.ProcessCommand(src, &i, tx, &j, associated); err != nil {
				c.logDebug("command dispatcher aborted", "err", err)
				break
			}
		}
	}

	j += WriteIndefiniteLengthTerminator(txPayload[j:])
	tx.SetPayloadLen(j)
	return c.Radio.Transmit(ctx, tx)
}

// macCommandReceived dispatches a MAC command frame by code, restricting
// which commands are accepted based on association state.
func (c *MacClient) macCommandReceived(ctx context.Context, f *Frame) error {
	payload := f.Payload()
	if len(payload) == 0 {
		return nil
	}
	cmd := payload[0]

	if c.rt.State < StateAssociated {
		switch cmd {
		case MCmdDiscover:
			return c.handleDiscover(ctx, f)
		case MCmdAssociationReq:
			return c.handleAssociationRequest(ctx, f)
		}
		return nil
	}

	switch cmd {
	case MCmdDisassociated:
		return c.handleDisassociation(ctx)
	case MCmdKeyUpdateReq:
		return c.handleKeyUpdate(ctx, f)
	}
	return nil
}

// handleDiscover answers a DISCOVER with a DISCOVER response and cancels
// the timer that was active (the channel-scanning timer, armed before
// OnFrameReceived promoted state to WAITING_ASSOCIATION_REQUEST). The
// association-wait timer is armed later by OnFrameSent.
func (c *MacClient) handleDiscover(ctx context.Context, src *Frame) error {
	tx, err := c.InitializeResponseFrame(src)
	if err != nil {
		return err
	}
	p := tx.PayloadCap()
	p[0] = MCmdDiscover
	tx.SetPayloadLen(1)

	if err := c.Radio.Transmit(ctx, tx); err != nil {
		return err
	}
	c.stopActiveTimer()
	return nil
}

// handleAssociationRequest completes an association: persists the peer's
// PAN and the current channel, resets session keys and counters, and
// replies with ASSOCIATION_RES. The response uses no destination
// addressing, matching the request's implicit one-hop context.
func (c *MacClient) handleAssociationRequest(ctx context.Context, src *Frame) error {
	if srcPAN, ok := src.SrcPAN(); ok {
		copy(c.id.PAN[:], srcPAN)
	}
	c.id.Channel = c.rt.Channel
	c.resetSecurity(src.Payload())

	if err := c.Storage.SaveIdentity(c.id); err != nil {
		return fmt.Errorf("osnp: persist association: %w", err)
	}

	c.stopActiveTimer()
	c.rt.State = StateAssociated

	fcLow := byte(FrameTypeMCmd) | fcAckRequest | fcSecEnabled
	fcHigh := makeFCHigh(AddrModeNone, 0, AddrModeExt)
	tx, err := c.InitializeFrame(fcLow, fcHigh)
	if err != nil {
		return err
	}
	p := tx.PayloadCap()
	p[0] = MCmdAssociationRes
	p[1] = DeviceCapabilities
	p[2] = byte(c.id.SecurityLevel)
	tx.SetPayloadLen(3)
	return c.Radio.Transmit(ctx, tx)
}

// handleDisassociation clears the PAN, persists the unassociated channel
// sentinel, and returns to channel scanning. The identity's keys are left
// unchanged; no master key is loaded here.
func (c *MacClient) handleDisassociation(ctx context.Context) error {
	c.id.PAN = [2]byte{}
	c.id.Channel = ChannelUnassociated
	if err := c.Storage.SaveIdentity(c.id); err != nil {
		return fmt.Errorf("osnp: persist disassociation: %w", err)
	}

	c.rt.Channel = 0
	c.rt.State = StateScanningChannels
	return c.armTimer(timerScanning)
}

// handleKeyUpdate runs the key-reset subroutine and answers with
// KEY_UPDATE_RES. Its own rx counter check already happened in
// OnFrameReceived, before the counters are restarted at 0/ceiling=window.
func (c *MacClient) handleKeyUpdate(ctx context.Context, src *Frame) error {
	c.resetSecurity(src.Payload())
	if err := c.Storage.SaveIdentity(c.id); err != nil {
		return fmt.Errorf("osnp: persist key update: %w", err)
	}

	tx, err := c.InitializeResponseFrame(src)
	if err != nil {
		return err
	}
	p := tx.PayloadCap()
	p[0] = MCmdKeyUpdateRes
	tx.SetPayloadLen(1)
	return c.Radio.Transmit(ctx, tx)
}

// resetSecurity writes rx/tx session keys from payload[1:17) and
// payload[17:33), and restarts both live counters at 0 with their
// ceilings at exactly one window. A payload shorter than 33 bytes leaves
// the keys unchanged but still restarts the counters.
func (c *MacClient) resetSecurity(payload []byte) {
	if len(payload) >= 33 {
		copy(c.id.RxKey[:], payload[1:17])
		copy(c.id.TxKey[:], payload[17:33])
	}

	c.rt.RxCounter = 0
	c.rt.RxCeiling = c.CounterWindow
	c.id.RxCounterCeiling = c.CounterWindow

	c.rt.TxCounter = 0
	c.rt.TxCeiling = c.CounterWindow
	c.id.TxCounterCeiling = c.CounterWindow
}

// OnFrameSent handles a transmit-completion callback: re-arm the timer
// appropriate to the current state, and when associated with an OK status
// and the radio reports pending frames, move to WAITING_PENDING_DATA
// instead of going straight back to polling.
func (c *MacClient) OnFrameSent(ctx context.Context, status TxStatus) error {
	switch c.rt.State {
	case StateScanningChannels:
		return c.armTimer(timerScanning)
	case StateWaitingAssociationRequest:
		return c.armTimer(timerAssociationWait)
	case StateAssociated, StateWaitingPendingData:
		if status == TxOK && c.Radio.PendingFrames() {
			c.rt.State = StateWaitingPendingData
			return c.armTimer(timerPendingWait)
		}
		c.rt.State = StateAssociated
		return c.armTimer(timerPoll)
	}
	return nil
}
