// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.

// Package loopback is an in-process simulation of the radio and timer
// collaborators a MacClient needs, for tests and the cmd/osnpsim demo.
// It runs a CryptoEngine at frame delivery, the way a real radio's
// security hardware sits between the MAC layer and the air: MacClient
// itself never touches ciphertext, exactly as in the original firmware.
package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/0x9ef/osnp"
)

// EventKind discriminates the events an Endpoint delivers to its owner's
// dispatch loop.
type EventKind uint8

const (
	EventTimerExpired EventKind = iota
	EventFrameReceived
	EventFrameSent
)

// Event is a single occurrence an Endpoint's owner must feed back into its
// MacClient via OnTimerExpired / OnFrameReceived / OnFrameSent, serialized
// through a single dispatch loop.
type Event struct {
	Kind   EventKind
	Status osnp.TxStatus
	Buf    []byte
	Len    int
}

// Medium is a shared-channel loopback radio: frames transmitted by one
// registered Endpoint are delivered to every other Endpoint currently
// tuned to the same channel. Timer durations default to short,
// simulation-friendly values; override them before registering endpoints.
type Medium struct {
	Crypto osnp.CryptoEngine

	ScanDwell       time.Duration
	AssociationWait time.Duration
	PollInterval    time.Duration
	PendingDataWait time.Duration

	mu        sync.Mutex
	endpoints []*Endpoint
}

// NewMedium builds a Medium with simulation-scale default timer durations.
func NewMedium(crypto osnp.CryptoEngine) *Medium {
	return &Medium{
		Crypto:          crypto,
		ScanDwell:       20 * time.Millisecond,
		AssociationWait: 100 * time.Millisecond,
		PollInterval:    200 * time.Millisecond,
		PendingDataWait: 50 * time.Millisecond,
	}
}

// Register binds client to a new Endpoint. The returned Endpoint
// implements both osnp.Radio and osnp.Timers; pass it as both when
// constructing the MacClient.
func (m *Medium) Register(client *osnp.MacClient) *Endpoint {
	ep := &Endpoint{
		Events: make(chan Event, 16),
		medium: m,
		client: client,
	}
	m.mu.Lock()
	m.endpoints = append(m.endpoints, ep)
	m.mu.Unlock()
	return ep
}

func (m *Medium) deliver(sender *Endpoint, f *osnp.Frame) {
	header := f.Buf()[:f.HeaderLen()+f.SecHeaderLen()]
	payload := f.Payload()
	secured := f.SecurityEnabled()
	senderID := sender.client.Identity()

	m.mu.Lock()
	recipients := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		if ep != sender && ep.tunedChannel() == sender.tunedChannel() {
			recipients = append(recipients, ep)
		}
	}
	m.mu.Unlock()

	for _, r := range recipients {
		buf, n, ok := m.encodeFor(r, f, header, payload, secured, senderID)
		if !ok {
			continue
		}
		select {
		case r.Events <- Event{Kind: EventFrameReceived, Buf: buf, Len: n}:
		default:
			// Receiver's event queue is saturated; the frame is lost, as
			// it would be on a congested real radio channel.
		}
	}
}

func (m *Medium) encodeFor(r *Endpoint, f *osnp.Frame, header, payload []byte, secured bool, senderID osnp.Identity) (buf []byte, n int, ok bool) {
	if !secured {
		buf = make([]byte, len(header)+len(payload)+2)
		n = copy(buf, header)
		n += copy(buf[n:], payload)
		n += 2
		return buf, n, true
	}

	if m.Crypto == nil {
		return nil, 0, false
	}

	nonce := nonceFor(f, senderID)
	ciphertext, mic, err := m.Crypto.Encrypt(senderID.TxKey, nonce, senderID.SecurityLevel, header, payload)
	if err != nil {
		return nil, 0, false
	}

	buf = make([]byte, len(header)+len(ciphertext)+len(mic)+2)
	n = copy(buf, header)
	n += copy(buf[n:], ciphertext)
	n += copy(buf[n:], mic)
	n += 2

	rID := r.client.Identity()
	rf, err := osnp.ParseFrame(buf, n, rID.SecurityLevel)
	if err != nil {
		return nil, 0, false
	}
	plaintext, err := m.Crypto.Decrypt(rID.RxKey, nonce, rID.SecurityLevel, header, rf.Payload(), mic)
	if err != nil {
		// Authentication failure: the frame is silently dropped, same as
		// any other malformed frame.
		return nil, 0, false
	}
	copy(rf.Payload(), plaintext)
	return buf, n, true
}

// nonceFor builds the 13-byte CCM* nonce: the frame's source extended
// address, its little-endian frame counter, and the security level byte —
// the standard IEEE 802.15.4 security nonce construction.
func nonceFor(f *osnp.Frame, srcID osnp.Identity) [13]byte {
	var nonce [13]byte
	copy(nonce[:8], srcID.EUI[:])
	counter, _ := f.FrameCounter()
	nonce[8] = byte(counter)
	nonce[9] = byte(counter >> 8)
	nonce[10] = byte(counter >> 16)
	nonce[11] = byte(counter >> 24)
	nonce[12] = byte(srcID.SecurityLevel)
	return nonce
}

// Endpoint is one station's view of a Medium: an osnp.Radio and
// osnp.Timers implementation whose events arrive on Events for the
// owner's single dispatch loop to apply to its MacClient.
type Endpoint struct {
	Events chan Event

	medium *Medium
	client *osnp.MacClient

	mu      sync.Mutex
	channel uint8
	pending bool
	timer   *time.Timer
}

func (e *Endpoint) tunedChannel() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// SwitchChannel implements osnp.Radio.
func (e *Endpoint) SwitchChannel(ctx context.Context, channel uint8) error {
	e.mu.Lock()
	e.channel = channel
	e.mu.Unlock()
	return nil
}

// Transmit implements osnp.Radio, delivering f to every other Endpoint
// tuned to the same channel and reporting the send as immediately
// successful.
func (e *Endpoint) Transmit(ctx context.Context, f *osnp.Frame) error {
	e.medium.deliver(e, f)
	select {
	case e.Events <- Event{Kind: EventFrameSent, Status: osnp.TxOK}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// PendingFrames implements osnp.Radio.
func (e *Endpoint) PendingFrames() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// SetPending lets a simulated coordinator announce queued downlink data,
// driving its peers' WAITING_PENDING_DATA transitions.
func (e *Endpoint) SetPending(p bool) {
	e.mu.Lock()
	e.pending = p
	e.mu.Unlock()
}

func (e *Endpoint) arm(d time.Duration) {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, func() {
		select {
		case e.Events <- Event{Kind: EventTimerExpired}:
		default:
		}
	})
	e.mu.Unlock()
}

// StartChannelScanning implements osnp.Timers.
func (e *Endpoint) StartChannelScanning() { e.arm(e.medium.ScanDwell) }

// StartAssociationWait implements osnp.Timers.
func (e *Endpoint) StartAssociationWait() { e.arm(e.medium.AssociationWait) }

// StartPoll implements osnp.Timers.
func (e *Endpoint) StartPoll() { e.arm(e.medium.PollInterval) }

// StartPendingDataWait implements osnp.Timers.
func (e *Endpoint) StartPendingDataWait() { e.arm(e.medium.PendingDataWait) }

// StopActive implements osnp.Timers.
func (e *Endpoint) StopActive() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
}
