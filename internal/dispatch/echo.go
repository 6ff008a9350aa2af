// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.

// Package dispatch implements osnp.CommandDispatcher: a small
// command-code-to-handler registry in the spirit of the fixed
// control-frame command table an NPI-style serial protocol uses — one
// byte command, one small fixed reply — except each command here is
// itself carried as a nested TLV inside the application request
// container rather than a fixed-offset struct.
package dispatch

import (
	"errors"

	"github.com/0x9ef/osnp"
)

// ErrMalformedCommand is returned when a command TLV inside the request
// container cannot be read at all (as opposed to a registered handler
// rejecting its arguments, which produces an application error TLV
// instead of aborting the whole container).
var ErrMalformedCommand = errors.New("dispatch: malformed command TLV")

// Handler services one application command's argument bytes and produces
// its reply value. Returning osnp.ErrNotAssociated or osnp.ErrDeviceBusy
// is translated into the matching application error TLV; any other error
// becomes UNSUPPORTED_PARAMETERS.
type Handler func(args []byte, associated bool) (reply []byte, err error)

// Echo is a CommandDispatcher backed by a tag-keyed Handler table. The
// zero value is not usable; construct with New.
type Echo struct {
	handlers map[uint32]Handler
}

// New builds an empty Echo dispatcher.
func New() *Echo {
	return &Echo{handlers: make(map[uint32]Handler)}
}

// Register binds tag to h, replacing any previous handler for tag.
func (e *Echo) Register(tag uint32, h Handler) {
	e.handlers[tag] = h
}

// ProcessCommand implements osnp.CommandDispatcher: it reads exactly one
// tag/length/value command from src at *srcCursor, dispatches it to the
// matching Handler, and writes exactly one reply TLV to tx at *txCursor —
// either the handler's own reply (tagged the same as the request) or one
// of the documented application error TLVs. Only a command that cannot be
// parsed at all aborts the container by returning a non-nil error.
func (e *Echo) ProcessCommand(src *osnp.Frame, srcCursor *int, tx *osnp.Frame, txCursor *int, associated bool) error {
	payload := src.Payload()
	if *srcCursor >= len(payload) {
		return ErrMalformedCommand
	}

	tag, n, err := osnp.ReadTag(payload[*srcCursor:])
	if err != nil {
		return ErrMalformedCommand
	}
	cursor := *srcCursor + n

	length, n := osnp.ReadLength(payload[cursor:])
	if length.Indefinite {
		return ErrMalformedCommand
	}
	cursor += n

	end := cursor + int(length.Value)
	if end > len(payload) {
		return ErrMalformedCommand
	}
	args := payload[cursor:end]
	*srcCursor = end

	h, ok := e.handlers[tag]
	if !ok {
		e.writeTLV(tx, txCursor, osnp.TagUnsupportedCommand, nil)
		return nil
	}

	reply, err := h(args, associated)
	switch {
	case err == nil:
		e.writeTLV(tx, txCursor, tag, reply)
	case errors.Is(err, osnp.ErrNotAssociated):
		e.writeTLV(tx, txCursor, osnp.TagSecurityError, nil)
	case errors.Is(err, osnp.ErrDeviceBusy):
		e.writeTLV(tx, txCursor, osnp.TagDeviceBusy, nil)
	default:
		e.writeTLV(tx, txCursor, osnp.TagUnsupportedParameters, nil)
	}
	return nil
}

func (e *Echo) writeTLV(tx *osnp.Frame, txCursor *int, tag uint32, value []byte) {
	txPayload := tx.PayloadCap()
	*txCursor += osnp.WriteTag(txPayload[*txCursor:], tag)
	*txCursor += osnp.WriteLength(txPayload[*txCursor:], uint32(len(value)))
	*txCursor += copy(txPayload[*txCursor:], value)
}
