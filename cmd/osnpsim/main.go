// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.

// Command osnpsim runs a small in-process network of simulated end
// devices over a loopback medium: all devices are pre-provisioned onto
// the same PAN and channel (hub/coordinator behavior is out of scope —
// see the module's design notes), associated from cold boot, and send
// DATA_REQ polls on their poll timers. Each device's dispatcher has a ping
// application command registered; no device originates a request
// container, so the ping handler is not invoked.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/0x9ef/osnp"
	"github.com/0x9ef/osnp/internal/ccm"
	"github.com/0x9ef/osnp/internal/config"
	"github.com/0x9ef/osnp/internal/dispatch"
	"github.com/0x9ef/osnp/internal/loopback"
)

const tagPing uint32 = 0x01

var sharedKey = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	devices := flag.Int("devices", 3, "number of end devices to simulate")
	duration := flag.Duration("duration", 5*time.Second, "how long to run the simulation")
	channel := flag.Uint("channel", 11, "shared provisioned channel")
	stateDir := flag.String("state-dir", "", "directory holding each device's <eui>.yaml identity file (defaults to a temp dir)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if *logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(logger, *devices, *duration, uint8(*channel), *stateDir); err != nil {
		logger.Error("simulation failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, deviceCount int, duration time.Duration, channel uint8, stateDir string) error {
	if stateDir == "" {
		dir, err := os.MkdirTemp("", "osnpsim-*")
		if err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		defer os.RemoveAll(dir)
		stateDir = dir
	}
	logger.Info("using state directory", "path", stateDir)

	medium := loopback.NewMedium(ccm.Engine{})

	echo := dispatch.New()
	echo.Register(tagPing, func(args []byte, associated bool) ([]byte, error) {
		if !associated {
			return nil, osnp.ErrNotAssociated
		}
		reply := make([]byte, len(args))
		copy(reply, args)
		return reply, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	for i := 0; i < deviceCount; i++ {
		name := fmt.Sprintf("device-%d", i+1)
		client, ep, err := newClient(logger, medium, stateDir, eui(i+1), channel)
		if err != nil {
			return fmt.Errorf("build %s: %w", name, err)
		}
		client.Dispatcher = echo
		if err := client.Init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", name, err)
		}
		go driveEvents(ctx, logger, name, client, ep)
	}

	<-ctx.Done()
	logger.Info("simulation finished")
	return nil
}

// newClient provisions an already-associated identity (shared PAN,
// channel and session keys) the first time it is opened, so every
// device starts directly in ASSOCIATED state and the simulation
// exercises polling rather than the association handshake, which
// requires a coordinator this module does not implement.
func newClient(logger *slog.Logger, medium *loopback.Medium, stateDir string, deviceEUI [8]byte, channel uint8) (*osnp.MacClient, *loopback.Endpoint, error) {
	path := filepath.Join(stateDir, fmt.Sprintf("%x.yaml", deviceEUI))
	store, err := config.Open(path, deviceEUI)
	if err != nil {
		return nil, nil, err
	}

	id, err := store.LoadIdentity()
	if err != nil {
		return nil, nil, err
	}
	if !id.Associated() {
		id.PAN = [2]byte{0xCD, 0xAB}
		id.Channel = channel
		id.TxKey = sharedKey
		id.RxKey = sharedKey
		id.SecurityLevel = osnp.SecurityEncMIC32
		id.RxCounterCeiling = osnp.DefaultCounterWindow
		id.TxCounterCeiling = osnp.DefaultCounterWindow
		if err := store.SaveIdentity(id); err != nil {
			return nil, nil, err
		}
	}

	client := osnp.NewMacClient(nil, nil, store, nil, logger.With("eui", hex.EncodeToString(deviceEUI[:])))
	ep := medium.Register(client)
	client.Radio, client.Timers = ep, ep
	return client, ep, nil
}

// driveEvents is the single dispatch loop an Endpoint's owner must run,
// serializing its timer/receive/send events into the MacClient exactly as
// the spec's deferred-ISR driver layer would.
func driveEvents(ctx context.Context, logger *slog.Logger, name string, client *osnp.MacClient, ep *loopback.Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ep.Events:
			var err error
			switch ev.Kind {
			case loopback.EventTimerExpired:
				err = client.OnTimerExpired(ctx)
			case loopback.EventFrameReceived:
				err = client.OnFrameReceived(ctx, ev.Buf, ev.Len)
			case loopback.EventFrameSent:
				err = client.OnFrameSent(ctx, ev.Status)
			}
			if err != nil {
				logger.Error("event handling failed", "device", name, "err", err)
			}
		}
	}
}

func eui(n int) [8]byte {
	var e [8]byte
	e[7] = byte(n)
	return e
}
