// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.

// Package config implements osnp.Storage on top of a single YAML file,
// the way a real embedded device would back identity onto a flash-backed
// NV record instead: every SaveIdentity call is a full rewrite, not an
// incremental patch.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/0x9ef/osnp"
)

// Document is the on-disk YAML representation of an osnp.Identity. Keys
// and addresses are hex strings rather than byte arrays so the file stays
// editable by hand for bring-up.
type Document struct {
	EUI     string `yaml:"eui"`
	PAN     string `yaml:"pan"`
	Channel uint8  `yaml:"channel"`

	MasterKey string `yaml:"master_key"`
	RxKey     string `yaml:"rx_key"`
	TxKey     string `yaml:"tx_key"`

	RxCounterCeiling uint32 `yaml:"rx_counter_ceiling"`
	TxCounterCeiling uint32 `yaml:"tx_counter_ceiling"`

	SecurityLevel uint8 `yaml:"security_level"`
}

// Store is an osnp.Storage backed by a YAML file on disk.
type Store struct {
	path string
}

// Open resolves a Store against path. The file need not exist yet: a
// never-associated identity is synthesized from eui if it is missing,
// matching a factory-fresh device whose NV record has never been written.
func Open(path string, eui [8]byte) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s := &Store{path: path}
		return s, s.SaveIdentity(osnp.Identity{
			EUI:     eui,
			Channel: osnp.ChannelUnassociated,
		})
	}
	return &Store{path: path}, nil
}

// LoadIdentity implements osnp.Storage.
func (s *Store) LoadIdentity() (osnp.Identity, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return osnp.Identity{}, fmt.Errorf("config: read identity: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return osnp.Identity{}, fmt.Errorf("config: parse identity yaml: %w", err)
	}
	return doc.toIdentity()
}

// SaveIdentity implements osnp.Storage, rewriting the whole file.
func (s *Store) SaveIdentity(id osnp.Identity) error {
	doc := fromIdentity(id)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("config: create identity dir: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("config: encode identity: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: flush identity: %w", err)
	}

	if err := os.WriteFile(s.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write identity: %w", err)
	}
	return nil
}

func (doc Document) toIdentity() (osnp.Identity, error) {
	var id osnp.Identity

	eui, err := decodeFixed(doc.EUI, len(id.EUI))
	if err != nil {
		return id, fmt.Errorf("config: eui: %w", err)
	}
	copy(id.EUI[:], eui)

	pan, err := decodeFixed(doc.PAN, len(id.PAN))
	if err != nil {
		return id, fmt.Errorf("config: pan: %w", err)
	}
	copy(id.PAN[:], pan)

	master, err := decodeFixed(doc.MasterKey, len(id.MasterKey))
	if err != nil {
		return id, fmt.Errorf("config: master_key: %w", err)
	}
	copy(id.MasterKey[:], master)

	rxKey, err := decodeFixed(doc.RxKey, len(id.RxKey))
	if err != nil {
		return id, fmt.Errorf("config: rx_key: %w", err)
	}
	copy(id.RxKey[:], rxKey)

	txKey, err := decodeFixed(doc.TxKey, len(id.TxKey))
	if err != nil {
		return id, fmt.Errorf("config: tx_key: %w", err)
	}
	copy(id.TxKey[:], txKey)

	id.Channel = doc.Channel
	id.RxCounterCeiling = doc.RxCounterCeiling
	id.TxCounterCeiling = doc.TxCounterCeiling
	id.SecurityLevel = osnp.SecurityLevel(doc.SecurityLevel)
	return id, nil
}

func fromIdentity(id osnp.Identity) Document {
	return Document{
		EUI:              hex.EncodeToString(id.EUI[:]),
		PAN:              hex.EncodeToString(id.PAN[:]),
		Channel:          id.Channel,
		MasterKey:        hex.EncodeToString(id.MasterKey[:]),
		RxKey:            hex.EncodeToString(id.RxKey[:]),
		TxKey:            hex.EncodeToString(id.TxKey[:]),
		RxCounterCeiling: id.RxCounterCeiling,
		TxCounterCeiling: id.TxCounterCeiling,
		SecurityLevel:    uint8(id.SecurityLevel),
	}
}

// decodeFixed hex-decodes s, treating an empty string as n zero bytes (a
// field never written yet).
func decodeFixed(s string, n int) ([]byte, error) {
	if s == "" {
		return make([]byte, n), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}
