// Copyright (c) 2022 0x9ef. All rights reserved.
// Use of this source code is governed by an MIT license
// that can be found in the LICENSE file.

// Package ccm implements the CCM* authenticated-encryption construction
// (IEEE 802.15.4 Annex B) directly on crypto/aes and crypto/cipher,
// following the same philosophy as a hardware security engine driver:
// build the construction by hand out of the block cipher primitive
// rather than reach for a higher-level AEAD package, since CCM*'s
// zero-length-MIC and MIC-without-encryption variants aren't expressible
// through crypto/cipher's stock AEAD interface.
package ccm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"github.com/0x9ef/osnp"
)

// ErrAuthenticationFailed is returned by Decrypt when the received MIC
// does not match the one computed over the recovered plaintext.
var ErrAuthenticationFailed = errors.New("ccm: authentication failed")

// Engine is a software osnp.CryptoEngine. It has no state and is safe for
// concurrent use.
type Engine struct{}

// Encrypt implements osnp.CryptoEngine.
func (Engine) Encrypt(key [16]byte, nonce [13]byte, level osnp.SecurityLevel, header, payload []byte) (ciphertext, mic []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, err
	}

	micLen := level.MICLength()

	ct := make([]byte, len(payload))
	if level.Encrypted() {
		ks := ctrKeystream(block, nonce, 1, len(payload))
		xorBytes(ct, payload, ks)
	} else {
		copy(ct, payload)
	}

	if micLen == 0 {
		return ct, nil, nil
	}

	tag := cbcMAC(block, nonce, header, payload, micLen)
	s0 := ctrKeystream(block, nonce, 0, 16)
	m := make([]byte, micLen)
	xorBytes(m, tag[:micLen], s0[:micLen])
	return ct, m, nil
}

// Decrypt implements osnp.CryptoEngine.
func (Engine) Decrypt(key [16]byte, nonce [13]byte, level osnp.SecurityLevel, header, ciphertext, mic []byte) (plaintext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	pt := make([]byte, len(ciphertext))
	if level.Encrypted() {
		ks := ctrKeystream(block, nonce, 1, len(ciphertext))
		xorBytes(pt, ciphertext, ks)
	} else {
		copy(pt, ciphertext)
	}

	micLen := level.MICLength()
	if micLen == 0 {
		return pt, nil
	}

	tag := cbcMAC(block, nonce, header, pt, micLen)
	s0 := ctrKeystream(block, nonce, 0, 16)
	want := make([]byte, micLen)
	xorBytes(want, tag[:micLen], s0[:micLen])

	if subtle.ConstantTimeCompare(want, mic) != 1 {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// cbcMAC computes the raw (untruncated, unmasked) CCM* MAC tag T over the
// B0/header/payload blocks by CBC-encrypting them with a zero IV and
// keeping the last ciphertext block — the chaining-value trick that makes
// CBC-MAC expressible directly as crypto/cipher.NewCBCEncrypter.
func cbcMAC(block cipher.Block, nonce [13]byte, header, payload []byte, micLen int) [16]byte {
	b0 := make([]byte, 16)
	var adataBit byte
	if len(header) > 0 {
		adataBit = 1
	}
	mPrime := byte((micLen - 2) / 2)
	b0[0] = adataBit<<6 | mPrime<<3 | 1 // L' = 1, i.e. L = 2
	copy(b0[1:14], nonce[:])
	binary.BigEndian.PutUint16(b0[14:16], uint16(len(payload)))

	msg := make([]byte, 0, 16+len(header)+len(payload)+32)
	msg = append(msg, b0...)

	if len(header) > 0 {
		la := make([]byte, 2)
		binary.BigEndian.PutUint16(la, uint16(len(header)))
		msg = append(msg, padTo16(append(la, header...))...)
	}

	msg = append(msg, padTo16(payload)...)

	iv := make([]byte, aes.BlockSize)
	mac := cipher.NewCBCEncrypter(block, iv)
	out := make([]byte, len(msg))
	mac.CryptBlocks(out, msg)

	var tag [16]byte
	copy(tag[:], out[len(out)-16:])
	return tag
}

// ctrKeystream produces n bytes of CCM* counter-mode keystream starting at
// block index counterStart; counterStart == 0 is reserved for masking the
// MIC tag itself (S0), payload encryption always starts at 1.
func ctrKeystream(block cipher.Block, nonce [13]byte, counterStart uint16, n int) []byte {
	a0 := make([]byte, 16)
	a0[0] = 1 // L' = 1, Adata and M' bits are 0 for counter blocks
	copy(a0[1:14], nonce[:])
	binary.BigEndian.PutUint16(a0[14:16], counterStart)

	out := make([]byte, n)
	cipher.NewCTR(block, a0).XORKeyStream(out, out)
	return out
}

func padTo16(b []byte) []byte {
	if len(b)%16 == 0 {
		return b
	}
	padded := make([]byte, (len(b)/16+1)*16)
	copy(padded, b)
	return padded
}
