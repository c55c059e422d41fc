// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package mediacrypto derives per-generation AEAD keys from an MLS exporter
// base key and encrypts/decrypts media frames with AES-128-GCM (C5). The
// key schedule, frame counter layout, and AAD field order are ported
// byte-for-byte from the reference implementation's media_crypto module.
package mediacrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/sage-x-project/marmot-chat/internal/metrics"
)

const cryptoAlgorithm = "aes-128-gcm"

const cacheTTL = 10 * time.Second

type generationKeys struct {
	aeadKey   [16]byte
	nonceSalt [12]byte
	createdAt time.Time
}

// Crypto derives and caches per-generation keys for one (sender, track,
// epoch) base key and performs framed AEAD encrypt/decrypt.
type Crypto struct {
	mu      sync.Mutex
	baseKey [32]byte
	cache   map[uint8]generationKeys
}

// New creates a Crypto instance bound to a 32-byte MLS exporter base key.
func New(baseKey [32]byte) *Crypto {
	return &Crypto{baseKey: baseKey, cache: make(map[uint8]generationKeys)}
}

// Encrypt seals plaintext under the key for counter's generation byte,
// binding aad. counter's top 8 bits select the generation; the low 24 bits
// index frames within it.
func (c *Crypto) Encrypt(plaintext []byte, counter uint32, aad []byte) ([]byte, error) {
	start := time.Now()
	gcm, nonce, err := c.cipherFor(counter)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	metrics.CryptoOperations.WithLabelValues("encrypt", cryptoAlgorithm).Inc()
	metrics.CryptoOperationDuration.WithLabelValues("encrypt", cryptoAlgorithm).Observe(time.Since(start).Seconds())
	return sealed, nil
}

// Decrypt opens ciphertext produced by Encrypt with the same counter and aad.
func (c *Crypto) Decrypt(ciphertext []byte, counter uint32, aad []byte) ([]byte, error) {
	start := time.Now()
	gcm, nonce, err := c.cipherFor(counter)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return nil, fmt.Errorf("mediacrypto: decrypt: %w", err)
	}
	metrics.CryptoOperations.WithLabelValues("decrypt", cryptoAlgorithm).Inc()
	metrics.CryptoOperationDuration.WithLabelValues("decrypt", cryptoAlgorithm).Observe(time.Since(start).Seconds())
	return plain, nil
}

func (c *Crypto) cipherFor(counter uint32) (cipher.AEAD, []byte, error) {
	generation := uint8(counter >> 24)
	keys, err := c.generationKeys(generation)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(keys.aeadKey[:])
	if err != nil {
		return nil, nil, fmt.Errorf("mediacrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("mediacrypto: new gcm: %w", err)
	}
	return gcm, constructNonce(keys.nonceSalt, counter), nil
}

func (c *Crypto) generationKeys(generation uint8) (generationKeys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for gen, keys := range c.cache {
		if now.Sub(keys.createdAt) >= cacheTTL {
			delete(c.cache, gen)
		}
	}

	if keys, ok := c.cache[generation]; ok {
		return keys, nil
	}

	keys, err := c.deriveGenerationKeys(generation)
	if err != nil {
		return generationKeys{}, err
	}
	keys.createdAt = now
	c.cache[generation] = keys
	return keys, nil
}

func (c *Crypto) deriveGenerationKeys(generation uint8) (generationKeys, error) {
	var keys generationKeys

	kReader := hkdf.New(sha256.New, c.baseKey[:], nil, []byte{'k', generation})
	if _, err := io.ReadFull(kReader, keys.aeadKey[:]); err != nil {
		return generationKeys{}, fmt.Errorf("mediacrypto: derive aead key: %w", err)
	}

	nReader := hkdf.New(sha256.New, c.baseKey[:], nil, []byte{'n', generation})
	if _, err := io.ReadFull(nReader, keys.nonceSalt[:]); err != nil {
		return generationKeys{}, fmt.Errorf("mediacrypto: derive nonce salt: %w", err)
	}

	return keys, nil
}

// constructNonce XORs the low 4 bytes of salt with the big-endian frame
// counter.
func constructNonce(salt [12]byte, counter uint32) []byte {
	nonce := salt
	var counterBytes [4]byte
	binary.BigEndian.PutUint32(counterBytes[:], counter)
	for i, b := range counterBytes {
		nonce[8+i] ^= b
	}
	return nonce[:]
}
