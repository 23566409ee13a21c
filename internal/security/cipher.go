// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements the trust core of the aegisbridge remote
// control: authenticated encryption, brute-force lockout tracking, and the
// admission gate every inbound request passes through.
//
// This file implements the cipher engine:
//   - AES-256-GCM authenticated encryption with per-message subkeys
//   - PBKDF2-SHA-512 master key derivation (600,000 iterations)
//   - HMAC-SHA-256 outer authentication and keyed identity hashing
//
// The master derivation runs exactly once, at construction. Per-message keys
// come from HKDF, which is cheap, so encrypting chat traffic never pays the
// slow KDF cost again.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MinPassphraseLength is the minimum master passphrase length.
	MinPassphraseLength = 16

	// masterIterations is the PBKDF2 iteration count for the master
	// derivation. OWASP recommends 600,000+ for PBKDF2 against modern
	// hardware; this runs once per process, so the cost is acceptable.
	masterIterations = 600000

	// masterKeyLen is the total master key material: a 32-byte encryption
	// sub-key followed by a 32-byte authentication sub-key.
	masterKeyLen = 64

	// msgKeyLen is the per-message AES-256 key size.
	msgKeyLen = 32

	// msgSaltSize is the per-message HKDF salt size.
	msgSaltSize = 16

	// nonceSize is the AES-GCM nonce size (96 bits).
	nonceSize = 12

	// macSize is the outer HMAC-SHA-256 size.
	macSize = 32

	// gcmTagSize is the GCM authentication tag appended to the ciphertext.
	gcmTagSize = 16

	// minTokenSize is the smallest structurally valid token: an empty
	// plaintext still carries the MAC, salt, nonce, and GCM tag.
	minTokenSize = macSize + msgSaltSize + nonceSize + gcmTagSize
)

// masterSalt binds the derived keys to this application. It is a fixed
// implementation constant, not a secret: its job is domain separation, so
// the same passphrase used elsewhere yields unrelated keys here.
var masterSalt = []byte("aegisbridge.cipher.v1")

// hkdfInfo is the HKDF context string for per-message subkeys.
var hkdfInfo = []byte("aegisbridge.message")

// =============================================================================
// ENGINE
// =============================================================================

// Engine provides authenticated encryption and keyed hashing for the
// security core. Construct it once at startup and share it; all methods are
// safe for concurrent use because the key material is immutable after
// construction.
type Engine struct {
	encKey []byte // per-message subkey derivation input
	macKey []byte // outer HMAC and identity hashing
}

// NewEngine derives the engine's sub-keys from the master passphrase.
// Returns ErrConfiguration if the passphrase is shorter than
// MinPassphraseLength. This is the only slow call in the package.
func NewEngine(passphrase string) (*Engine, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, fmt.Errorf("%w: master passphrase must be at least %d characters",
			ErrConfiguration, MinPassphraseLength)
	}

	master := pbkdf2.Key([]byte(passphrase), masterSalt, masterIterations, masterKeyLen, sha512.New)

	return &Engine{
		encKey: master[:32],
		macKey: master[32:],
	}, nil
}

// Encrypt seals plaintext into a self-contained token:
//
//	base64( hmac || salt || nonce || gcm(ciphertext || tag) )
//
// A fresh random salt and nonce are drawn per message, and the AES key is
// re-derived via HKDF from the encryption sub-key and that salt, so two
// calls on identical plaintext always produce different tokens and a nonce
// never repeats under the same AES key.
func (e *Engine) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, msgSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate message salt: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := e.messageAEAD(salt)
	if err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	// Outer MAC over everything an attacker could flip. Verified before
	// any cipher work on the way back in.
	mac := hmac.New(sha256.New, e.macKey)
	mac.Write(salt)
	mac.Write(nonce)
	mac.Write(sealed)

	token := make([]byte, 0, macSize+msgSaltSize+nonceSize+len(sealed))
	token = append(token, mac.Sum(nil)...)
	token = append(token, salt...)
	token = append(token, nonce...)
	token = append(token, sealed...)

	return base64.StdEncoding.EncodeToString(token), nil
}

// Decrypt opens a token produced by Encrypt.
//
// Returns ErrFormat for structural problems (bad encoding, too short) and
// ErrIntegrity for any cryptographic failure. The HMAC is verified in
// constant time BEFORE the cipher is touched, so a bit-flipping attacker
// gets no oracle about padding or cipher state.
func (e *Engine) Decrypt(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if len(raw) < minTokenSize {
		return nil, fmt.Errorf("%w: token below minimum length", ErrFormat)
	}

	storedMAC := raw[:macSize]
	salt := raw[macSize : macSize+msgSaltSize]
	nonce := raw[macSize+msgSaltSize : macSize+msgSaltSize+nonceSize]
	sealed := raw[macSize+msgSaltSize+nonceSize:]

	mac := hmac.New(sha256.New, e.macKey)
	mac.Write(salt)
	mac.Write(nonce)
	mac.Write(sealed)

	if !hmac.Equal(storedMAC, mac.Sum(nil)) {
		return nil, ErrIntegrity
	}

	aead, err := e.messageAEAD(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		// Same error as a MAC mismatch: tampering and a wrong key must
		// look identical to the caller.
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

// KeyedHash returns the deterministic HMAC-SHA-256 of data under the
// authentication sub-key, hex encoded. Used to pseudonymize identities in
// the audit log: the log never holds a principal id in reversible form.
func (e *Engine) KeyedHash(data []byte) string {
	mac := hmac.New(sha256.New, e.macKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// messageAEAD builds the AES-256-GCM cipher for one message salt.
func (e *Engine) messageAEAD(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, msgKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, e.encKey, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive message key: %w", err)
	}
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	return cipher.NewGCM(block)
}

// Close zeros the engine's key material.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func (e *Engine) Close() {
	ZeroBytes(e.encKey)
	ZeroBytes(e.macKey)
}

// ZeroBytes overwrites a sensitive byte slice in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
