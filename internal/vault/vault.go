// Package vault seals structured secrets into versioned AES-256-GCM
// envelopes. Outside this package an envelope is an opaque string.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// CurrentVersion is the envelope version written by Seal.
	CurrentVersion = 1

	nonceSize = 12
	tagSize   = 16

	minMasterSecretLen = 16
)

// ErrEncryption is the single failure the vault reports. It never carries
// plaintext or cipher internals.
var ErrEncryption = errors.New("secret encryption failure")

// ErrMasterSecretMissing is returned by New when no usable master secret is
// configured. It matches ErrEncryption.
var ErrMasterSecretMissing = fmt.Errorf("%w: master secret missing or shorter than %d bytes", ErrEncryption, minMasterSecretLen)

var dataEncoding = base64.RawURLEncoding.Strict()

// Envelope is the persisted form of a sealed secret. Data decodes to
// nonce(12) || tag(16) || ciphertext.
type Envelope struct {
	Version int    `json:"version"`
	Data    string `json:"data"`
}

// Vault seals and opens envelopes with a key derived once from the operator's
// master secret.
type Vault struct {
	aead    cipher.AEAD
	random  io.Reader
	openers map[int]func([]byte) ([]byte, error)
}

// New derives the vault key from masterSecret.
func New(masterSecret string) (*Vault, error) {
	if len(masterSecret) < minMasterSecretLen {
		return nil, ErrMasterSecretMissing
	}

	key := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrEncryption
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEncryption
	}

	v := &Vault{aead: aead, random: rand.Reader}
	v.openers = map[int]func([]byte) ([]byte, error){
		1: v.openV1,
	}
	return v, nil
}

// Seal encrypts the JSON serialization of value with a fresh nonce and
// returns the envelope as a JSON string.
func (v *Vault) Seal(value any) (string, error) {
	env, err := v.SealEnvelope(value)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", ErrEncryption
	}
	return string(out), nil
}

// SealEnvelope is Seal without the final JSON encoding.
func (v *Vault) SealEnvelope(value any) (Envelope, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, ErrEncryption
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(v.random, nonce); err != nil {
		return Envelope{}, ErrEncryption
	}

	// Seal produces ciphertext || tag; the envelope stores the tag first.
	sealed := v.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, nonceSize+tagSize+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, tag...)
	buf = append(buf, ct...)

	return Envelope{Version: CurrentVersion, Data: dataEncoding.EncodeToString(buf)}, nil
}

// OpenRaw parses and decrypts an envelope string, returning the sealed JSON.
// Any malformed, unknown-version or tampered envelope yields ErrEncryption.
func (v *Vault) OpenRaw(sealed string) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return nil, ErrEncryption
	}
	return v.OpenEnvelope(env)
}

// OpenEnvelope decrypts env using the decode path for its version.
func (v *Vault) OpenEnvelope(env Envelope) (json.RawMessage, error) {
	open, ok := v.openers[env.Version]
	if !ok {
		return nil, ErrEncryption
	}
	raw, err := dataEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, ErrEncryption
	}
	plaintext, err := open(raw)
	if err != nil {
		return nil, ErrEncryption
	}
	return json.RawMessage(plaintext), nil
}

// Open decrypts sealed into out.
func (v *Vault) Open(sealed string, out any) error {
	raw, err := v.OpenRaw(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrEncryption
	}
	return nil
}

func (v *Vault) openV1(raw []byte) ([]byte, error) {
	if len(raw) <= nonceSize+tagSize {
		return nil, ErrEncryption
	}
	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrEncryption
	}
	return plaintext, nil
}
