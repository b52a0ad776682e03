// Package crypto implements the pairing and transport crypto envelope:
// ECDH P-256 key agreement, a fixed SHA-256 key derivation, and
// AES-256-GCM authenticated encryption for every WebSocket frame.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrAuthFailure is returned by Decrypt when the ciphertext, iv, or tag
// has been tampered with, or the key is wrong. Callers must not leak
// which part failed.
var ErrAuthFailure = errors.New("crypto: authentication failure")

const (
	nonceSize = 12
	keySize   = 32
)

// KeyPair is a base64-encoded P-256 ECDH key pair.
type KeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// Envelope is the wire format for every encrypted frame exchanged over
// the WebSocket, both directions: {iv, ct, tag}, all base64.
type Envelope struct {
	IV  string `json:"iv"`
	CT  string `json:"ct"`
	Tag string `json:"tag"`
}

// GenerateKeyPair creates a new ephemeral (or long-term) P-256 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	return KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Bytes()),
		PublicKey:  base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
	}, nil
}

// DeriveSharedSecret computes SHA-256(X) where X is the raw X-coordinate
// of the ECDH point priv*peerPub. No HKDF info string is used: the
// server and every client must reach the same 32-byte key from the
// exchange alone, deterministically, by fixing the hash.
func DeriveSharedSecret(privateKeyB64, peerPublicKeyB64 string) (string, error) {
	privBytes, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return "", fmt.Errorf("crypto: decode private key: %w", err)
	}
	pubBytes, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return "", fmt.Errorf("crypto: decode peer public key: %w", err)
	}

	curve := ecdh.P256()
	priv, err := curve.NewPrivateKey(privBytes)
	if err != nil {
		return "", fmt.Errorf("crypto: parse private key: %w", err)
	}
	peerPub, err := curve.NewPublicKey(pubBytes)
	if err != nil {
		return "", fmt.Errorf("crypto: parse peer public key: %w", err)
	}

	// ECDH() returns the raw shared X-coordinate for NIST curves.
	raw, err := priv.ECDH(peerPub)
	if err != nil {
		return "", fmt.Errorf("crypto: ecdh: %w", err)
	}

	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Encrypt seals plaintext under secret (a base64, 32-byte key) with a
// random 12-byte nonce and empty AAD, returning the wire envelope.
func Encrypt(plaintext []byte, secretB64 string) (Envelope, error) {
	key, err := decodeKey(secretB64)
	if err != nil {
		return Envelope{}, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("crypto: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("crypto: read nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ctLen := len(sealed) - gcm.Overhead()
	ct := sealed[:ctLen]
	tag := sealed[ctLen:]

	return Envelope{
		IV:  base64.StdEncoding.EncodeToString(nonce),
		CT:  base64.StdEncoding.EncodeToString(ct),
		Tag: base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens an envelope under secret. Any tampering of iv, ct, or
// tag, or use of the wrong key, returns ErrAuthFailure.
func Decrypt(env Envelope, secretB64 string) ([]byte, error) {
	key, err := decodeKey(secretB64)
	if err != nil {
		return nil, ErrAuthFailure
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != nonceSize {
		return nil, ErrAuthFailure
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, ErrAuthFailure
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, ErrAuthFailure
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrAuthFailure
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrAuthFailure
	}
	if len(tag) != gcm.Overhead() {
		return nil, ErrAuthFailure
	}

	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

func decodeKey(secretB64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode secret: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("crypto: secret must be %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}
