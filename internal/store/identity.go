// Package store persists the server's durable state as per-user JSON
// files: the long-term ECDH identity, paired devices, the PIN hash, and
// per-project conversation logs. Every write is a full-file rewrite,
// atomic via write-temp-then-rename, following the save idiom in
// getfinn-finn's internal/config/config.go.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	pdcrypto "github.com/pairdaemon/pairdaemon/internal/crypto"
)

// Identity holds the server's long-term ECDH key pair and the current
// single-use pairing token, if one has been minted and not yet consumed.
type Identity struct {
	PrivateKey    string  `json:"privateKey"`
	PublicKey     string  `json:"publicKey"`
	PairingToken  *string `json:"pairingToken"`
}

// Device is a paired client: a server-assigned id, its public key (kept
// for audit/debugging, not used after the handshake), the derived
// shared secret used for all subsequent encrypted WS traffic, and when
// it was paired.
type Device struct {
	ID           string    `json:"id"`
	PublicKey    string    `json:"publicKey"`
	SharedSecret string    `json:"sharedSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Config holds operator-set state: the PIN hash. Stored separately from
// Identity/Devices so operators can rotate it without touching keys.
type Config struct {
	PinHash string `json:"pinHash"`
}

// Store is the process-wide handle to all on-disk JSON state. It is
// created once at startup and passed explicitly to the components that
// need it, rather than reached through an ambient singleton.
type Store struct {
	baseDir string

	mu       sync.Mutex
	identity Identity
	devices  []Device
	config   Config

	convMu sync.Mutex
}

// Open loads (or initializes) the store rooted at baseDir, minting a
// fresh ECDH identity and pairing token if none exists yet.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "projects"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create projects dir: %w", err)
	}

	s := &Store{baseDir: baseDir}

	if err := s.loadIdentity(); err != nil {
		return nil, err
	}
	if err := s.loadDevices(); err != nil {
		return nil, err
	}
	if err := s.loadConfig(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) serverJSONPath() string  { return filepath.Join(s.baseDir, "server.json") }
func (s *Store) devicesJSONPath() string { return filepath.Join(s.baseDir, "devices.json") }
func (s *Store) configJSONPath() string  { return filepath.Join(s.baseDir, "config.json") }

func (s *Store) loadIdentity() error {
	data, err := os.ReadFile(s.serverJSONPath())
	if err == nil {
		var id Identity
		if jerr := json.Unmarshal(data, &id); jerr != nil {
			return fmt.Errorf("store: parse server.json: %w", jerr)
		}
		s.identity = id
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("store: read server.json: %w", err)
	}

	kp, err := pdcrypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("store: generate identity: %w", err)
	}
	token := newToken()
	s.identity = Identity{
		PrivateKey:   kp.PrivateKey,
		PublicKey:    kp.PublicKey,
		PairingToken: &token,
	}
	return s.writeIdentityLocked()
}

func (s *Store) loadDevices() error {
	data, err := os.ReadFile(s.devicesJSONPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.devices = nil
			return nil
		}
		return fmt.Errorf("store: read devices.json: %w", err)
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return fmt.Errorf("store: parse devices.json: %w", err)
	}
	s.devices = devices
	return nil
}

func (s *Store) loadConfig() error {
	data, err := os.ReadFile(s.configJSONPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.config = Config{}
			return nil
		}
		return fmt.Errorf("store: read config.json: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("store: parse config.json: %w", err)
	}
	s.config = cfg
	return nil
}

// ServerPublicKey returns the server's long-term ECDH public key.
func (s *Store) ServerPublicKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.PublicKey
}

// PairingToken returns the current single-use pairing token, or "" if
// it has already been consumed (or none has been minted).
func (s *Store) PairingToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity.PairingToken == nil {
		return ""
	}
	return *s.identity.PairingToken
}

// MintPairingToken generates and persists a fresh single-use token,
// e.g. on operator command.
func (s *Store) MintPairingToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := newToken()
	s.identity.PairingToken = &token
	if err := s.writeIdentityLocked(); err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeAndPair validates token against the current pairing token,
// derives a shared secret with peerPublicKeyB64, persists a new device,
// and clears the pairing token so the handshake cannot be replayed.
//
// This implements the single-pairing-at-a-time variant of the pairing
// policy: once any device exists, pairing is rejected regardless of
// token validity (see DESIGN.md, Open Question (a)).
func (s *Store) ConsumeAndPair(token, peerPublicKeyB64 string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.devices) > 0 {
		return Device{}, ErrAlreadyPaired
	}
	if s.identity.PairingToken == nil || token == "" || *s.identity.PairingToken != token {
		return Device{}, ErrInvalidToken
	}

	secret, err := pdcrypto.DeriveSharedSecret(s.identity.PrivateKey, peerPublicKeyB64)
	if err != nil {
		return Device{}, fmt.Errorf("store: derive shared secret: %w", err)
	}

	device := Device{
		ID:           newDeviceID(),
		PublicKey:    peerPublicKeyB64,
		SharedSecret: secret,
		CreatedAt:    time.Now(),
	}

	s.devices = append(s.devices, device)
	s.identity.PairingToken = nil

	if err := s.writeDevicesLocked(); err != nil {
		return Device{}, err
	}
	if err := s.writeIdentityLocked(); err != nil {
		return Device{}, err
	}

	return device, nil
}

// CanPair reports whether a token is valid for pairing right now,
// without consuming it — used by the idempotent GET handshake step.
func (s *Store) CanPair(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) > 0 {
		return false
	}
	return s.identity.PairingToken != nil && token != "" && *s.identity.PairingToken == token
}

// Devices returns a copy of all paired devices.
func (s *Store) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// RemoveDevice unpairs a device by id.
func (s *Store) RemoveDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.devices[:0:0]
	found := false
	for _, d := range s.devices {
		if d.ID == id {
			found = true
			continue
		}
		filtered = append(filtered, d)
	}
	if !found {
		return fmt.Errorf("store: device %s not found", id)
	}
	s.devices = filtered
	return s.writeDevicesLocked()
}

// PinHash returns the currently configured PIN hash, or "" if none has
// been set.
func (s *Store) PinHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.PinHash
}

// SetPinHash persists a new PIN hash (operator rotation, or the
// first-start PIN provisioning in cmd/pairdaemond).
func (s *Store) SetPinHash(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.PinHash = hash
	return s.writeConfigLocked()
}

func (s *Store) writeIdentityLocked() error {
	return writeJSONAtomic(s.serverJSONPath(), s.identity)
}

func (s *Store) writeDevicesLocked() error {
	return writeJSONAtomic(s.devicesJSONPath(), s.devices)
}

func (s *Store) writeConfigLocked() error {
	return writeJSONAtomic(s.configJSONPath(), s.config)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename into %s: %w", filepath.Base(path), err)
	}
	return nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func newDeviceID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
