// Package kgm is the Key & Group Manager (§4.2): per-device identity keys,
// per-space group keys with epoch rotation, and the seal/open boundary
// plaintext never crosses except on authenticated open.
package kgm

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/familycore/famcore/internal/cit"
	"github.com/familycore/famcore/internal/corerr"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "famcore.kgm"
	keyringUser    = "device-master-key"
	masterKeyLen   = 32 // chacha20poly1305.KeySize
)

// Identity is a device's stable cryptographic identity: a 32-byte master
// key used to derive per-space epoch keys via HKDF.
type Identity struct {
	DeviceId   cit.DeviceId
	MasterKey  []byte
	fromFile   bool
	fallbackAt string
}

// Manager is the KGM façade: device identity plus live group epochs.
type Manager struct {
	mu        sync.RWMutex
	identity  *Identity
	stateDir  string
	epochs    map[groupKey][]*KeyEpoch // every epoch rotated to or derived so far, in insertion order
}

type groupKey string

func gk(groupID string) groupKey { return groupKey(groupID) }

// New creates a Manager rooted at stateDir (used only for the local
// key-file keyring fallback, matching internal/secrets/blob.go's
// LocalTomb fallback behavior when the OS keyring is unavailable).
func New(stateDir string) *Manager {
	return &Manager{stateDir: stateDir, epochs: make(map[groupKey][]*KeyEpoch)}
}

// GetOrCreateDeviceIdentity is idempotent: repeated calls for the same
// device return the same master key, generating and persisting one on
// first use.
func (m *Manager) GetOrCreateDeviceIdentity(deviceID cit.DeviceId) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil && m.identity.DeviceId == deviceID {
		return m.identity, nil
	}

	key, fromFile, err := m.loadOrCreateMasterKey(deviceID)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "kgm: load device identity", err)
	}

	id := &Identity{DeviceId: deviceID, MasterKey: key, fromFile: fromFile}
	m.identity = id
	return id, nil
}

// loadOrCreateMasterKey tries the OS keyring first, falling back to a local
// JSON tomb file (mode 0600) that holds the hex-encoded master key. The tomb
// file is not encrypted.
func (m *Manager) loadOrCreateMasterKey(deviceID cit.DeviceId) ([]byte, bool, error) {
	user := keyringUser + ":" + string(deviceID)

	if existing, err := keyring.Get(keyringService, user); err == nil {
		key, decodeErr := decodeKeyHex(existing)
		if decodeErr == nil && len(key) == masterKeyLen {
			return key, false, nil
		}
	}

	// Fall back to an on-disk tomb file.
	path := m.tombPath(deviceID)
	if data, err := os.ReadFile(path); err == nil {
		var tomb localTomb
		if json.Unmarshal(data, &tomb) == nil {
			key, err := decodeKeyHex(tomb.MasterKeyHex)
			if err == nil && len(key) == masterKeyLen {
				return key, true, nil
			}
		}
	}

	// Generate a fresh key and persist it both ways (best effort on the
	// keyring; the tomb file is the durable source of truth).
	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("kgm: generate master key: %w", err)
	}

	hexKey := encodeKeyHex(key)
	_ = keyring.Set(keyringService, user, hexKey) // best-effort; fallback covers failure

	if err := m.persistTomb(deviceID, hexKey); err != nil {
		return nil, false, err
	}

	return key, true, nil
}

type localTomb struct {
	Version      string `json:"version"`
	MasterKeyHex string `json:"masterKeyHex"`
}

func (m *Manager) tombPath(deviceID cit.DeviceId) string {
	return filepath.Join(m.stateDir, "keys", "tomb-"+string(deviceID)+".json")
}

func (m *Manager) persistTomb(deviceID cit.DeviceId, hexKey string) error {
	path := m.tombPath(deviceID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("kgm: create key dir: %w", err)
	}
	data, err := json.MarshalIndent(localTomb{Version: "v1", MasterKeyHex: hexKey}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
