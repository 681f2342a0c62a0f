package kgm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/corerr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyEpoch is a rotated per-space group key (§3 KeyEpoch entity). EpochN is
// monotonically increasing per group.
type KeyEpoch struct {
	GroupId   string
	EpochN    int
	Algo      string
	Key       []byte // derived via HKDF from the device's master key; never logged
	CreatedTs time.Time
}

// Envelope is a sealed AEAD ciphertext bound to a group/epoch/sender via
// additional authenticated data (§4.2).
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	GroupId    string
	Epoch      int
	Sender     string
}

func encodeKeyHex(key []byte) string { return hex.EncodeToString(key) }
func decodeKeyHex(s string) ([]byte, error) { return hex.DecodeString(s) }

// deriveEpochKey derives a 32-byte ChaCha20-Poly1305 key for (groupID,
// epoch) from the device master key via HKDF-SHA256, so epoch rotation
// never requires storing a fresh random key per space — it's
// reconstructible from the device identity plus the epoch counter.
func deriveEpochKey(masterKey []byte, groupID string, epoch int) ([]byte, error) {
	info := []byte(fmt.Sprintf("famcore-kgm-v1:%s:%d", groupID, epoch))
	r := hkdf.New(sha256.New, masterKey, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

var epochMu sync.Mutex

// currentEpoch returns the highest-numbered epoch for a group, or epoch 0
// if none has been rotated yet.
func (m *Manager) currentEpoch(groupID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := 0
	for _, ke := range m.epochs[gk(groupID)] {
		if ke.EpochN > best {
			best = ke.EpochN
		}
	}
	return best
}

// RotateEpoch bumps the epoch for groupID. Old epoch keys stay in m.epochs
// so envelopes sealed under them still open; nothing in this package
// removes them.
func (m *Manager) RotateEpoch(groupID string) (*KeyEpoch, error) {
	if m.identity == nil {
		return nil, corerr.New(corerr.KindInternal, "kgm: no device identity loaded")
	}
	epochMu.Lock()
	defer epochMu.Unlock()

	next := m.currentEpoch(groupID) + 1
	key, err := deriveEpochKey(m.identity.MasterKey, groupID, next)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "kgm: derive epoch key", err)
	}

	ke := &KeyEpoch{GroupId: groupID, EpochN: next, Algo: "chacha20poly1305", Key: key, CreatedTs: time.Now()}

	m.mu.Lock()
	m.epochs[gk(groupID)] = append(m.epochs[gk(groupID)], ke)
	m.mu.Unlock()

	return ke, nil
}

// epochAt returns the KeyEpoch for (groupID, epoch), deriving and caching
// it on demand if it hasn't been rotated-to explicitly yet (epoch 0 is
// always derivable).
func (m *Manager) epochAt(groupID string, epoch int) (*KeyEpoch, error) {
	m.mu.RLock()
	for _, ke := range m.epochs[gk(groupID)] {
		if ke.EpochN == epoch {
			m.mu.RUnlock()
			return ke, nil
		}
	}
	m.mu.RUnlock()

	if m.identity == nil {
		return nil, corerr.New(corerr.KindAuthError, "kgm: no device identity loaded")
	}
	key, err := deriveEpochKey(m.identity.MasterKey, groupID, epoch)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "kgm: derive epoch key", err)
	}
	ke := &KeyEpoch{GroupId: groupID, EpochN: epoch, Algo: "chacha20poly1305", Key: key, CreatedTs: time.Now()}

	m.mu.Lock()
	m.epochs[gk(groupID)] = append(m.epochs[gk(groupID)], ke)
	m.mu.Unlock()

	return ke, nil
}

// aad binds the envelope to {group_id, epoch, sender, aad-hash} per §4.2.
func aad(groupID string, epoch int, sender string, extra []byte) []byte {
	h := sha256.Sum256(extra)
	return []byte(fmt.Sprintf("%s|%d|%s|%x", groupID, epoch, sender, h))
}

// Seal encrypts plaintext for (groupID, epoch, sender) with AAD binding.
func (m *Manager) Seal(groupID string, epoch int, sender string, extraAAD, plaintext []byte) (*Envelope, error) {
	ke, err := m.epochAt(groupID, epoch)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(ke.Key)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "kgm: build AEAD", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "kgm: generate nonce", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, aad(groupID, epoch, sender, extraAAD))

	return &Envelope{Ciphertext: ct, Nonce: nonce, GroupId: groupID, Epoch: epoch, Sender: sender}, nil
}

// Open authenticates and decrypts env, matching extraAAD against what the
// sender bound at seal time. Returns corerr.KindAuthError on any failure —
// plaintext never leaves this function on an unauthenticated envelope.
func (m *Manager) Open(env *Envelope, extraAAD []byte) ([]byte, error) {
	ke, err := m.epochAt(env.GroupId, env.Epoch)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindAuthError, "kgm: epoch unknown", err)
	}
	aead, err := chacha20poly1305.New(ke.Key)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInternal, "kgm: build AEAD", err)
	}

	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, aad(env.GroupId, env.Epoch, env.Sender, extraAAD))
	if err != nil {
		return nil, corerr.Wrap(corerr.KindAuthError, "kgm: open failed", err)
	}
	return pt, nil
}
