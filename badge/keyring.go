package badge

import (
	"encoding/base64"
	"fmt"
	"sync"
)

// Keyring holds the public keys of the peers this node accepts signed
// requests from.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Trust registers the compressed public key of a peer.
func (k *Keyring) Trust(nodeID string, publicKey []byte) error {
	curve, err := curveForCompressed(publicKey)
	if err != nil {
		return err
	}
	if _, err := unmarshalPublicKey(curve, publicKey); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[nodeID] = append([]byte(nil), publicKey...)
	return nil
}

// TrustEncoded is Trust for a base64 encoded key as found in config files.
func (k *Keyring) TrustEncoded(nodeID string, b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("could not decode public key for %s: %w", nodeID, err)
	}
	return k.Trust(nodeID, raw)
}

func (k *Keyring) Knows(nodeID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[nodeID]
	return ok
}

// Verify checks that the package was signed by the key registered for
// nodeID. Unknown peers are an error, never a pass.
func (k *Keyring) Verify(nodeID string, signedPackage SignedPackage) (bool, error) {
	k.mu.RLock()
	trusted, ok := k.keys[nodeID]
	k.mu.RUnlock()
	if !ok {
		return false, NewBadgeErrorWithMessage(BadgeErrorUnknownPeer, fmt.Sprintf("unknown peer: %s", nodeID))
	}
	return verifyWith(trusted, signedPackage)
}

func EncodePublicKey(b Badge) string {
	return base64.StdEncoding.EncodeToString(b.PublicKey())
}
