package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

const (
	// ClientKeyFileName is the name of the file where the client key is stored
	ClientKeyFileName = "client.key"
	// ClientKeyDir is the directory where client identity files are stored
	ClientKeyDir = ".nostr-pool"
)

// ClientIdentity holds the client's signing identity.
type ClientIdentity struct {
	PublicKey string `json:"public_key"`
	SecretKey string `json:"-"` // Only stored locally
}

// GenerateClientIdentity creates a new client identity with a nostr keypair.
func GenerateClientIdentity() (*ClientIdentity, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &ClientIdentity{PublicKey: pk, SecretKey: sk}, nil
}

// GetOrCreateClientIdentity loads the persisted client identity or creates
// and persists a new one. Relays that demand NIP-42 auth see a stable pubkey
// across runs this way.
func GetOrCreateClientIdentity() (*ClientIdentity, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	keyPath := filepath.Join(homeDir, ClientKeyDir, ClientKeyFileName)

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		identity, err := GenerateClientIdentity()
		if err != nil {
			return nil, err
		}
		if err := saveClientIdentity(identity, keyPath); err != nil {
			return nil, fmt.Errorf("failed to save client identity: %w", err)
		}
		return identity, nil
	}

	return loadClientIdentity(keyPath)
}

// saveClientIdentity writes the secret key to disk with restricted
// permissions. The public key is derived on load.
func saveClientIdentity(identity *ClientIdentity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	content := fmt.Sprintf("%s\n", identity.SecretKey)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write client key file: %w", err)
	}
	return nil
}

// loadClientIdentity reads the secret key from disk and derives the pubkey.
func loadClientIdentity(path string) (*ClientIdentity, error) {
	cleanedPath := filepath.Clean(path)
	if strings.Contains(cleanedPath, "..") {
		return nil, fmt.Errorf("invalid path: directory traversal detected")
	}

	content, err := os.ReadFile(cleanedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client key file: %w", err)
	}

	sk := strings.TrimSpace(string(content))
	if len(sk) != 64 {
		return nil, fmt.Errorf("client key file is malformed: want 64 hex characters, got %d", len(sk))
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &ClientIdentity{PublicKey: pk, SecretKey: sk}, nil
}
