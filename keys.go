package mongomirror

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeyEnvVar can hold a base64-encoded 32-byte key that overrides the
	// on-disk key file. An invalid value is ignored.
	KeyEnvVar = "MONGOMIRROR_CONFIG_KEY"

	keyFileName = "mongomirror.key"
	keySize     = 32
)

/*
EnsureKey returns the symmetric key that seals the persisted replication
config. Sources are tried in order:

 1. the KeyEnvVar environment variable (base64, 32 bytes decoded);
 2. the key file inside dir;
 3. a freshly generated key, which is persisted to the key file.

Validation failures fall through to the next source, so the caller always
gets a usable key or an I/O error. The key file is written exactly once;
replacing it makes any previously persisted config load as the disabled
defaults.
*/
func EnsureKey(dir string) ([]byte, error) {
	if env := os.Getenv(KeyEnvVar); env != "" {
		if key, err := decodeKey(env); err == nil {
			return key, nil
		}
	}

	path := filepath.Join(dir, keyFileName)
	if raw, err := os.ReadFile(path); err == nil && len(raw) == keySize {
		return raw, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate config key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist config key: %w", err)
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("config key must be %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// EncodeKey renders a key in the form accepted by KeyEnvVar.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
