package mongomirror

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReplicationConfig names the secondary target. Username and password are
// informational; credentials are expected to be embedded in MongoURL.
type ReplicationConfig struct {
	MongoURL string `json:"mongo_url" mapstructure:"mongo_url"`
	DBName   string `json:"db_name" mapstructure:"db_name"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`
	Enabled  bool   `json:"replication_enabled" mapstructure:"replication_enabled"`
}

// Active reports whether the config names a usable secondary. An enabled
// config with an empty URL or database name is treated as disabled.
func (c ReplicationConfig) Active() bool {
	return c.Enabled && c.MongoURL != "" && c.DBName != ""
}

// DefaultReplicationConfig is the fail-safe state: replication off.
func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{}
}

const configFileName = "replication.conf.enc"

/*
ConfigStore persists a ReplicationConfig encrypted at rest. The on-disk blob
is a nonce-prefixed AES-256-GCM seal of the JSON encoding; the key comes from
EnsureKey.

Writes go through a temp file renamed into place, which leaves a narrow
window for a torn write on some platforms rather than a guaranteed atomic
commit. Concurrent external writers are last-writer-wins.
*/
type ConfigStore struct {
	path string
	gcm  cipher.AEAD
}

// OpenConfigStore sets up the store in dir, creating key material on first
// use.
func OpenConfigStore(dir string) (*ConfigStore, error) {
	key, err := EnsureKey(dir)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("config cipher: %w", err)
	}
	return &ConfigStore{path: filepath.Join(dir, configFileName), gcm: gcm}, nil
}

// Save encrypts and persists cfg, replacing any previous blob.
func (s *ConfigStore) Save(cfg ReplicationConfig) error {
	plain, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode replication config: %w", err)
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("config nonce: %w", err)
	}
	blob := s.gcm.Seal(nonce, nonce, plain, nil)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write replication config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace replication config: %w", err)
	}
	return nil
}

// Load returns the persisted config. A missing, truncated, corrupted, or
// key-mismatched blob loads as the disabled defaults; Load never fails.
// Fields absent from an older blob keep their default values.
func (s *ConfigStore) Load() ReplicationConfig {
	cfg := DefaultReplicationConfig()
	blob, err := os.ReadFile(s.path)
	if err != nil {
		return cfg
	}
	if len(blob) < s.gcm.NonceSize() {
		return cfg
	}
	nonce, ct := blob[:s.gcm.NonceSize()], blob[s.gcm.NonceSize():]
	plain, err := s.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return DefaultReplicationConfig()
	}
	return cfg
}

// Clear removes the persisted blob. Removing an already-absent blob is not
// an error.
func (s *ConfigStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear replication config: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
