package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// identityFile is the on-disk format of the server identity. The interface
// keys are derived from PrivateKey, so it is the only secret kept on disk.
type identityFile struct {
	PrivateKey string `json:"private_key"`
}

// loadOrCreateServerKey reads the server key at path, generating and saving
// a new one on first run.
func loadOrCreateServerKey(path string) (wgtypes.Key, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseServerKey(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return wgtypes.Key{}, fmt.Errorf("read identity: %w", err)
	}

	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("generate private key: %w", err)
	}
	if err := saveServerKey(path, key); err != nil {
		return wgtypes.Key{}, err
	}
	return key, nil
}

func parseServerKey(data []byte) (wgtypes.Key, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return wgtypes.Key{}, fmt.Errorf("parse identity: %w", err)
	}
	key, err := wgtypes.ParseKey(f.PrivateKey)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func saveServerKey(path string, key wgtypes.Key) error {
	data, err := json.MarshalIndent(identityFile{PrivateKey: key.String()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}
