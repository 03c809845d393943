package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of backup and config encryption keys.
const KeySize = 32

// decodeBare tries base64, then hex. Every hex digit is also a base64
// character, so a 64-digit hex key decodes as 48 bytes of base64 and is
// only accepted as hex.
func decodeBare(key string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(key)
	if err == nil && len(data) == KeySize {
		return data, nil
	}
	if raw, hexErr := hex.DecodeString(key); hexErr == nil {
		return raw, nil
	}
	return data, err
}

// ParseKey decodes a 32-byte key. Application keys carry a "base64:" or
// "hex:" prefix; bare values are tried as base64 first, then hex.
func ParseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}

	var (
		data []byte
		err  error
	)
	if rest, ok := strings.CutPrefix(key, "base64:"); ok {
		data, err = base64.StdEncoding.DecodeString(rest)
	} else if rest, ok := strings.CutPrefix(key, "hex:"); ok {
		data, err = hex.DecodeString(rest)
	} else {
		data, err = decodeBare(key)
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), KeySize)
	}
	return data, nil
}
