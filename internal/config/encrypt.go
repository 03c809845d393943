package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/vitalred/vrbackup/internal/cryptoutil"
)

// EncryptFile seals a plaintext config so it can be committed next to the
// deployment. The plaintext must parse as config before it is sealed. An
// empty outputPath writes <input>.enc. It returns the path written.
func EncryptFile(inputPath, outputPath, key string) (string, error) {
	if outputPath == "" {
		outputPath = inputPath + ".enc"
	}
	return transformFile(inputPath, outputPath, key, func(data, k []byte) ([]byte, error) {
		if err := checkParses(inputPath, data); err != nil {
			return nil, err
		}
		return cryptoutil.EncryptConfig(data, k)
	})
}

// DecryptFile reverses EncryptFile. An empty outputPath strips the
// encrypted suffix from inputPath.
func DecryptFile(inputPath, outputPath, key string) (string, error) {
	if outputPath == "" {
		outputPath = strings.TrimSuffix(strings.TrimSuffix(inputPath, ".enc"), ".encrypted")
	}
	return transformFile(inputPath, outputPath, key, cryptoutil.DecryptConfig)
}

func transformFile(inputPath, outputPath, key string, fn func(data, key []byte) ([]byte, error)) (string, error) {
	if filepath.Clean(inputPath) == filepath.Clean(outputPath) {
		return "", fmt.Errorf("input and output must differ")
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return "", err
	}
	out, err := fn(data, parsed)
	if err != nil {
		return "", err
	}

	tmp := outputPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return outputPath, nil
}

func checkParses(path string, data []byte) error {
	vp := viper.New()
	vp.SetConfigType(configTypeFromPath(path))
	if err := vp.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("refusing to encrypt %s: %w", path, err)
	}
	return nil
}
