package policy

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumManifest pins the policy file content a run was authorized with.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func manifestPath(policyPath string) string {
	return filepath.Join(filepath.Dir(policyPath), ".checksums")
}

// Lock writes a checksum manifest next to the policy file, authorizing its
// current content.
func Lock(policyPath string) error {
	hash, err := ComputeHash(policyPath)
	if err != nil {
		return fmt.Errorf("failed to hash policy: %w", err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes: map[string]string{
			filepath.Base(policyPath): hash,
		},
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest is what runs are verified against.
	if err := os.WriteFile(manifestPath(policyPath), data, 0600); err != nil {
		return fmt.Errorf("failed to write checksums: %w", err)
	}
	return nil
}

// Verify checks the policy file against its checksum manifest. It returns
// (false, nil) when no manifest exists — an unlocked policy is allowed, just
// unverified — and an error on any mismatch.
func Verify(policyPath string) (bool, error) {
	data, err := os.ReadFile(manifestPath(policyPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return false, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return false, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	name := filepath.Base(policyPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return false, fmt.Errorf("policy %s has no hash in checksums (run 'lockstep policy lock')", name)
	}

	actual, err := ComputeHash(policyPath)
	if err != nil {
		return false, fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return false, fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
			"If you edited the policy intentionally, run: lockstep policy lock", name, expected, actual)
	}
	return true, nil
}
