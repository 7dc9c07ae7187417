package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumFile = ".checksums"

// LockReport captures checksum generation details.
type LockReport struct {
	ChecksumPath string
	Files        map[string]string // path -> hash
}

// ChecksumPath returns the manifest location for a config directory.
func ChecksumPath(configDir string) string {
	return filepath.Join(configDir, checksumFile)
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// TrackedFiles lists the files covered by the integrity lock: the config
// file and every pipeline file a webhook endpoint serves.
func (c *Config) TrackedFiles() []string {
	seen := make(map[string]struct{})
	var files []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}

	add(c.Path)
	for _, ep := range c.Webhooks.Endpoints {
		add(ep.Pipeline)
	}
	sort.Strings(files)
	return files
}

// Lock hashes the tracked files and writes .checksums into the config
// directory.
func Lock(cfg *Config) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	for _, path := range cfg.TrackedFiles() {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		manifest.Hashes[path] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	report := &LockReport{ChecksumPath: ChecksumPath(cfg.Dir), Files: manifest.Hashes}
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(ChecksumPath(configDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'pipewright config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyIntegrity checks the tracked files against .checksums. A modified
// or missing tracked file is an error; a tracked file absent from the
// manifest is a warning.
func VerifyIntegrity(cfg *Config) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(cfg.Dir)
	if err != nil {
		result.Passed = false
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}

	for _, path := range cfg.TrackedFiles() {
		expected, ok := manifest.Hashes[path]
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("file %s not in .checksums manifest", path))
			continue
		}

		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to hash %s: %v", path, err))
			continue
		}
		if actual != expected {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", filepath.Base(path), expected, actual))
		}
	}
	return result, nil
}
