package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// Files that participate in the config hash; app.yaml is deliberately
// excluded so log level or port changes do not look like a policy change.
var hashedFiles = []string{PolicyFile, SignalsFile, UniverseFile}

// HashDir returns the first 16 hex chars of the sha256 over the
// concatenated bytes of policy.yaml, signals.yaml and universe.yaml.
// Missing optional files contribute nothing.
func HashDir(dir string) (string, error) {
	h := sha256.New()
	for _, name := range hashedFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
