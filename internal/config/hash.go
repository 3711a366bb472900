package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hash returns a short, stable fingerprint of cfg, truncated to the first 8
// bytes of its SHA-256 digest — enough to detect an on-disk config change
// between two Load calls without reading the whole file back out, the same
// tradeoff the teacher's own Config.Hash makes.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func marshalIndent(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
