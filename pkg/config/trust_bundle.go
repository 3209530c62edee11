package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TrustBundle locates the CA bundle installed into the trust configuration.
// Exactly one of Path or Inline is set.
type TrustBundle struct {
	Name   string `json:"name" yaml:"name"`
	Path   string `json:"path" yaml:"path"`
	Inline string `json:"inline" yaml:"inline"`
	SHA256 string `json:"sha256" yaml:"sha256"`
}

// IsSet reports whether any bundle source is configured.
func (b *TrustBundle) IsSet() bool {
	return strings.TrimSpace(b.Inline) != "" || strings.TrimSpace(b.Path) != ""
}

// Materialise returns the bundle bytes. File bundles are read on every call
// so that reloads observe the current contents; the SHA-256 pin, when set,
// is checked each time.
func (b *TrustBundle) Materialise() ([]byte, error) {
	var data []byte
	switch {
	case strings.TrimSpace(b.Inline) != "":
		data = []byte(b.Inline)
	case strings.TrimSpace(b.Path) != "":
		path := filepath.Clean(b.Path)
		var err error
		// #nosec G304 -- bundle path is configured by the operator
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("trust bundle %s: read: %w", b.displayName(), err)
		}
	default:
		return nil, fmt.Errorf("trust bundle %s: no path or inline data provided", b.displayName())
	}

	if err := b.verifyChecksum(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (b *TrustBundle) verifyChecksum(data []byte) error {
	if b.SHA256 == "" {
		return nil
	}

	expected := normalizeDigest(b.SHA256)
	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if actual != expected {
		return fmt.Errorf("trust bundle %s: checksum mismatch: expected sha256:%s, got sha256:%s",
			b.displayName(), expected, actual)
	}
	return nil
}

func (b *TrustBundle) displayName() string {
	if b.Name != "" {
		return b.Name
	}
	if b.Path != "" {
		return b.Path
	}
	return "inline"
}

// Validate checks that the bundle has one source and a well-formed pin.
func (b *TrustBundle) Validate() error {
	if strings.TrimSpace(b.Inline) != "" && strings.TrimSpace(b.Path) != "" {
		return NewConfigValidationError("trust.bundle", b.displayName(), "path and inline are mutually exclusive").
			WithSuggestion("Keep either trust.bundle.path or trust.bundle.inline")
	}
	if b.SHA256 != "" {
		digest := normalizeDigest(b.SHA256)
		if _, err := hex.DecodeString(digest); err != nil || len(digest) != sha256.Size*2 {
			return NewConfigValidationError("trust.bundle.sha256", b.SHA256, "not a hex SHA-256 digest").
				WithSuggestion("Compute the pin with: sha256sum <bundle>")
		}
	}
	return nil
}

func normalizeDigest(value string) string {
	v := strings.TrimSpace(strings.ToLower(value))
	return strings.TrimPrefix(v, "sha256:")
}
