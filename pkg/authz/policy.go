package authz

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPolicy resolves the Rego source named by the configuration: the file
// contents when a path is given, otherwise the inline text. A non-empty pin
// must match the SHA-256 digest of the raw source.
func LoadPolicy(file, inline, pin string) (source, filename string, err error) {
	switch {
	case strings.TrimSpace(file) != "":
		path := filepath.Clean(file)
		//nolint:gosec // Policy file path is controlled by admin/operator
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return "", "", fmt.Errorf("authorization policy: read %s: %w", path, readErr)
		}
		source = string(data)
		filename = path
	case strings.TrimSpace(inline) != "":
		source = inline
		filename = "authz.rego"
	default:
		return "", "", fmt.Errorf("authorization policy: no file or inline source provided")
	}

	if err := verifyPin(source, pin); err != nil {
		return "", "", err
	}
	return source, filename, nil
}

func verifyPin(source, pin string) error {
	if strings.TrimSpace(pin) == "" {
		return nil
	}

	expected := strings.TrimSpace(strings.ToLower(pin))
	expected = strings.TrimPrefix(expected, "sha256:")
	digest := sha256.Sum256([]byte(source))
	actual := hex.EncodeToString(digest[:])
	if actual != expected {
		return fmt.Errorf("authorization policy: checksum mismatch")
	}
	return nil
}
