package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TokenPath is where the generated auth token is kept.
func TokenPath(homeDir string) string {
	return filepath.Join(homeDir, "auth.token")
}

// LoadAuthToken returns DEVBRIDGE_AUTH_TOKEN when set, otherwise the
// contents of <home>/auth.token, generating a random token with mode 0600
// on first use.
func LoadAuthToken(homeDir string) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("DEVBRIDGE_AUTH_TOKEN")); tok != "" {
		return tok, nil
	}
	path := TokenPath(homeDir)
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read auth token: %w", err)
	}

	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write auth token: %w", err)
	}
	return tok, nil
}
