package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// AppConfigDir is where config.yaml lives under the home directory when
// FORUMPUB_CONFIG_DIR is not set.
const AppConfigDir = ".config/forumpub"

// GetConfigDir returns the directory holding config.yaml, creating it on first use.
func GetConfigDir() (string, error) {
	dir := os.Getenv(envPrefix + "CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath prefers a file in the working directory, so a checkout with its own
// config.yaml runs as is. Otherwise the file belongs in the config directory, whether
// or not it exists yet.
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	dir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}
