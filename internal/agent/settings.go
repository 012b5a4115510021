package agent

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Settings contains persisted agent credentials so a facility box can
// run `keynest agent` without flags after login.
type Settings struct {
	ServerURL   string `json:"server"`
	AccessToken string `json:"accessToken"`
}

// SettingsPath returns the absolute path to the settings file. It uses
// the user's home directory so credentials survive temp-dir cleanup.
func SettingsPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, ".keynest", "agent.json")
}

// LoadSettings reads and validates the settings file.
func LoadSettings() (Settings, error) {
	raw, err := os.ReadFile(SettingsPath())
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, err
	}
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.AccessToken = strings.TrimSpace(s.AccessToken)
	if s.ServerURL == "" || s.AccessToken == "" {
		return Settings{}, errors.New("settings file is missing server or accessToken")
	}
	return s, nil
}

// SaveSettings validates and writes the settings file.
func SaveSettings(s Settings) error {
	s.ServerURL = strings.TrimSpace(s.ServerURL)
	s.AccessToken = strings.TrimSpace(s.AccessToken)
	if s.ServerURL == "" || s.AccessToken == "" {
		return errors.New("server and access token are required")
	}
	path := SettingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
