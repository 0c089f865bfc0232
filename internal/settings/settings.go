package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/SimplyPrint/eid-notes/internal/eid"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool   `json:"crashReporting"` // Whether to send crash reports to Sentry
	DefaultReader  string `json:"defaultReader"`  // Reader index or name used when a request names none
	PinRef         string `json:"pinRef"`         // PIN that authorises writes when a request names none
}

var (
	current *Settings
	mu      sync.RWMutex
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
		PinRef:         eid.AuthPin.String(),
	}
}

// getSettingsPath returns the path to the settings file.
// EID_NOTES_SETTINGS overrides the location.
func getSettingsPath() (string, error) {
	if path := os.Getenv("EID_NOTES_SETTINGS"); path != "" {
		return path, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "eid-notes", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if file doesn't exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	current = DefaultSettings()

	path, err := getSettingsPath()
	if err != nil {
		return current.clone(), err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return current.clone(), nil
		}
		return current.clone(), err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return current.clone(), err
	}
	if _, err := eid.ParsePinRef(s.PinRef); err != nil {
		s.PinRef = eid.AuthPin.String()
	}

	current = s
	return current.clone(), nil
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := getSettingsPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (s *Settings) clone() *Settings {
	c := *s
	return &c
}

// Get returns a copy of the current settings (loads from disk if not yet loaded).
func Get() *Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return current.clone()
	}
	mu.RUnlock()

	// Not loaded yet, load now
	s, _ := Load()
	return s
}

// Update applies fn to the current settings and saves them.
func Update(fn func(s *Settings)) error {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		current = DefaultSettings()
	}
	fn(current)
	return saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return Update(func(s *Settings) {
		s.CrashReporting = enabled
	})
}

// SetDefaultReader updates the default reader and saves.
func SetDefaultReader(reader string) error {
	return Update(func(s *Settings) {
		s.DefaultReader = reader
	})
}

// SetPinRef updates the default PIN and saves. Unknown names are rejected.
func SetPinRef(name string) error {
	ref, err := eid.ParsePinRef(name)
	if err != nil {
		return err
	}
	return Update(func(s *Settings) {
		s.PinRef = ref.String()
	})
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

// DefaultPin returns the PIN that authorises writes by default.
func DefaultPin() eid.PinRef {
	ref, err := eid.ParsePinRef(Get().PinRef)
	if err != nil {
		return eid.AuthPin
	}
	return ref
}
