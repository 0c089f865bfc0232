package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/SimplyPrint/eid-notes/internal/eid"
)

// useTempSettings points the package at a fresh settings file.
func useTempSettings(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eid-notes", "settings.json")
	t.Setenv("EID_NOTES_SETTINGS", path)

	mu.Lock()
	current = nil
	mu.Unlock()

	t.Cleanup(func() {
		mu.Lock()
		current = nil
		mu.Unlock()
	})
	return path
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s == nil {
		t.Fatal("DefaultSettings returned nil")
	}
	if s.CrashReporting != false {
		t.Error("CrashReporting should be false by default (opt-in)")
	}
	if s.PinRef != "auth" {
		t.Errorf("PinRef = %q, want auth", s.PinRef)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	useTempSettings(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if *s != *DefaultSettings() {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := useTempSettings(t)

	if err := SetCrashReporting(true); err != nil {
		t.Fatalf("SetCrashReporting() returned error: %v", err)
	}
	if err := SetDefaultReader("ACS ACR38U-CCID 01 00"); err != nil {
		t.Fatalf("SetDefaultReader() returned error: %v", err)
	}
	if err := SetPinRef("Signature"); err != nil {
		t.Fatalf("SetPinRef() returned error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}

	mu.Lock()
	current = nil
	mu.Unlock()

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	want := Settings{CrashReporting: true, DefaultReader: "ACS ACR38U-CCID 01 00", PinRef: "sign"}
	if *s != want {
		t.Errorf("loaded %+v, want %+v", *s, want)
	}
	if DefaultPin() != eid.SignPin {
		t.Errorf("DefaultPin() = %s, want sign", DefaultPin())
	}
}

func TestSetPinRefRejectsUnknown(t *testing.T) {
	useTempSettings(t)

	if err := SetPinRef("puk"); !errors.Is(err, eid.ErrUnknownPIN) {
		t.Errorf("expected ErrUnknownPIN, got %v", err)
	}
	if DefaultPin() != eid.AuthPin {
		t.Errorf("DefaultPin() = %s, want auth", DefaultPin())
	}
}

func TestLoadInvalidJSONReturnsDefault(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err == nil {
		t.Error("Expected error for invalid JSON")
	}
	if *s != *DefaultSettings() {
		t.Errorf("expected defaults, got %+v", s)
	}
}

func TestLoadUnknownPinRefFallsBack(t *testing.T) {
	path := useTempSettings(t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"pinRef":"puk"}`), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if s.PinRef != "auth" {
		t.Errorf("PinRef = %q, want auth", s.PinRef)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	useTempSettings(t)

	s := Get()
	s.CrashReporting = true
	if IsCrashReportingEnabled() {
		t.Error("modifying the result of Get should not change settings")
	}
}

func TestSettingsJSONFormat(t *testing.T) {
	s := Settings{CrashReporting: true, PinRef: "auth"}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	expected := `{"crashReporting":true,"defaultReader":"","pinRef":"auth"}`
	if string(data) != expected {
		t.Errorf("JSON format mismatch: got %s, want %s", string(data), expected)
	}
}

func TestConcurrentAccess(t *testing.T) {
	useTempSettings(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				_ = SetCrashReporting(i%2 == 0)
				return
			}
			if s := Get(); s == nil {
				t.Error("Get returned nil during concurrent access")
			}
		}(i)
	}
	wg.Wait()
}
