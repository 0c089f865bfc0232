package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "unit")
	data := unitData{
		Label:          "com.example.test",
		ExecutablePath: "/usr/local/bin/eid-notes",
		Args:           serveArgs,
	}

	err := writeTemplate(path, "unit", "{{.Label}}: {{.ExecutablePath}}{{range .Args}} {{.}}{{end}}\n", data)
	if err != nil {
		t.Fatalf("writeTemplate() returned error: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read rendered file: %v", err)
	}
	if got, want := string(content), "com.example.test: /usr/local/bin/eid-notes serve\n"; got != want {
		t.Errorf("rendered %q, want %q", got, want)
	}
}

func TestWriteTemplate_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit")

	err := writeTemplate(path, "unit", "{{.Label", unitData{})
	if err == nil || !strings.Contains(err.Error(), "failed to parse unit template") {
		t.Errorf("expected parse error, got %v", err)
	}
	if exists(path) {
		t.Error("nothing should be written on a parse error")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if !exists(dir) {
		t.Error("exists() should report an existing directory")
	}
	if exists(filepath.Join(dir, "missing")) {
		t.Error("exists() should not report a missing file")
	}
}
