// Package service installs the agent as a per-user auto-start service that
// runs "eid-notes serve" at login.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

var (
	ErrAlreadyInstalled = errors.New("service is already installed")
	ErrNotInstalled     = errors.New("service is not installed")
	ErrUnsupported      = errors.New("auto-start is not supported on this platform")
)

// Service manages the auto-start entry of the current platform.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// unitData is what the platform templates are rendered with.
type unitData struct {
	Label          string
	ExecutablePath string
	Args           []string
	LogPath        string
	WorkingDir     string
}

// serveArgs are the arguments the installed entry starts the agent with.
var serveArgs = []string{"serve"}

// executablePath returns the resolved path of the running binary.
func executablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}

	// Resolve symlinks to get the actual path
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

// writeTemplate renders text with data into path, creating its directory.
func writeTemplate(path, name, text string, data unitData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", name, err)
	}

	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", name, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write %s file: %w", name, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
