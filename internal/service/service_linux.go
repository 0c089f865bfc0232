//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	appName = "eid-notes"

	// XDG Autostart desktop entry, started with the graphical session so the
	// agent sees the same pcscd as the user
	desktopTemplate = `[Desktop Entry]
Type=Application
Name=eID Notes
Comment=Local agent for the notes field of Belgian eID cards
Exec={{.ExecutablePath}}{{range .Args}} {{.}}{{end}}
Terminal=false
Categories=Utility;
StartupNotify=false
NoDisplay=true
X-GNOME-Autostart-enabled=true
`

	// systemd user unit for headless machines
	serviceTemplate = `[Unit]
Description=eID Notes - local agent for the eID notes field
After=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}}{{range .Args}} {{.}}{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
)

type linuxService struct {
	configDir string
	systemd   bool
}

// New creates a new platform-specific service manager. Without a graphical
// session the agent is installed as a systemd user unit.
func New() Service {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	headless := os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
	return &linuxService{configDir: configDir, systemd: headless}
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(s.configDir, "autostart", appName+".desktop")
}

func (s *linuxService) systemdServicePath() string {
	return filepath.Join(s.configDir, "systemd", "user", appName+".service")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}
	data := unitData{ExecutablePath: execPath, Args: serveArgs}

	if !s.systemd {
		return writeTemplate(s.autostartPath(), "autostart", desktopTemplate, data)
	}

	if err := writeTemplate(s.systemdServicePath(), "systemd unit", serviceTemplate, data); err != nil {
		return err
	}
	systemctl("daemon-reload")
	if output, err := exec.Command("systemctl", "--user", "enable", "--now", appName+".service").CombinedOutput(); err != nil {
		return fmt.Errorf("failed to enable systemd unit: %s: %w", strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}

	if exists(s.systemdServicePath()) {
		systemctl("disable", "--now", appName+".service")
		if err := os.Remove(s.systemdServicePath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove systemd unit: %w", err)
		}
		systemctl("daemon-reload")
	}
	return nil
}

// systemctl runs a best-effort systemctl --user command.
func systemctl(args ...string) {
	exec.Command("systemctl", append([]string{"--user"}, args...)...).Run()
}

func (s *linuxService) IsInstalled() bool {
	return exists(s.autostartPath()) || exists(s.systemdServicePath())
}

func (s *linuxService) Status() (string, error) {
	autostartExists := exists(s.autostartPath())
	systemdExists := exists(s.systemdServicePath())

	if !autostartExists && !systemdExists {
		return "not installed", nil
	}

	var methods []string
	if autostartExists {
		methods = append(methods, "autostart")
	}
	if systemdExists {
		methods = append(methods, "systemd")
	}

	// Check if process is running
	if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
		return fmt.Sprintf("running (%s)", strings.Join(methods, ", ")), nil
	}
	return fmt.Sprintf("installed (%s) but not running", strings.Join(methods, ", ")), nil
}
