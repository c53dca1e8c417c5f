package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"

	"omnimap/internal/config"

	"github.com/spf13/cobra"
)

// serviceUnit describes one supervised omnimap process.
type serviceUnit struct {
	Exec    string
	Config  string
	Role    string // gateway, bot or worker
	Label   string
	LogPath string
	ErrLog  string
}

var daemonRoles = map[string]string{
	"gateway": "OmniMap bot, webhook server and worker",
	"bot":     "OmniMap Telegram bot",
	"worker":  "OmniMap job worker",
}

func newServiceUnit(role string) (serviceUnit, error) {
	if _, ok := daemonRoles[role]; !ok {
		return serviceUnit{}, fmt.Errorf("unknown role %q (gateway, bot, worker)", role)
	}
	execPath, err := os.Executable()
	if err != nil {
		return serviceUnit{}, fmt.Errorf("cannot determine executable path: %w", err)
	}
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	return serviceUnit{
		Exec:    execPath,
		Config:  resolveConfigPath(),
		Role:    role,
		Label:   "com.omnimap." + role,
		LogPath: filepath.Join(logDir, "omnimap-"+role+".log"),
		ErrLog:  filepath.Join(logDir, "omnimap-"+role+"-error.log"),
	}, nil
}

// Description is used by the systemd template.
func (u serviceUnit) Description() string { return daemonRoles[u.Role] }

func (u serviceUnit) systemdName() string { return "omnimap-" + u.Role + ".service" }

func installDaemonCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install omnimap as a user service (launchd/systemd)",
		Long:  "Writes a launchd agent or systemd user unit that runs omnimap on login. Use --role to split the bot and the worker into separate services.",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := newServiceUnit(role)
			if err != nil {
				return err
			}
			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(unit)
			case "linux":
				return installSystemd(unit)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
	cmd.Flags().StringVar(&role, "role", "gateway", "process to supervise: gateway, bot or worker")
	return cmd
}

func uninstallDaemonCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove an installed omnimap user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := newServiceUnit(role)
			if err != nil {
				return err
			}
			path, err := unitPath(unit)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "gateway", "process to remove: gateway, bot or worker")
	return cmd
}

func unitPath(u serviceUnit) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", u.Label+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", u.systemdName()), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func renderUnit(tmpl *template.Template, u serviceUnit) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, u); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeUnit(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func installLaunchd(u serviceUnit) error {
	path, err := unitPath(u)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(u.LogPath), 0o755); err != nil {
		return err
	}
	data, err := renderUnit(launchdTemplate, u)
	if err != nil {
		return err
	}
	if err := writeUnit(path, data); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func installSystemd(u serviceUnit) error {
	path, err := unitPath(u)
	if err != nil {
		return err
	}
	data, err := renderUnit(systemdTemplate, u)
	if err != nil {
		return err
	}
	if err := writeUnit(path, data); err != nil {
		return err
	}
	name := u.systemdName()
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start %s\n", name)
	fmt.Printf("To enable: systemctl --user enable %s\n", name)
	fmt.Printf("To stop:   systemctl --user stop %s\n", name)
	return nil
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>{{.Role}}</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description={{.Description}}
After=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} {{.Role}} --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))
