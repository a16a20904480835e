//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parental/agent/internal/config"
)

const (
	linuxBinaryPath = "/usr/local/bin/parental-agent"
	linuxUnitDst    = "/etc/systemd/system/parental-agent.service"
	linuxSocketDir  = "/var/run/parental"
	linuxGroup      = "parental"
)

// linuxUnit runs the agent as root so it can read utmp and own the socket.
const linuxUnit = `[Unit]
Description=Parental Agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/parental-agent run
WorkingDirectory=/etc/parental
Restart=on-failure
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5

ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/etc/parental /var/lib/parental /var/run/parental
PrivateTmp=true
NoNewPrivileges=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=parental-agent

[Install]
WantedBy=multi-user.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the Parental Agent system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
}

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (sudo parental-agent service %s)", action)
	}
	return nil
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("install"); err != nil {
			return err
		}

		for _, dir := range []string{config.ConfigDir(), config.GetDataDir()} {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		if err := systemctl("enable", serviceName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		// Members of the parental group may query the status socket.
		_ = exec.Command("groupadd", "--system", linuxGroup).Run()
		if err := os.MkdirAll(linuxSocketDir, 0770); err == nil {
			_ = exec.Command("chown", "root:"+linuxGroup, linuxSocketDir).Run()
		}

		fmt.Println()
		fmt.Println("Parental Agent service installed and enabled.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Configure: sudo parental-agent configure --server https://your-server --device <id>")
		fmt.Println("  2. Start:     sudo parental-agent service start")
		fmt.Println("  3. Status:    sudo parental-agent status")
		fmt.Println("  4. Logs:      journalctl -u parental-agent -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("uninstall"); err != nil {
			return err
		}

		_ = systemctl("stop", serviceName)
		_ = systemctl("disable", serviceName)
		_ = os.Remove(linuxUnitDst)
		_ = systemctl("daemon-reload")
		_ = os.Remove(linuxBinaryPath)

		fmt.Println("Parental Agent service uninstalled.")
		fmt.Printf("State under %s was preserved.\n", config.GetDataDir())
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("start"); err != nil {
			return err
		}
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo parental-agent service install' first")
		}
		if err := systemctl("start", serviceName); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		fmt.Println("Parental Agent service started.")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot("stop"); err != nil {
			return err
		}
		if err := systemctl("stop", serviceName); err != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
		fmt.Println("Parental Agent service stopped.")
		return nil
	},
}
