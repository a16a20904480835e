//go:build !windows

package svcquery

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GetStatus asks systemd about the unit <name>.service.
func GetStatus(name string) (ServiceInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	unit := strings.ToLower(name) + ".service"
	out, err := exec.CommandContext(ctx, "systemctl", "show", unit,
		"--property=Description,LoadState,ActiveState,UnitFileState,MainPID,ExecStart").Output()
	if err != nil {
		return ServiceInfo{Name: name, Status: StatusUnknown}, fmt.Errorf("svcquery: systemctl show %s: %w", unit, err)
	}
	return parseSystemctlShow(name, string(out)), nil
}

func parseSystemctlShow(name, out string) ServiceInfo {
	props := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), "="); ok {
			props[k] = v
		}
	}

	info := ServiceInfo{
		Name:        name,
		DisplayName: props["Description"],
		StartType:   props["UnitFileState"],
		Status:      StatusUnknown,
	}
	if props["LoadState"] == "not-found" {
		info.Status = StatusNotInstalled
		return info
	}
	switch props["ActiveState"] {
	case "active", "activating", "reloading":
		info.Status = StatusRunning
	case "inactive", "failed", "deactivating":
		info.Status = StatusStopped
		if props["UnitFileState"] == "disabled" || props["UnitFileState"] == "masked" {
			info.Status = StatusDisabled
		}
	}
	if pid, err := strconv.ParseUint(props["MainPID"], 10, 32); err == nil {
		info.PID = uint32(pid)
	}
	if execStart := props["ExecStart"]; execStart != "" {
		if _, rest, ok := strings.Cut(execStart, "path="); ok {
			info.BinaryPath = strings.TrimSpace(strings.SplitN(rest, ";", 2)[0])
		}
	}
	return info
}
