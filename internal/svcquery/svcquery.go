// Package svcquery reports whether the agent's OS service is installed and
// running, for the status command.
package svcquery

// ServiceStatus is a platform-neutral service state.
type ServiceStatus string

const (
	StatusRunning      ServiceStatus = "running"
	StatusStopped      ServiceStatus = "stopped"
	StatusDisabled     ServiceStatus = "disabled"
	StatusNotInstalled ServiceStatus = "not_installed"
	StatusUnknown      ServiceStatus = "unknown"
)

// ServiceInfo describes a system service.
type ServiceInfo struct {
	Name        string        `json:"name" yaml:"name"`
	DisplayName string        `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Status      ServiceStatus `json:"status" yaml:"status"`
	StartType   string        `json:"startType,omitempty" yaml:"startType,omitempty"`
	BinaryPath  string        `json:"binaryPath,omitempty" yaml:"binaryPath,omitempty"`
	PID         uint32        `json:"pid,omitempty" yaml:"pid,omitempty"`
}

// IsActive returns true if the service is currently running.
func (s ServiceInfo) IsActive() bool {
	return s.Status == StatusRunning
}

// IsRunning returns true if the named service exists and is running.
func IsRunning(name string) (bool, error) {
	info, err := GetStatus(name)
	if err != nil {
		return false, err
	}
	return info.IsActive(), nil
}
