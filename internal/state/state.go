// Package state persists the agent's identifiers and last-known device
// configuration across restarts.
package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/parental/agent/internal/logging"
	"github.com/parental/agent/internal/schedule"
)

var log = logging.L("state")

// Backend names accepted by New.
const (
	BackendRegistry = "registry"
	BackendFile     = "file"
)

// DefaultRegistryPath is the HKLM subkey holding the agent state.
const DefaultRegistryPath = `SOFTWARE\Parental`

// ErrUnsupportedBackend is returned by New for an unknown or unavailable backend.
var ErrUnsupportedBackend = errors.New("state: unsupported backend")

// AgentState is everything the agent remembers between ticks and restarts.
type AgentState struct {
	ServerAddress string           `json:"serverAddress,omitempty"`
	DeviceID      string           `json:"deviceId,omitempty"`
	Device        *schedule.Device `json:"device,omitempty"`
}

// HasIdentity reports whether both identifiers needed for a heartbeat are set.
func (s AgentState) HasIdentity() bool {
	return strings.TrimSpace(s.ServerAddress) != "" && strings.TrimSpace(s.DeviceID) != ""
}

// Store reads and writes AgentState. Load never fails: missing or corrupt
// entries come back as zero values.
type Store interface {
	Load() AgentState
	Save(AgentState) error
	// SaveDevice replaces the cached device and leaves the identifiers,
	// which are owned by the installer and `configure`, untouched.
	SaveDevice(*schedule.Device) error
	// Configure replaces the identifiers and leaves the cached device alone.
	Configure(serverAddress, deviceID string) error
}

// Options selects and locates the backend.
type Options struct {
	Backend      string
	RegistryPath string
	FilePath     string
}

// New opens the configured backend.
func New(opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendRegistry:
		path := opts.RegistryPath
		if path == "" {
			path = DefaultRegistryPath
		}
		return newRegistryStore(path)
	case BackendFile:
		if opts.FilePath == "" {
			return nil, fmt.Errorf("state: file backend needs a path")
		}
		return NewFileStore(opts.FilePath), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, opts.Backend)
	}
}
