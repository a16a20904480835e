//go:build windows

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows/registry"

	"github.com/parental/agent/internal/schedule"
)

// Registry value names under the state key.
const (
	valueServerAddress = "ServerAddress"
	valueDeviceID      = "DeviceID"
	valueDevice        = "Device"
)

// RegistryStore keeps AgentState as string values under an HKLM subkey.
// The device is stored as a JSON blob.
type RegistryStore struct {
	path string
	mu   sync.Mutex
}

func newRegistryStore(path string) (Store, error) {
	return &RegistryStore{path: path}, nil
}

func (s *RegistryStore) Load() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := registry.OpenKey(registry.LOCAL_MACHINE, s.path, registry.QUERY_VALUE)
	if err != nil {
		if !errors.Is(err, registry.ErrNotExist) {
			log.Warn("failed to open state key", "key", s.path, "error", err)
		}
		return AgentState{}
	}
	defer key.Close()

	st := AgentState{
		ServerAddress: readString(key, valueServerAddress),
		DeviceID:      readString(key, valueDeviceID),
	}
	if blob := readString(key, valueDevice); blob != "" {
		var dev schedule.Device
		if err := json.Unmarshal([]byte(blob), &dev); err != nil {
			log.Warn("stored device is corrupt, ignoring", "key", s.path, "error", err)
		} else {
			st.Device = &dev
		}
	}
	return st
}

func readString(key registry.Key, name string) string {
	v, _, err := key.GetStringValue(name)
	if err != nil {
		if !errors.Is(err, registry.ErrNotExist) {
			log.Warn("failed to read state value", "value", name, "error", err)
		}
		return ""
	}
	return v
}

func (s *RegistryStore) Save(st AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.create()
	if err != nil {
		return err
	}
	defer key.Close()

	if err := key.SetStringValue(valueServerAddress, st.ServerAddress); err != nil {
		return fmt.Errorf("state: write %s: %w", valueServerAddress, err)
	}
	if err := key.SetStringValue(valueDeviceID, st.DeviceID); err != nil {
		return fmt.Errorf("state: write %s: %w", valueDeviceID, err)
	}
	return writeDevice(key, st.Device)
}

// SaveDevice writes only the Device value.
func (s *RegistryStore) SaveDevice(d *schedule.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.create()
	if err != nil {
		return err
	}
	defer key.Close()
	return writeDevice(key, d)
}

// writeDevice stores d as a JSON blob; nil removes the value.
func writeDevice(key registry.Key, d *schedule.Device) error {
	if d == nil {
		if err := key.DeleteValue(valueDevice); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return fmt.Errorf("state: clear %s: %w", valueDevice, err)
		}
		return nil
	}
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("state: marshal device: %w", err)
	}
	if err := key.SetStringValue(valueDevice, string(blob)); err != nil {
		return fmt.Errorf("state: write %s: %w", valueDevice, err)
	}
	return nil
}

func (s *RegistryStore) Configure(serverAddress, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.create()
	if err != nil {
		return err
	}
	defer key.Close()

	if err := key.SetStringValue(valueServerAddress, serverAddress); err != nil {
		return fmt.Errorf("state: write %s: %w", valueServerAddress, err)
	}
	if err := key.SetStringValue(valueDeviceID, deviceID); err != nil {
		return fmt.Errorf("state: write %s: %w", valueDeviceID, err)
	}
	return nil
}

func (s *RegistryStore) create() (registry.Key, error) {
	key, _, err := registry.CreateKey(registry.LOCAL_MACHINE, s.path, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return 0, fmt.Errorf("state: open HKLM\\%s: %w", s.path, err)
	}
	return key, nil
}
