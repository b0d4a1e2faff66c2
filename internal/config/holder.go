package config

import "sync"

// SettingsHolder guards the runtime settings that admin endpoints can
// swap while the dispatcher is running. Readers take a snapshot and
// must treat nested slices and maps as read-only.
type SettingsHolder struct {
	mu sync.RWMutex
	s  Settings
}

func NewSettingsHolder(s Settings) *SettingsHolder {
	return &SettingsHolder{s: s}
}

func (h *SettingsHolder) Get() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *SettingsHolder) Set(s Settings) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.s = s
}
