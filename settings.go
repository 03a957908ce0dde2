package custodian

import "github.com/nbd-wtf/custodian/store"

// Settings are the operator toggles the gateway consults on the fast path.
type Settings struct {
	HistoryEnabled       bool `json:"history_enabled"`
	NotificationsEnabled bool `json:"notifications_enabled"`
}

var settingsKey = []byte("settings")

// DefaultSettings has everything on; the operator opts out.
func DefaultSettings() Settings {
	return Settings{HistoryEnabled: true, NotificationsEnabled: true}
}

// LoadSettings reads the stored settings, falling back to defaults when
// nothing (or garbage) is stored.
func LoadSettings(kv store.KV) Settings {
	raw, err := kv.Get(settingsKey)
	if err != nil || raw == nil {
		return DefaultSettings()
	}
	s := DefaultSettings()
	if err := json.Unmarshal(raw, &s); err != nil {
		return DefaultSettings()
	}
	return s
}

func SaveSettings(kv store.KV, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return kv.Set(settingsKey, raw)
}
